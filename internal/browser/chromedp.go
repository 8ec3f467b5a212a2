package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/t1p-app/companion/internal/telemetry"
	"go.uber.org/zap"
)

// ChromeOptions selects how the browser is reached. RemoteURL attaches to a
// running Chrome (its devtools websocket url); otherwise a Chrome process is
// launched, typically with a UserDataDir that already holds the logged-in profile.
type ChromeOptions struct {
	RemoteURL   string
	ExecPath    string
	UserDataDir string
	Headless    bool
	UserAgent   string
}

// Chrome implements Tabs over the DevTools protocol.
type Chrome struct {
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	logger        *zap.Logger

	mu      sync.Mutex
	tabs    map[TabID]*chromeTab
	subs    map[int]func(LoadEvent)
	nextSub int
}

type chromeTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChrome starts (or attaches to) the browser. The returned Chrome must be
// shut down with Shutdown.
func NewChrome(ctx context.Context, opts ChromeOptions, logger *zap.Logger) (*Chrome, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var actx context.Context
	var cancelAlloc context.CancelFunc
	if opts.RemoteURL != "" {
		actx, cancelAlloc = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", opts.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
		}
		if opts.UserDataDir != "" {
			allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserDataDir))
		}
		if opts.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
		}
		actx, cancelAlloc = chromedp.NewExecAllocator(ctx, allocOpts...)
	}

	bctx, cancelBrowser := chromedp.NewContext(actx, chromedp.WithLogf(logger.Sugar().Debugf))
	// the first run starts the browser and its anchor tab
	if err := chromedp.Run(bctx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &Chrome{
		browserCtx:    bctx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
		logger:        logger,
		tabs:          make(map[TabID]*chromeTab),
		subs:          make(map[int]func(LoadEvent)),
	}, nil
}

// Shutdown closes every open tab and the browser.
func (c *Chrome) Shutdown() {
	c.mu.Lock()
	for id, t := range c.tabs {
		t.cancel()
		delete(c.tabs, id)
	}
	c.mu.Unlock()
	c.cancelBrowser()
	c.cancelAlloc()
}

// Open creates a background tab and starts loading url in it. A target that
// was created but could not be handed out is closed before Open returns.
func (c *Chrome) Open(ctx context.Context, url string) (TabID, error) {
	var tid target.ID
	err := c.runBrowser(ctx, func(bctx context.Context) error {
		var err error
		tid, err = target.CreateTarget("about:blank").WithBackground(true).Do(bctx)
		return err
	})
	if err != nil {
		if tid != "" {
			c.discardTarget(ctx, tid)
		}
		return "", fmt.Errorf("create target: %w", err)
	}

	tctx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(tid))
	if err := chromedp.Run(tctx); err != nil {
		cancel()
		c.discardTarget(ctx, tid)
		return "", fmt.Errorf("attach target: %w", err)
	}
	if err := ctx.Err(); err != nil {
		cancel()
		c.discardTarget(ctx, tid)
		return "", err
	}

	id := TabID(tid)
	c.mu.Lock()
	c.tabs[id] = &chromeTab{ctx: tctx, cancel: cancel}
	c.mu.Unlock()

	go c.navigate(tctx, id, url)
	return id, nil
}

// runBrowser executes fn against the browser connection, bounded by ctx.
func (c *Chrome) runBrowser(ctx context.Context, fn func(context.Context) error) error {
	rctx, cancel := context.WithCancel(c.browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(rctx, chromedp.ActionFunc(func(bctx context.Context) error {
		return fn(cdp.WithExecutor(bctx, chromedp.FromContext(bctx).Browser))
	}))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// discardTarget closes a target Open could not hand out. It runs even when
// ctx is already cancelled.
func (c *Chrome) discardTarget(ctx context.Context, tid target.ID) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	err := c.runBrowser(cctx, func(bctx context.Context) error {
		return target.CloseTarget(tid).Do(bctx)
	})
	if err != nil {
		telemetry.TabCleanupFailures.Inc()
		c.logger.Debug("discard target failed", zap.String("tab", string(tid)), zap.Error(err))
	}
}

// navigate runs until the page's load event and publishes the result.
func (c *Chrome) navigate(tctx context.Context, id TabID, url string) {
	if err := chromedp.Run(tctx, chromedp.Navigate(url)); err != nil {
		c.publish(LoadEvent{Tab: id, State: LoadFailed, Err: err})
		return
	}
	c.publish(LoadEvent{Tab: id, State: LoadComplete})
}

func (c *Chrome) publish(ev LoadEvent) {
	c.mu.Lock()
	fns := make([]func(LoadEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Chrome) Subscribe(fn func(LoadEvent)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Chrome) Page(id TabID) (Page, error) {
	c.mu.Lock()
	t, ok := c.tabs[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTab, id)
	}
	return &chromePage{tab: t.ctx}, nil
}

func (c *Chrome) Close(ctx context.Context, id TabID) error {
	c.mu.Lock()
	t, ok := c.tabs[id]
	delete(c.tabs, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, id)
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(t.ctx) }()
	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type chromePage struct {
	tab context.Context
}

// run executes actions on the tab while honouring the caller's ctx.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, cancel := context.WithCancel(p.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(rctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	var ok bool
	err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%s) !== null`, jsString(selector)), &ok))
	return ok, err
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.ClickNth(ctx, selector, 0)
}

func (p *chromePage) ClickNth(ctx context.Context, selector string, n int) error {
	var clicked bool
	js := fmt.Sprintf(`(() => {
		const el = document.querySelectorAll(%s)[%d];
		if (!el) return false;
		el.click();
		return true;
	})()`, jsString(selector), n)
	if err := p.run(ctx, chromedp.Evaluate(js, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("%w: %s[%d]", ErrElementNotFound, selector, n)
	}
	return nil
}

func (p *chromePage) Texts(ctx context.Context, selector string) ([]string, error) {
	var texts []string
	js := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(el => (el.textContent || '').trim())`, jsString(selector))
	err := p.run(ctx, chromedp.Evaluate(js, &texts))
	return texts, err
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}
