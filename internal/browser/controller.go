package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/t1p-app/companion/internal/telemetry"
	"go.uber.org/zap"
)

const closeTimeout = 5 * time.Second

// Controller owns the tabs it opens for the duration of one visit.
type Controller struct {
	tabs    Tabs
	timeout time.Duration
	logger  *zap.Logger
}

func NewController(tabs Tabs, loadTimeout time.Duration, logger *zap.Logger) *Controller {
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{tabs: tabs, timeout: loadTimeout, logger: logger}
}

// Visit opens url in a background tab, waits for it to load and hands the
// page to onReady. The tab is closed exactly once on every exit path,
// including a load timeout, an onReady error or a panic.
func Visit[T any](ctx context.Context, c *Controller, url string, onReady func(context.Context, Page) (T, error)) (T, error) {
	var zero T

	// subscribe before opening so a fast load is not missed
	events := newLoadQueue()
	unsubscribe := c.tabs.Subscribe(events.push)
	defer unsubscribe()

	id, err := c.tabs.Open(ctx, url)
	if err != nil {
		return zero, fmt.Errorf("open tab %s: %w", url, err)
	}
	events.bind(id)
	defer c.release(ctx, id, url)

	if err := c.awaitLoad(ctx, id, url, events); err != nil {
		return zero, err
	}

	page, err := c.tabs.Page(id)
	if err != nil {
		return zero, fmt.Errorf("attach page %s: %w", url, err)
	}
	return onReady(ctx, page)
}

func (c *Controller) awaitLoad(ctx context.Context, id TabID, url string, events *loadQueue) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		for _, ev := range events.drain() {
			if ev.Tab != id {
				continue
			}
			switch ev.State {
			case LoadComplete:
				return nil
			case LoadFailed:
				return fmt.Errorf("load %s: %w", url, ev.Err)
			}
		}
		select {
		case <-events.ready:
		case <-timer.C:
			return &PageLoadTimeoutError{URL: url, Timeout: c.timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release closes the tab on a context that survives cancellation of the
// visit. Close errors never mask the visit's own outcome.
func (c *Controller) release(ctx context.Context, id TabID, url string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := c.tabs.Close(cctx, id); err != nil {
		telemetry.TabCleanupFailures.Inc()
		c.logger.Warn("tab cleanup failed", zap.String("tab", string(id)), zap.String("url", url), zap.Error(err))
	}
}

// loadQueue collects load events for one visit. push never blocks and never
// drops: the subscriber runs on the browser's event goroutine. Once bound to
// a tab, events for other tabs are discarded on arrival.
type loadQueue struct {
	mu     sync.Mutex
	tab    TabID
	events []LoadEvent
	ready  chan struct{}
}

func newLoadQueue() *loadQueue {
	return &loadQueue{ready: make(chan struct{}, 1)}
}

func (q *loadQueue) push(ev LoadEvent) {
	q.mu.Lock()
	if q.tab == "" || ev.Tab == q.tab {
		q.events = append(q.events, ev)
	}
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// bind drops buffered events of other tabs and filters later ones.
func (q *loadQueue) bind(id TabID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tab = id
	kept := q.events[:0]
	for _, ev := range q.events {
		if ev.Tab == id {
			kept = append(kept, ev)
		}
	}
	q.events = kept
}

func (q *loadQueue) drain() []LoadEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}
