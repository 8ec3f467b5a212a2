package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"
)

func findChrome(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no chrome binary on PATH")
	return ""
}

func TestChromeVisitIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	execPath := findChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>
			<button class="trigger" onclick="document.getElementById('menu').hidden=false">Range</button>
			<ul id="menu" hidden><li role="menuitem" onclick="document.body.dataset.picked='90'">Past 90 days</li></ul>
		</body></html>`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	chrome, err := NewChrome(ctx, ChromeOptions{ExecPath: execPath, Headless: true}, nil)
	require.NoError(t, err)
	defer chrome.Shutdown()

	c := NewController(chrome, 15*time.Second, nil)
	html, err := Visit(ctx, c, srv.URL, func(ctx context.Context, p Page) (string, error) {
		ok, err := p.Exists(ctx, "button.trigger")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, p.Click(ctx, "button.trigger"))
		texts, err := p.Texts(ctx, `[role="menuitem"]`)
		require.NoError(t, err)
		require.Equal(t, []string{"Past 90 days"}, texts)
		require.NoError(t, p.ClickNth(ctx, `[role="menuitem"]`, 0))
		require.ErrorIs(t, p.Click(ctx, ".missing"), ErrElementNotFound)
		return p.HTML(ctx)
	})
	require.NoError(t, err)
	require.Contains(t, html, `data-picked="90"`)

	chrome.mu.Lock()
	open := len(chrome.tabs)
	chrome.mu.Unlock()
	require.Zero(t, open, "managed tab must be closed after the visit")
}

func TestChromeOpenHonoursCancelledContext(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	execPath := findChrome(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	chrome, err := NewChrome(ctx, ChromeOptions{ExecPath: execPath, Headless: true}, nil)
	require.NoError(t, err)
	defer chrome.Shutdown()

	pages := func() int {
		infos, err := chromedp.Targets(chrome.browserCtx)
		require.NoError(t, err)
		n := 0
		for _, info := range infos {
			if info.Type == "page" {
				n++
			}
		}
		return n
	}
	before := pages()

	cancelled, stop := context.WithCancel(ctx)
	stop()
	_, err = chrome.Open(cancelled, "about:blank")
	require.ErrorIs(t, err, context.Canceled)

	chrome.mu.Lock()
	managed := len(chrome.tabs)
	chrome.mu.Unlock()
	require.Zero(t, managed)
	require.Eventually(t, func() bool { return pages() == before }, 5*time.Second, 50*time.Millisecond,
		"no target may outlive a failed open")
}
