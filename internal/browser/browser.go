// Package browser opens short-lived background tabs, waits for them to
// finish loading, runs a callback against the loaded page and always closes
// the tab again.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultLoadTimeout bounds the wait for a tab to report load completion.
const DefaultLoadTimeout = 15 * time.Second

// TabID is an opaque handle to an open tab.
type TabID string

// LoadState is the navigation state of a managed tab.
type LoadState int

const (
	LoadPending LoadState = iota
	LoadComplete
	LoadTimedOut
	LoadFailed
)

func (s LoadState) String() string {
	switch s {
	case LoadPending:
		return "pending"
	case LoadComplete:
		return "complete"
	case LoadTimedOut:
		return "timed_out"
	case LoadFailed:
		return "failed"
	default:
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
}

// LoadEvent is published by a Tabs implementation whenever a tab's load state changes.
type LoadEvent struct {
	Tab   TabID
	State LoadState
	Err   error
}

// Tabs is the tab-level capability of a browser.
type Tabs interface {
	// Open creates an inactive tab navigating to url and returns immediately.
	Open(ctx context.Context, url string) (TabID, error)
	// Subscribe registers fn for load events of every tab. The returned
	// function removes the subscription.
	Subscribe(fn func(LoadEvent)) (unsubscribe func())
	// Page returns the operations available inside a loaded tab.
	Page(id TabID) (Page, error)
	Close(ctx context.Context, id TabID) error
}

// Page is the set of operations a page script may perform inside a tab.
// Every call is a round-trip into the page.
type Page interface {
	// Exists reports whether selector matches at least one element.
	Exists(ctx context.Context, selector string) (bool, error)
	// Click activates the first element matching selector.
	Click(ctx context.Context, selector string) error
	// Texts returns the trimmed text content of every element matching selector.
	Texts(ctx context.Context, selector string) ([]string, error)
	// ClickNth activates the n-th (zero based) element matching selector.
	ClickNth(ctx context.Context, selector string, n int) error
	// HTML serializes the full rendered document.
	HTML(ctx context.Context) (string, error)
}

var (
	// ErrPageLoadTimeout matches any *PageLoadTimeoutError.
	ErrPageLoadTimeout = errors.New("page load timeout")
	// ErrElementNotFound is returned by Page operations addressing a missing element.
	ErrElementNotFound = errors.New("element not found")
	// ErrUnknownTab is returned for handles that are not (or no longer) open.
	ErrUnknownTab = errors.New("unknown tab")
)

// PageLoadTimeoutError carries the url of the page that did not finish loading.
type PageLoadTimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *PageLoadTimeoutError) Error() string {
	return fmt.Sprintf("page load timeout after %s: %s", e.Timeout, e.URL)
}

func (e *PageLoadTimeoutError) Is(target error) bool { return target == ErrPageLoadTimeout }
