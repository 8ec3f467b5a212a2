package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/t1p-app/companion/internal/browser"
	"github.com/t1p-app/companion/internal/clock"
	"github.com/t1p-app/companion/internal/collector"
	"github.com/t1p-app/companion/internal/dispatch"
	"github.com/t1p-app/companion/internal/session"
	"github.com/t1p-app/companion/internal/store"
)

type fakeSessions struct {
	sess  *session.Session
	err   error
	stale bool // Usable reports false
}

func (f fakeSessions) Current(context.Context) (*session.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.sess == nil {
		return nil, session.ErrNoSession
	}
	return f.sess, nil
}

func (f fakeSessions) Peek(ctx context.Context) (*session.Session, error) {
	return f.Current(ctx)
}

func (f fakeSessions) Usable(s *session.Session) bool {
	return s != nil && !f.stale
}

// readOnlySessions fails the test if anything reaches the refreshing path.
type readOnlySessions struct {
	fakeSessions
	t *testing.T
}

func (r readOnlySessions) Current(context.Context) (*session.Session, error) {
	r.t.Fatal("Current must not be called")
	return nil, nil
}

type fakeCollector struct {
	mu      sync.Mutex
	calls   int
	res     collector.Result
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeCollector) Collect(ctx context.Context) (collector.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	return f.res, f.err
}

type fakeDispatcher struct {
	calls int
	token string
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, res collector.Result, token string) ([]dispatch.Outcome, error) {
	f.calls++
	f.token = token
	out := make([]dispatch.Outcome, 0, len(collector.Fragments))
	for _, fr := range collector.Fragments {
		out = append(out, dispatch.Outcome{Type: fr, Success: f.err == nil})
	}
	return out, f.err
}

var noon = clock.Fixed(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

type harness struct {
	agent *Agent
	coll  *fakeCollector
	disp  *fakeDispatcher
	kv    *store.Memory
}

func newHarness(sessions Sessions) *harness {
	h := &harness{
		coll: &fakeCollector{res: collector.Result{SSI: "a", SearchAppearances: "b", ProfileViews: "c", Timestamp: time.Time(noon)}},
		disp: &fakeDispatcher{},
		kv:   store.NewMemory(),
	}
	h.agent = New(sessions, h.coll, h.disp, h.kv, clock.NewDays(noon, clock.DefaultRolloverHour), nil)
	return h
}

func loggedIn() fakeSessions {
	return fakeSessions{sess: &session.Session{Token: "tok", Email: "me@example.test"}}
}

func TestCollectHappyPath(t *testing.T) {
	h := newHarness(loggedIn())

	report, err := h.agent.Collect(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, report.RunID)
	require.Equal(t, "2026-03-10", report.Day)
	require.Equal(t, time.Time(noon), report.Timestamp)
	require.Len(t, report.Receipts, 3)
	require.Equal(t, "tok", h.disp.token)
	require.False(t, h.agent.Collecting())
}

func TestCollectWithoutSessionOpensNoTab(t *testing.T) {
	tabs := &countingTabs{}
	ctrl := browser.NewController(tabs, time.Second, nil)
	seq, err := collector.NewSequencer(collector.ControllerVisit(ctrl), []collector.Step{
		{Fragment: collector.FragmentSSI, URL: "https://site.test/ssi", Script: nopScript{}},
		{Fragment: collector.FragmentSearchAppearances, URL: "https://site.test/search", Script: nopScript{}},
		{Fragment: collector.FragmentProfileViews, URL: "https://site.test/views", Script: nopScript{}},
	}, collector.Options{})
	require.NoError(t, err)
	disp := &fakeDispatcher{}
	a := New(fakeSessions{}, seq, disp, store.NewMemory(), clock.NewDays(noon, 7), nil)

	_, err = a.Collect(context.Background(), TriggerManual)
	require.ErrorIs(t, err, dispatch.ErrAuthRequired)
	require.Zero(t, tabs.opened)
	require.Zero(t, disp.calls)
}

func TestCollectFailureSkipsDispatch(t *testing.T) {
	h := newHarness(loggedIn())
	h.coll.err = &browser.PageLoadTimeoutError{URL: "https://site.test/views", Timeout: 15 * time.Second}

	_, err := h.agent.Collect(context.Background(), TriggerManual)
	require.ErrorIs(t, err, browser.ErrPageLoadTimeout)
	require.Zero(t, h.disp.calls)
	_, err = h.kv.Get(context.Background(), store.KeyLastCollectDay)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestScheduledTriggerHonoursDayMarker(t *testing.T) {
	h := newHarness(loggedIn())
	ctx := context.Background()
	require.NoError(t, h.kv.Set(ctx, map[string]string{store.KeyLastCollectDay: "2026-03-10"}))

	_, err := h.agent.Collect(ctx, TriggerScheduled)
	require.ErrorIs(t, err, ErrAlreadyCollected)
	require.Zero(t, h.coll.calls)

	// a manual trigger collects regardless
	_, err = h.agent.Collect(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, h.coll.calls)
}

func TestConcurrentTriggerIsRejected(t *testing.T) {
	h := newHarness(loggedIn())
	h.coll.started = make(chan struct{})
	h.coll.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.agent.Collect(context.Background(), TriggerManual)
		done <- err
	}()
	<-h.coll.started
	require.True(t, h.agent.Collecting())

	_, err := h.agent.Collect(context.Background(), TriggerManual)
	require.ErrorIs(t, err, ErrCollectionInProgress)

	close(h.coll.release)
	require.NoError(t, <-done)
	require.Equal(t, 1, h.coll.calls)
}

func TestSessionStoreErrorIsNotAuthRequired(t *testing.T) {
	h := newHarness(fakeSessions{err: errors.New("redis down")})

	_, err := h.agent.Collect(context.Background(), TriggerManual)
	require.ErrorContains(t, err, "redis down")
	require.False(t, errors.Is(err, dispatch.ErrAuthRequired))
}

func TestStatus(t *testing.T) {
	h := newHarness(loggedIn())
	ctx := context.Background()
	require.NoError(t, h.kv.Set(ctx, map[string]string{store.KeyLastCollectDay: "2026-03-10"}))

	st, err := h.agent.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, Status{
		Authenticated:  true,
		Email:          "me@example.test",
		CollectionDay:  "2026-03-10",
		LastCollectDay: "2026-03-10",
		Collected:      true,
	}, st)

	anon := newHarness(fakeSessions{})
	st, err = anon.agent.Status(ctx)
	require.NoError(t, err)
	require.False(t, st.Authenticated)
	require.False(t, st.Collected)
}

func TestStatusDoesNotRefreshOrClear(t *testing.T) {
	ctx := context.Background()
	expired := &session.Session{Token: "tok", Email: "me@example.test"}

	h := newHarness(readOnlySessions{fakeSessions: fakeSessions{sess: expired, stale: true}, t: t})
	st, err := h.agent.Status(ctx)
	require.NoError(t, err)
	require.False(t, st.Authenticated)
	require.Equal(t, "me@example.test", st.Email)

	h = newHarness(readOnlySessions{fakeSessions: fakeSessions{sess: expired}, t: t})
	st, err = h.agent.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Authenticated)
}

type countingTabs struct{ opened int }

func (c *countingTabs) Open(context.Context, string) (browser.TabID, error) {
	c.opened++
	return "", errors.New("unexpected open")
}
func (c *countingTabs) Subscribe(func(browser.LoadEvent)) func()   { return func() {} }
func (c *countingTabs) Page(browser.TabID) (browser.Page, error)   { return nil, browser.ErrUnknownTab }
func (c *countingTabs) Close(context.Context, browser.TabID) error { return nil }

type nopScript struct{}

func (nopScript) Run(context.Context, browser.Page) (string, error) { return "", nil }
