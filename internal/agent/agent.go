// Package agent runs a full collection cycle on behalf of a trigger: it
// checks the session, honours the day marker for scheduled runs, drives
// the sequencer and hands the result to the dispatch gate.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/t1p-app/companion/internal/clock"
	"github.com/t1p-app/companion/internal/collector"
	"github.com/t1p-app/companion/internal/dispatch"
	"github.com/t1p-app/companion/internal/session"
	"github.com/t1p-app/companion/internal/store"
	"github.com/t1p-app/companion/internal/telemetry"
	"go.uber.org/zap"
)

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

var (
	// ErrCollectionInProgress rejects a trigger that arrives while a cycle is running.
	ErrCollectionInProgress = errors.New("collection already in progress")
	// ErrAlreadyCollected skips a scheduled trigger for a day that was already collected.
	ErrAlreadyCollected = errors.New("already collected for this day")
)

type Sessions interface {
	Current(ctx context.Context) (*session.Session, error)
	Peek(ctx context.Context) (*session.Session, error)
	Usable(s *session.Session) bool
}

type Collector interface {
	Collect(ctx context.Context) (collector.Result, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, res collector.Result, token string) ([]dispatch.Outcome, error)
}

// Report describes a completed cycle.
type Report struct {
	RunID     uuid.UUID          `json:"run_id"`
	Trigger   Trigger            `json:"trigger"`
	Day       string             `json:"day"`
	Timestamp time.Time          `json:"timestamp"`
	Receipts  []dispatch.Outcome `json:"receipts"`
}

// Status is a point-in-time view of the agent.
type Status struct {
	Authenticated  bool   `json:"authenticated"`
	Email          string `json:"email,omitempty"`
	CollectionDay  string `json:"collection_day"`
	LastCollectDay string `json:"last_collect_day,omitempty"`
	Collected      bool   `json:"collected"`
	Collecting     bool   `json:"collecting"`
}

type Agent struct {
	sessions   Sessions
	collector  Collector
	dispatcher Dispatcher
	kv         store.KV
	days       clock.Days
	logger     *zap.Logger

	running atomic.Bool
}

func New(sessions Sessions, c Collector, d Dispatcher, kv store.KV, days clock.Days, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{sessions: sessions, collector: c, dispatcher: d, kv: kv, days: days, logger: logger}
}

// Collect runs one cycle. Only one cycle runs at a time; a concurrent call
// returns ErrCollectionInProgress without touching the browser.
func (a *Agent) Collect(ctx context.Context, trigger Trigger) (Report, error) {
	if !a.running.CompareAndSwap(false, true) {
		telemetry.Collections.WithLabelValues(telemetry.OutcomeSkipped).Inc()
		return Report{}, ErrCollectionInProgress
	}
	defer a.running.Store(false)

	runID := uuid.New()
	logger := a.logger.With(zap.String("run_id", runID.String()), zap.String("trigger", string(trigger)))
	start := time.Now()
	logger.Info("collection started")

	report, err := a.collect(ctx, trigger, logger)
	report.RunID = runID
	switch {
	case errors.Is(err, ErrAlreadyCollected):
		telemetry.Collections.WithLabelValues(telemetry.OutcomeSkipped).Inc()
		logger.Info("collection skipped", zap.Error(err))
	case err != nil:
		telemetry.Collections.WithLabelValues(telemetry.OutcomeFailure).Inc()
		logger.Error("collection failed", zap.Error(err), zap.Duration("took", time.Since(start)))
	default:
		telemetry.Collections.WithLabelValues(telemetry.OutcomeSuccess).Inc()
		logger.Info("collection complete", zap.String("day", report.Day), zap.Duration("took", time.Since(start)))
	}
	return report, err
}

func (a *Agent) collect(ctx context.Context, trigger Trigger, logger *zap.Logger) (Report, error) {
	report := Report{Trigger: trigger}

	sess, err := a.sessions.Current(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return report, fmt.Errorf("%w: please log in", dispatch.ErrAuthRequired)
	}
	if err != nil {
		return report, fmt.Errorf("load session: %w", err)
	}
	if err := dispatch.CheckToken(sess.Token, a.days.Clock.Now()); err != nil {
		return report, err
	}

	report.Day = a.days.Current()
	if trigger == TriggerScheduled {
		last, err := store.GetOptional(ctx, a.kv, store.KeyLastCollectDay)
		if err != nil {
			return report, fmt.Errorf("read day marker: %w", err)
		}
		if last == report.Day {
			return report, fmt.Errorf("%w: %s", ErrAlreadyCollected, last)
		}
	}

	res, err := a.collector.Collect(ctx)
	if err != nil {
		return report, err
	}
	report.Timestamp = res.Timestamp
	logger.Debug("fragments captured", zap.Time("timestamp", res.Timestamp))

	receipts, err := a.dispatcher.Dispatch(ctx, res, sess.Token)
	report.Receipts = receipts
	return report, err
}

// Collecting reports whether a cycle is currently running.
func (a *Agent) Collecting() bool {
	return a.running.Load()
}

func (a *Agent) Status(ctx context.Context) (Status, error) {
	st := Status{CollectionDay: a.days.Current(), Collecting: a.Collecting()}

	// Status is read-only: Peek neither refreshes nor clears the session.
	sess, err := a.sessions.Peek(ctx)
	switch {
	case errors.Is(err, session.ErrNoSession):
	case err != nil:
		return st, fmt.Errorf("load session: %w", err)
	default:
		st.Authenticated = a.sessions.Usable(sess)
		st.Email = sess.Email
	}

	last, err := store.GetOptional(ctx, a.kv, store.KeyLastCollectDay)
	if err != nil {
		return st, fmt.Errorf("read day marker: %w", err)
	}
	st.LastCollectDay = last
	st.Collected = last != "" && last == st.CollectionDay
	return st, nil
}
