// Package scheduler fires the daily scheduled collection.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/t1p-app/companion/internal/agent"
	"github.com/t1p-app/companion/internal/clock"
	"github.com/t1p-app/companion/internal/pacing"
	"go.uber.org/zap"
)

type Collector interface {
	Collect(ctx context.Context, trigger agent.Trigger) (agent.Report, error)
}

// Scheduler fires at the next cron time plus a random jitter so runs do
// not land on the same minute every day.
type Scheduler struct {
	expr      *cronexpr.Expression
	jitter    pacing.Range
	collector Collector
	clock     clock.Clock
	sleeper   pacing.Sleeper
	logger    *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

type Options struct {
	Clock   clock.Clock
	Sleeper pacing.Sleeper
	Rand    *rand.Rand
	Logger  *zap.Logger
}

func New(spec string, jitterMax time.Duration, c Collector, opts Options) (*Scheduler, error) {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Sleeper == nil {
		opts.Sleeper = pacing.TimerSleeper{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		expr:      expr,
		jitter:    pacing.Range{Min: 0, Max: jitterMax},
		collector: c,
		clock:     opts.Clock,
		sleeper:   opts.Sleeper,
		rng:       opts.Rand,
		logger:    opts.Logger,
	}, nil
}

// Next returns the next fire time after now. The zero time means the
// expression never matches again.
func (s *Scheduler) Next(now time.Time) time.Time {
	next := s.expr.Next(now)
	if next.IsZero() {
		return next
	}
	s.mu.Lock()
	j := s.jitter.Draw(s.rng)
	s.mu.Unlock()
	return next.Add(j)
}

// Run blocks firing scheduled collections until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.clock.Now()
		next := s.Next(now)
		if next.IsZero() {
			return errors.New("schedule has no future fire time")
		}
		s.logger.Info("next collection scheduled", zap.Time("at", next), zap.Duration("in", next.Sub(now)))
		if err := s.sleeper.Sleep(ctx, next.Sub(now)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.fire(ctx)
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	report, err := s.collector.Collect(ctx, agent.TriggerScheduled)
	switch {
	case errors.Is(err, agent.ErrAlreadyCollected), errors.Is(err, agent.ErrCollectionInProgress):
		s.logger.Info("scheduled collection skipped", zap.Error(err))
	case err != nil:
		s.logger.Error("scheduled collection failed", zap.Error(err))
	default:
		s.logger.Info("scheduled collection done", zap.String("run_id", report.RunID.String()), zap.String("day", report.Day))
	}
}
