// Package pacing holds the randomized delays used to make page visits look
// human, and the bounded polling helper the page scripts rely on.
package pacing

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Range is a half-open [Min, Max) duration window.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Ms builds a Range from millisecond bounds.
func Ms(min, max int) Range {
	return Range{Min: time.Duration(min) * time.Millisecond, Max: time.Duration(max) * time.Millisecond}
}

// Draw picks a uniform duration in [Min, Max). A degenerate range yields Min.
func (r Range) Draw(rng *rand.Rand) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(rng.Int64N(int64(r.Max-r.Min)))
}

// Sleeper blocks for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pacer draws random pauses and sleeps them.
type Pacer struct {
	sleeper Sleeper
	mu      sync.Mutex
	rng     *rand.Rand
}

// NewPacer returns a Pacer. A nil sleeper uses real timers; a nil rng is seeded randomly.
func NewPacer(s Sleeper, rng *rand.Rand) *Pacer {
	if s == nil {
		s = TimerSleeper{}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Pacer{sleeper: s, rng: rng}
}

// Pause sleeps for a duration drawn from r and reports it.
func (p *Pacer) Pause(ctx context.Context, r Range) (time.Duration, error) {
	p.mu.Lock()
	d := r.Draw(p.rng)
	p.mu.Unlock()
	return d, p.sleeper.Sleep(ctx, d)
}

// Sleep sleeps for exactly d.
func (p *Pacer) Sleep(ctx context.Context, d time.Duration) error {
	return p.sleeper.Sleep(ctx, d)
}
