// Package dispatch forwards a collected cycle to the ingestion sink and
// records the collection day once every fragment was accepted.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/t1p-app/companion/internal/clock"
	"github.com/t1p-app/companion/internal/collector"
	"github.com/t1p-app/companion/internal/session"
	"github.com/t1p-app/companion/internal/store"
	"github.com/t1p-app/companion/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAuthRequired is returned when there is no usable bearer token.
var ErrAuthRequired = errors.New("authentication required")

// Outcome is the per-fragment receipt of one dispatch.
type Outcome struct {
	Type     collector.Fragment `json:"type"`
	Success  bool               `json:"success"`
	Response json.RawMessage    `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// CheckToken rejects an empty token and a JWT whose exp claim has passed.
// Tokens that are not JWTs are accepted as opaque.
func CheckToken(token string, now time.Time) error {
	if token == "" {
		return ErrAuthRequired
	}
	if exp := session.TokenExpiry(token); !exp.IsZero() && !exp.After(now) {
		return fmt.Errorf("%w: token expired at %s", ErrAuthRequired, exp.UTC().Format(time.RFC3339))
	}
	return nil
}

type Gate struct {
	sink   Sink
	kv     store.KV
	days   clock.Days
	logger *zap.Logger
}

func NewGate(sink Sink, kv store.KV, days clock.Days, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{sink: sink, kv: kv, days: days, logger: logger}
}

// Dispatch sends the three fragments concurrently. The combined call fails
// if any send fails, and only a fully successful dispatch writes the
// lastCollectDay marker. In-flight sends are not cancelled when a sibling
// fails.
func (g *Gate) Dispatch(ctx context.Context, res collector.Result, token string) ([]Outcome, error) {
	if err := CheckToken(token, g.days.Clock.Now()); err != nil {
		return nil, err
	}

	date := g.days.Today()
	outcomes := make([]Outcome, len(collector.Fragments))
	var eg errgroup.Group
	for i, f := range collector.Fragments {
		eg.Go(func() error {
			resp, err := g.sink.Send(ctx, token, Payload{HTML: res.HTML(f), Type: f, Date: date})
			outcomes[i] = Outcome{Type: f, Success: err == nil, Response: resp}
			if err != nil {
				outcomes[i].Error = err.Error()
				telemetry.DispatchFragments.WithLabelValues(string(f), telemetry.OutcomeFailure).Inc()
				g.logger.Error("fragment rejected", zap.String("type", string(f)), zap.Error(err))
				return err
			}
			telemetry.DispatchFragments.WithLabelValues(string(f), telemetry.OutcomeSuccess).Inc()
			g.logger.Debug("fragment accepted", zap.String("type", string(f)), zap.Int("bytes", len(res.HTML(f))))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return outcomes, err
	}

	day := g.days.Current()
	if err := g.kv.Set(ctx, map[string]string{store.KeyLastCollectDay: day}); err != nil {
		return outcomes, fmt.Errorf("record collection day: %w", err)
	}
	g.logger.Info("collection dispatched", zap.String("day", day), zap.String("date", date))
	return outcomes, nil
}
