// Package collector runs the three page visits of a collection cycle in
// strict order, with randomized pauses, and aggregates their markup.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/t1p-app/companion/config"
	"github.com/t1p-app/companion/internal/browser"
	"github.com/t1p-app/companion/internal/clock"
	"github.com/t1p-app/companion/internal/pacing"
	"github.com/t1p-app/companion/internal/script"
	"github.com/t1p-app/companion/internal/telemetry"
	"go.uber.org/zap"
)

// Fragment names one typed HTML capture of a cycle.
type Fragment string

const (
	FragmentSSI               Fragment = "ssi"
	FragmentSearchAppearances Fragment = "search_appearances"
	FragmentProfileViews      Fragment = "profile_views"
)

// Fragments lists every fragment in collection order.
var Fragments = []Fragment{FragmentSSI, FragmentSearchAppearances, FragmentProfileViews}

// Result is the immutable output of one successful cycle.
type Result struct {
	SSI               string
	SearchAppearances string
	ProfileViews      string
	// Timestamp is taken when the last visit completed.
	Timestamp time.Time
}

// HTML returns the markup captured for f.
func (r Result) HTML(f Fragment) string {
	switch f {
	case FragmentSSI:
		return r.SSI
	case FragmentSearchAppearances:
		return r.SearchAppearances
	case FragmentProfileViews:
		return r.ProfileViews
	}
	return ""
}

// VisitFunc opens url in a managed tab and runs onReady once it has loaded.
type VisitFunc func(ctx context.Context, url string, onReady func(context.Context, browser.Page) (string, error)) (string, error)

// ControllerVisit adapts a tab controller to VisitFunc.
func ControllerVisit(c *browser.Controller) VisitFunc {
	return func(ctx context.Context, url string, onReady func(context.Context, browser.Page) (string, error)) (string, error) {
		return browser.Visit(ctx, c, url, onReady)
	}
}

// Step is one page visit of the cycle.
type Step struct {
	Fragment Fragment
	URL      string
	Script   script.Script
}

type Options struct {
	Cooldown    pacing.Range
	Interaction pacing.Range
	Pacer       *pacing.Pacer
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Sequencer visits its steps one at a time. At most one managed tab is
// open at any moment.
type Sequencer struct {
	visit       VisitFunc
	steps       []Step
	cooldown    pacing.Range
	interaction pacing.Range
	pacer       *pacing.Pacer
	clock       clock.Clock
	logger      *zap.Logger
}

var ErrInvalidSteps = errors.New("collector: invalid steps")

// NewSequencer requires exactly one step per fragment.
func NewSequencer(visit VisitFunc, steps []Step, opts Options) (*Sequencer, error) {
	if visit == nil {
		return nil, errors.New("collector: nil visit func")
	}
	if len(steps) != len(Fragments) {
		return nil, fmt.Errorf("%w: want %d steps, got %d", ErrInvalidSteps, len(Fragments), len(steps))
	}
	seen := make(map[Fragment]bool, len(steps))
	for _, s := range steps {
		if s.URL == "" || s.Script == nil {
			return nil, fmt.Errorf("%w: %s needs a url and a script", ErrInvalidSteps, s.Fragment)
		}
		if seen[s.Fragment] {
			return nil, fmt.Errorf("%w: duplicate fragment %s", ErrInvalidSteps, s.Fragment)
		}
		seen[s.Fragment] = true
	}
	for _, f := range Fragments {
		if !seen[f] {
			return nil, fmt.Errorf("%w: missing fragment %s", ErrInvalidSteps, f)
		}
	}

	if opts.Pacer == nil {
		opts.Pacer = pacing.NewPacer(nil, nil)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sequencer{
		visit:       visit,
		steps:       append([]Step(nil), steps...),
		cooldown:    opts.Cooldown,
		interaction: opts.Interaction,
		pacer:       opts.Pacer,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}, nil
}

// Collect runs every step in order and fails on the first failing visit.
// No partial result is ever returned.
func (s *Sequencer) Collect(ctx context.Context) (Result, error) {
	captured := make(map[Fragment]string, len(s.steps))
	for i, step := range s.steps {
		if i > 0 {
			d, err := s.pacer.Pause(ctx, s.cooldown)
			if err != nil {
				return Result{}, err
			}
			s.logger.Debug("cooldown", zap.Duration("slept", d), zap.String("next", string(step.Fragment)))
		}
		html, err := s.run(ctx, step)
		if err != nil {
			return Result{}, fmt.Errorf("collect %s: %w", step.Fragment, err)
		}
		captured[step.Fragment] = html
	}
	return Result{
		SSI:               captured[FragmentSSI],
		SearchAppearances: captured[FragmentSearchAppearances],
		ProfileViews:      captured[FragmentProfileViews],
		Timestamp:         s.clock.Now(),
	}, nil
}

func (s *Sequencer) run(ctx context.Context, step Step) (string, error) {
	start := time.Now()
	logger := s.logger.With(zap.String("fragment", string(step.Fragment)), zap.String("url", step.URL))

	html, err := s.visit(ctx, step.URL, func(ctx context.Context, page browser.Page) (string, error) {
		if _, err := s.pacer.Pause(ctx, s.interaction); err != nil {
			return "", err
		}
		return step.Script.Run(ctx, page)
	})

	outcome := telemetry.OutcomeSuccess
	switch {
	case errors.Is(err, browser.ErrPageLoadTimeout):
		outcome = telemetry.OutcomeTimeout
	case err != nil:
		outcome = telemetry.OutcomeFailure
	}
	telemetry.PageVisits.WithLabelValues(string(step.Fragment), outcome).Inc()
	telemetry.PageVisitSeconds.WithLabelValues(string(step.Fragment)).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error("page visit failed", zap.Error(err))
		return "", err
	}
	logger.Info("page captured", zap.Int("bytes", len(html)), zap.Duration("took", time.Since(start)))
	return html, nil
}

// Window converts a configured pause window.
func Window(w config.Window) pacing.Range {
	return pacing.Range{Min: w.Min, Max: w.Max}
}

// StepsFromConfig builds the three fixed steps: the score page, the
// search-appearances page (which switches its date range first) and the
// profile-views page.
func StepsFromConfig(t config.TargetsConfig, p config.PacingConfig, pacer *pacing.Pacer, logger *zap.Logger) []Step {
	if logger == nil {
		logger = zap.NewNop()
	}
	passive := func(selector string, f Fragment) script.Passive {
		return script.Passive{
			ChartSelector: selector,
			Interval:      p.PollInterval,
			Attempts:      p.PollAttempts,
			Logger:        logger.With(zap.String("fragment", string(f))),
		}
	}
	return []Step{
		{Fragment: FragmentSSI, URL: t.SSIURL, Script: passive(t.SSIChartSelector, FragmentSSI)},
		{Fragment: FragmentSearchAppearances, URL: t.SearchAppearancesURL, Script: script.Interactive{
			DropdownSelector: t.DropdownSelector,
			MenuItemSelector: t.MenuItemSelector,
			MenuItemLabel:    t.MenuItemLabel,
			MenuOpen:         Window(p.MenuOpen),
			Rerender:         Window(p.Rerender),
			Pacer:            pacer,
			Logger:           logger.With(zap.String("fragment", string(FragmentSearchAppearances))),
		}},
		{Fragment: FragmentProfileViews, URL: t.ProfileViewsURL, Script: passive(t.ViewsChartSelector, FragmentProfileViews)},
	}
}
