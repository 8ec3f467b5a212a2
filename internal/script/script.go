// Package script holds the page scripts run inside a loaded tab. Every
// lookup is best effort: third-party markup changes without notice and a
// partial snapshot is still worth forwarding, so a missing element is
// logged and counted but never fails the visit.
package script

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/t1p-app/companion/internal/browser"
	"github.com/t1p-app/companion/internal/pacing"
	"github.com/t1p-app/companion/internal/telemetry"
	"go.uber.org/zap"
)

// Script returns the serialized document of the page it ran on.
type Script interface {
	Run(ctx context.Context, page browser.Page) (string, error)
}

// Passive waits for an asynchronously rendered chart, then snapshots the page.
type Passive struct {
	ChartSelector string
	Interval      time.Duration
	Attempts      int
	Sleeper       pacing.Sleeper
	Logger        *zap.Logger
}

func (p Passive) Run(ctx context.Context, page browser.Page) (string, error) {
	logger := orNop(p.Logger)
	sleeper := p.Sleeper
	if sleeper == nil {
		sleeper = pacing.TimerSleeper{}
	}

	found, attempts, err := pacing.PollUntil(ctx, sleeper, p.Interval, p.Attempts, func(ctx context.Context) (bool, error) {
		return page.Exists(ctx, p.ChartSelector)
	})
	switch {
	case ctx.Err() != nil:
		return "", ctx.Err()
	case err != nil:
		logger.Warn("chart lookup failed", zap.String("selector", p.ChartSelector), zap.Error(err))
	case !found:
		telemetry.ElementNotFound.WithLabelValues("chart").Inc()
		logger.Warn("chart not rendered, capturing anyway", zap.String("selector", p.ChartSelector), zap.Int("attempts", attempts))
	default:
		logger.Debug("chart rendered", zap.Int("attempts", attempts))
	}
	return snapshot(ctx, page)
}

// Interactive opens a dropdown and picks a menu item before snapshotting,
// so the page re-renders with the wanted range.
type Interactive struct {
	DropdownSelector string
	MenuItemSelector string
	MenuItemLabel    string
	MenuOpen         pacing.Range
	Rerender         pacing.Range
	Pacer            *pacing.Pacer
	Logger           *zap.Logger
}

func (s Interactive) Run(ctx context.Context, page browser.Page) (string, error) {
	logger := orNop(s.Logger)
	pacer := s.Pacer
	if pacer == nil {
		pacer = pacing.NewPacer(nil, nil)
	}

	ok, err := page.Exists(ctx, s.DropdownSelector)
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	if !ok || err != nil {
		telemetry.ElementNotFound.WithLabelValues("dropdown").Inc()
		logger.Warn("dropdown not found, capturing default view", zap.String("selector", s.DropdownSelector), zap.Error(err))
		return snapshot(ctx, page)
	}
	if err := page.Click(ctx, s.DropdownSelector); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logger.Warn("dropdown click failed", zap.String("selector", s.DropdownSelector), zap.Error(err))
		return snapshot(ctx, page)
	}
	if _, err := pacer.Pause(ctx, s.MenuOpen); err != nil {
		return "", err
	}

	picked, err := s.pickMenuItem(ctx, page, logger)
	if err != nil {
		return "", err
	}
	if picked {
		if _, err := pacer.Pause(ctx, s.Rerender); err != nil {
			return "", err
		}
	} else {
		telemetry.ElementNotFound.WithLabelValues("menu_item").Inc()
		logger.Warn("menu item not found, capturing default view", zap.String("label", s.MenuItemLabel))
	}
	return snapshot(ctx, page)
}

// pickMenuItem tries the accessible label first and falls back to scanning
// the text of candidate menu items. Only context errors are returned.
func (s Interactive) pickMenuItem(ctx context.Context, page browser.Page, logger *zap.Logger) (bool, error) {
	byLabel := fmt.Sprintf("[aria-label=%s]", cssString(s.MenuItemLabel))
	if ok, err := page.Exists(ctx, byLabel); err == nil && ok {
		if err := page.Click(ctx, byLabel); err == nil {
			return true, nil
		} else if ctx.Err() != nil {
			return false, ctx.Err()
		}
	} else if ctx.Err() != nil {
		return false, ctx.Err()
	}

	texts, err := page.Texts(ctx, s.MenuItemSelector)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.Warn("menu item scan failed", zap.String("selector", s.MenuItemSelector), zap.Error(err))
		return false, nil
	}
	want := strings.ToLower(strings.TrimSpace(s.MenuItemLabel))
	for i, text := range texts {
		if !strings.Contains(strings.ToLower(text), want) {
			continue
		}
		if err := page.ClickNth(ctx, s.MenuItemSelector, i); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			logger.Warn("menu item click failed", zap.Int("index", i), zap.Error(err))
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

func snapshot(ctx context.Context, page browser.Page) (string, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("serialize document: %w", err)
	}
	return html, nil
}

func cssString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
