package main

import (
	"context"
	"fmt"

	"github.com/t1p-app/companion/config"
	"github.com/t1p-app/companion/internal/agent"
	"github.com/t1p-app/companion/internal/browser"
	"github.com/t1p-app/companion/internal/clock"
	"github.com/t1p-app/companion/internal/collector"
	"github.com/t1p-app/companion/internal/dispatch"
	"github.com/t1p-app/companion/internal/pacing"
	"github.com/t1p-app/companion/internal/session"
	"github.com/t1p-app/companion/internal/store"
	"github.com/t1p-app/companion/internal/telemetry"
	"go.uber.org/zap"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	sessions *session.Manager
	agent    *agent.Agent
	clock    clock.Clock

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := telemetry.NewLogger(cfg.General.LogLevel, cfg.General.LogFormat)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, clock: clock.System{Location: cfg.Clock.Location()}}

	kv, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var refresher session.Refresher
	if cfg.Session.SupabaseURL != "" {
		refresher = session.NewSupabaseRefresher(cfg.Session.SupabaseURL, cfg.Session.AnonKey, cfg.Ingest.Timeout)
	} else {
		logger.Warn("session.supabase_url not set, expired sessions will not be refreshed")
	}
	a.sessions = session.NewManager(kv, refresher, a.clock, cfg.Session.ExpiryBuffer, logger.Named("session"))

	chrome, err := browser.NewChrome(ctx, browser.ChromeOptions{
		RemoteURL:   cfg.Browser.RemoteURL,
		ExecPath:    cfg.Browser.ExecPath,
		UserDataDir: cfg.Browser.UserDataDir,
		Headless:    cfg.Browser.Headless,
		UserAgent:   cfg.Browser.UserAgent,
	}, logger.Named("chrome"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, chrome.Shutdown)

	controller := browser.NewController(chrome, cfg.Browser.LoadTimeout, logger.Named("browser"))
	pacer := pacing.NewPacer(nil, nil)
	seq, err := collector.NewSequencer(
		collector.ControllerVisit(controller),
		collector.StepsFromConfig(cfg.Targets, cfg.Pacing, pacer, logger.Named("script")),
		collector.Options{
			Cooldown:    collector.Window(cfg.Pacing.Cooldown),
			Interaction: collector.Window(cfg.Pacing.Interaction),
			Pacer:       pacer,
			Clock:       a.clock,
			Logger:      logger.Named("collector"),
		},
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	days := clock.NewDays(a.clock, cfg.Clock.RolloverHour)
	gate := dispatch.NewGate(dispatch.NewIngestClient(cfg.Ingest.Endpoint, cfg.Ingest.Timeout), kv, days, logger.Named("dispatch"))
	a.agent = agent.New(a.sessions, seq, gate, kv, days, logger.Named("agent"))
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.KV, error) {
	switch a.cfg.Storage.Driver {
	case "redis":
		r := a.cfg.Storage.Redis
		client, err := store.Conn(ctx, r.Host, r.Port, r.Password, r.DB, r.Timeout)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.logger.Info("using redis store", zap.String("addr", r.Host+":"+r.Port))
		return store.NewRedis(client, r.Prefix), nil
	case "memory":
		a.logger.Warn("using in-memory store, session and day marker are lost on restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage driver %q not supported", a.cfg.Storage.Driver)
	}
}
