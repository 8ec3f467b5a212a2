package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/t1p-app/companion/internal/scheduler"
	"github.com/t1p-app/companion/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the message endpoint and the daily collection alarm",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.Server.Address
			}
			srv := server.New(addr, a.agent, a.sessions, a.logger.Named("server"))

			var sched *scheduler.Scheduler
			if a.cfg.Schedule.Enabled {
				sched, err = scheduler.New(a.cfg.Schedule.Cron, a.cfg.Schedule.JitterMax, a.agent, scheduler.Options{
					Clock:  a.clock,
					Logger: a.logger.Named("scheduler"),
				})
				if err != nil {
					return err
				}
			} else {
				a.logger.Info("scheduled collection disabled")
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(srv.Start)
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if sched != nil {
				g.Go(func() error { return sched.Run(gctx) })
			}

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("companion stopped", zap.Error(err))
				return err
			}
			a.logger.Info("companion stopped")
			return nil
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return serve
}
