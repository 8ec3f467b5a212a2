package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/t1p-app/companion/internal/agent"
)

func collectCMD(cfgPath *string) *cobra.Command {
	var scheduled bool
	collect := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			trigger := agent.TriggerManual
			if scheduled {
				trigger = agent.TriggerScheduled
			}
			report, err := a.agent.Collect(ctx, trigger)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	collect.Flags().BoolVar(&scheduled, "scheduled", false, "skip when today's collection day was already collected")
	return collect
}
