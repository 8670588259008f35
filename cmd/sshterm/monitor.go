package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluk-w/sshdash/internal/config"
	"github.com/gluk-w/sshdash/internal/monitoring"
)

func newMonitorCmd(flags *connFlags) *cobra.Command {
	var (
		schedule string
		keep     bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print cpu, memory and disk usage of the target host",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if schedule == "" {
				schedule = config.Cfg.MetricsSchedule
			}
			a, err := dial(ctx, flags, schedule)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				a.finish(closeCtx, keep)
			}()

			out := cmd.OutOrStdout()
			a.client.Metrics().Subscribe(func(s monitoring.Snapshot) {
				printSnapshot(out, s)
			})
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron poll schedule (default from SSHDASH_METRICS_SCHEDULE)")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the remote session open on exit")
	return cmd
}

// printSnapshot writes the newest sample of every metric on one line.
func printSnapshot(w io.Writer, s monitoring.Snapshot) {
	line := ""
	for _, m := range monitoring.Metrics {
		samples := s[m]
		if len(samples) == 0 {
			continue
		}
		last := samples[len(samples)-1]
		if line == "" {
			line = last.Time
		}
		line += fmt.Sprintf("  %s %5.1f%%", m, last.Value)
	}
	if line != "" {
		fmt.Fprintln(w, line)
	}
}
