package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluk-w/sshdash/internal/config"
	"github.com/gluk-w/sshdash/internal/executor"
)

func newExecCmd(flags *connFlags) *cobra.Command {
	var (
		timeout time.Duration
		retries int
		stream  bool
		keep    bool
	)

	cmd := &cobra.Command{
		Use:   "exec -- <command> [args...]",
		Short: "Run one command on the target host",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("exec requires a command after '--'")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := dial(ctx, flags, "")
			if err != nil {
				return err
			}
			defer a.finish(context.Background(), keep)

			opts := executor.Options{
				Timeout:    timeout,
				RetryCount: retries,
				RetryDelay: config.Cfg.CommandRetryDelay,
				Stream:     stream,
			}
			out := cmd.OutOrStdout()
			if stream {
				opts.OnPartial = func(chunk string) { fmt.Fprint(out, chunk) }
			}

			result, err := a.client.ExecuteWithOptions(ctx, strings.Join(args, " "), opts)
			if err != nil {
				var cmdErr *executor.CommandError
				if errors.As(err, &cmdErr) && cmdErr.Output != "" {
					fmt.Fprint(out, cmdErr.Output)
				}
				return err
			}
			if !stream {
				fmt.Fprint(out, result)
				if result != "" && !strings.HasSuffix(result, "\n") {
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-attempt timeout")
	cmd.Flags().IntVar(&retries, "retries", 2, "retries after a timeout or transport failure")
	cmd.Flags().BoolVar(&stream, "stream", false, "print output as it arrives")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the remote session open for later commands")
	return cmd
}

func newBatchCmd(flags *connFlags) *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "batch <command>...",
		Short: "Run several commands in one round trip",
		Long:  "batch sends every argument as a separate command in a single request. Results print in order; a failed command does not stop the rest.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := dial(ctx, flags, "")
			if err != nil {
				return err
			}
			defer a.finish(context.Background(), keep)

			items, err := a.client.ExecuteBatchResults(ctx, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, it := range items {
				fmt.Fprintf(out, "$ %s\n", it.Command)
				if it.Err != nil {
					failed++
					fmt.Fprintf(out, "error: %v\n", it.Err)
					continue
				}
				fmt.Fprint(out, it.Output)
				if it.Output != "" && !strings.HasSuffix(it.Output, "\n") {
					fmt.Fprintln(out)
				}
			}
			if failed == len(items) {
				return fmt.Errorf("all %d commands failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the remote session open for later commands")
	return cmd
}
