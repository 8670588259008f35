package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/gluk-w/sshdash/internal/client"
	"github.com/gluk-w/sshdash/internal/config"
	"github.com/gluk-w/sshdash/internal/logging"
	"github.com/gluk-w/sshdash/internal/session"
	"github.com/gluk-w/sshdash/internal/store"
)

func newRootCmd() *cobra.Command {
	flags := &connFlags{}

	rootCmd := &cobra.Command{
		Use:           "sshterm",
		Short:         "Terminal client for the sshdash gateway",
		Long:          "sshterm opens SSH sessions through an sshdash gateway: an interactive terminal, one-off commands, batches and live resource usage.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.Load()
			logging.Init(config.Cfg.LogPath)
			if config.Cfg.LogPath == "" {
				// Keep diagnostics out of the terminal stream.
				log.SetOutput(os.Stderr)
			}
		},
	}
	flags.register(rootCmd)

	rootCmd.AddCommand(
		newConnectCmd(flags),
		newExecCmd(flags),
		newBatchCmd(flags),
		newMonitorCmd(flags),
	)
	return rootCmd
}

// app is one connected client plus the store behind it.
type app struct {
	client  *client.Client
	cleanup func()
}

// openStore picks the SQLite store when a database path is configured so
// sessions survive between invocations.
func openStore() (session.PersistenceStore, func(), error) {
	if config.Cfg.SessionStoreDBPath == "" {
		return store.NewMemoryStore(), func() {}, nil
	}
	st, err := store.OpenSQLite(config.Cfg.SessionStoreDBPath, config.Cfg.SessionStoreScope)
	if err != nil {
		return nil, nil, err
	}
	return st, func() {
		if err := st.Close(); err != nil {
			log.Printf("[sshterm] close session store: %v", err)
		}
	}, nil
}

// dial builds a client from config and flags and connects it.
func dial(ctx context.Context, flags *connFlags, metricsSchedule string) (*app, error) {
	cfg, gatewayURL, err := flags.resolve()
	if err != nil {
		return nil, err
	}

	st, closeStore, err := openStore()
	if err != nil {
		return nil, err
	}

	opts := client.OptionsFromConfig()
	opts.Store = st
	opts.MetricsSchedule = metricsSchedule
	if gatewayURL != "" {
		opts.GatewayURL = gatewayURL
	}

	c, err := client.New(opts)
	if err != nil {
		closeStore()
		return nil, err
	}
	if err := c.Connect(ctx, cfg); err != nil {
		c.Close()
		closeStore()
		return nil, fmt.Errorf("connect to %s: %w", cfg.Address(), err)
	}
	return &app{
		client: c,
		cleanup: func() {
			c.Close()
			closeStore()
		},
	}, nil
}

// finish tears the remote session down unless keep is set, then releases
// local resources.
func (a *app) finish(ctx context.Context, keep bool) {
	if !keep {
		if err := a.client.Disconnect(ctx); err != nil {
			log.Printf("[sshterm] disconnect: %v", err)
		}
	}
	a.cleanup()
}
