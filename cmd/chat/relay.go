package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaot623/chatlink/internal/chatclient"
	"github.com/xiaot623/chatlink/internal/logging"
	"github.com/xiaot623/chatlink/internal/relaymgr"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Talk to the local relay daemon",
}

var relayPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure the round trip to the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelay(cmd, func(ctx context.Context, m *relaymgr.Manager) error {
			rtt, err := m.Ping(ctx)
			if err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "relay answered in %s\n", rtt)
			return nil
		})
	},
}

var relayShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the relay daemon to exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelay(cmd, func(ctx context.Context, m *relaymgr.Manager) error {
			if err := m.ShutdownServer(ctx); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		})
	},
}

func withRelay(cmd *cobra.Command, fn func(context.Context, *relaymgr.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	mcfg := chatclient.ManagerConfig(cfg)
	mcfg.KeepRelayOnExit = true
	m := relaymgr.New(mcfg, logger)
	defer m.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Relay.AttemptTimeout)
	defer cancel()
	if !m.Reconnect(ctx) {
		return fmt.Errorf("relay at %s is not reachable", cfg.Relay.URL)
	}
	return fn(ctx, m)
}
