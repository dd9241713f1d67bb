// Command relayd is the local relay daemon. Chat clients connect to it instead of the service
// so their sessions survive client restarts.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/xiaot623/chatlink/internal/config"
	"github.com/xiaot623/chatlink/internal/logging"
	"github.com/xiaot623/chatlink/internal/relayserver"
	"github.com/xiaot623/chatlink/internal/relayserver/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "relayd",
	Short:        "Run the local relay daemon",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "chatlink.yaml", "path to the YAML config file")
}

func run(cmd *cobra.Command, args []string) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	buf, err := store.NewSQLiteStore(cfg.Relay.BufferDSN)
	if err != nil {
		return fmt.Errorf("failed to open relay buffer: %w", err)
	}
	defer func() {
		err = multierr.Append(err, buf.Close())
	}()

	srv := relayserver.New(relayserver.Config{
		ListenAddr:      cfg.Relay.ListenAddr,
		MaxMessageSize:  cfg.Relay.MaxMessageSize,
		WriteTimeout:    cfg.Relay.WriteTimeout,
		DialTimeout:     cfg.Relay.AttemptTimeout,
		BufferRetention: cfg.Relay.BufferRetention,
		SweepInterval:   cfg.Relay.SweepInterval,
	}, buf, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("addr", cfg.Relay.ListenAddr).Str("buffer", cfg.Relay.BufferDSN).Msg("starting relay daemon")
	if err = srv.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("relay daemon stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
