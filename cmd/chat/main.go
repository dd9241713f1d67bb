// Command chat is an interactive client for the assistant orchestration service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath     string
	modeFlag       string
	conversationID string
	recoverFlag    bool
	watchConfig    bool
	keepRelay      bool
)

var rootCmd = &cobra.Command{
	Use:          "chat",
	Short:        "Chat with the assistant service, directly or through the local relay",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chatlink.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "transport mode: direct or relay (overrides config)")

	runCmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to continue")
	runCmd.Flags().BoolVar(&recoverFlag, "recover", false, "resume a relay session left open by a previous run")
	runCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "reload the session when the config file changes")
	runCmd.Flags().BoolVar(&keepRelay, "keep-relay", false, "leave the relay daemon running on exit so a later run can --recover")

	relayCmd.AddCommand(relayPingCmd, relayShutdownCmd)
	rootCmd.AddCommand(runCmd, relayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
