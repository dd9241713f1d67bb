package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xiaot623/chatlink/internal/chatclient"
	"github.com/xiaot623/chatlink/internal/config"
	"github.com/xiaot623/chatlink/internal/logging"
	"github.com/xiaot623/chatlink/internal/protocol"
	"github.com/xiaot623/chatlink/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive chat session",
	RunE:  runChat,
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if keepRelay {
		cfg.Relay.KeepRelayOnExit = true
	}
	if modeFlag != "" {
		cfg.Chat.Mode = modeFlag
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if recoverFlag && (conversationID == "" || cfg.Chat.Mode != chatclient.ModeRelay) {
		return errors.New("--recover needs --conversation and relay mode")
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chatclient.New(ctx, cfg, logger, chatclient.WithHooks(printer(out)))
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	opts := workflow.StartOptions{ConversationID: conversationID, Recovery: recoverFlag}
	if err := client.Start(ctx, opts); err != nil {
		return fmt.Errorf("could not start session: %w", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var changes <-chan struct{}
	if watchConfig {
		changes, err = config.Watch(ctx, configPath, 200*time.Millisecond, logger)
		if err != nil {
			return err
		}
	}

	lines := readLines(cmd.InOrStdin())
	fmt.Fprintln(out, "Type a message and press Enter. Commands: /cancel, /edit <message-id> <command>, /state, /reload, /quit")

	for {
		session := client.Session()
		select {
		case <-ctx.Done():
			return nil

		case <-hup:
			reload(ctx, client, logger)

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			reload(ctx, client, logger)

		case <-session.Done():
			if client.Session() != session {
				continue
			}
			if r := session.CloseReason(); r != nil && r.Type != workflow.ClientInitiated {
				return &workflow.CloseError{Reason: *r}
			}
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, client, out, logger, line); quit {
				return nil
			}
		}
	}
}

func reload(ctx context.Context, client *chatclient.Client, logger zerolog.Logger) {
	cfg, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("config reload rejected, keeping the running session")
		return
	}
	if err := client.Reload(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("session reload failed")
	}
}

func handleLine(ctx context.Context, client *chatclient.Client, out io.Writer, logger zerolog.Logger, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false

	case line == "/quit":
		fmt.Fprintln(out, "Bye!")
		return true

	case line == "/cancel":
		if err := client.Cancel(); err != nil {
			fmt.Fprintf(out, "cancel: %v\n", err)
		}

	case line == "/state":
		s := client.Session()
		fmt.Fprintf(out, "state=%s conversation=%s mode=%s\n", s.State(), s.ConversationID(), client.Mode())

	case line == "/reload":
		reload(ctx, client, logger)

	case strings.HasPrefix(line, "/edit "):
		parts := strings.SplitN(strings.TrimPrefix(line, "/edit "), " ", 2)
		if len(parts) != 2 {
			fmt.Fprintln(out, "usage: /edit <message-id> <command>")
			return false
		}
		if err := client.EditRunCommand(ctx, parts[0], parts[1]); err != nil {
			fmt.Fprintf(out, "edit: %v\n", err)
		}

	default:
		if _, err := client.Ask(ctx, line); err != nil {
			fmt.Fprintf(out, "send: %v\n", err)
		}
	}
	return false
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// printer renders session events on the terminal.
func printer(out io.Writer) workflow.Hooks {
	return workflow.Hooks{
		OnDiscussionInitialized: func(init *protocol.DiscussionInit) {
			fmt.Fprintf(out, "conversation %s\n", init.ConversationID)
		},
		OnChatResponse: func(f workflow.Fragment) {
			fmt.Fprint(out, f.Text)
			if f.IsLastFragment {
				fmt.Fprintln(out)
			}
		},
		OnFunctionCall: func(req *protocol.FunctionCallRequest) {
			fmt.Fprintf(out, "[function %s]\n", req.FunctionID)
		},
		OnClose: func(reason workflow.CloseReason) {
			if reason.Type != workflow.ClientInitiated {
				fmt.Fprintf(out, "session closed: %s\n", reason.String())
			}
		},
	}
}
