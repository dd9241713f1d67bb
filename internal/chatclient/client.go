// Package chatclient assembles a chat session from configuration: transport choice, tool
// invocation, credentials, and the relay reload path.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/xiaot623/chatlink/internal/config"
	"github.com/xiaot623/chatlink/internal/invoker"
	"github.com/xiaot623/chatlink/internal/policy"
	"github.com/xiaot623/chatlink/internal/relaylink"
	"github.com/xiaot623/chatlink/internal/relaymgr"
	"github.com/xiaot623/chatlink/internal/tools"
	"github.com/xiaot623/chatlink/internal/transport"
	"github.com/xiaot623/chatlink/internal/transport/direct"
	"github.com/xiaot623/chatlink/internal/transport/relay"
	"github.com/xiaot623/chatlink/internal/workflow"
)

const (
	ModeDirect = "direct"
	ModeRelay  = "relay"
)

// ErrNoSession is returned before Start or after Close.
var ErrNoSession = errors.New("no active session")

// Option customizes a Client.
type Option func(*Client)

// WithHooks installs observers on every session the client creates.
func WithHooks(h workflow.Hooks) Option {
	return func(c *Client) { c.hooks = h }
}

// WithRegistry replaces the tool registry.
func WithRegistry(r *tools.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// Client owns the current session and, in relay mode, the relay connection manager.
type Client struct {
	logger   zerolog.Logger
	hooks    workflow.Hooks
	registry *tools.Registry
	invoker  *invoker.Invoker
	mode     string
	mgr      *relaymgr.Manager

	mu        sync.Mutex
	cfg       *config.Config
	session   *workflow.Session
	transport transport.Transport
	closed    bool
}

// New builds a client. In relay mode the manager starts connecting right away.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		logger:   logger.With().Str("component", "chat-client").Logger(),
		registry: tools.DefaultRegistry,
		mode:     cfg.Chat.Mode,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(c)
	}

	engine, err := policy.NewEngineFromFile(ctx, cfg.Chat.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load function policy: %w", err)
	}
	c.invoker = invoker.New(c.registry, engine, logger)

	if c.mode == ModeRelay {
		c.mgr = relaymgr.New(ManagerConfig(cfg), logger)
		c.mgr.Open()
	}
	return c, nil
}

// ManagerConfig maps configuration onto the relay manager.
func ManagerConfig(cfg *config.Config) relaymgr.Config {
	return relaymgr.Config{
		Link: relaylink.Config{
			URL:          cfg.Relay.URL,
			ClientID:     cfg.Relay.ClientID,
			PingTimeout:  cfg.Relay.PingTimeout,
			WriteTimeout: cfg.Relay.WriteTimeout,
		},
		ReconnectInterval:   cfg.Relay.ReconnectInterval,
		TickInterval:        cfg.Relay.TickInterval,
		ShutdownGrace:       cfg.Relay.ShutdownGrace,
		KeepRelayOnExit:     cfg.Relay.KeepRelayOnExit,
		ConnectTimeout:      cfg.Relay.AttemptTimeout,
	}
}

func sessionConfig(cfg *config.Config) workflow.Config {
	return workflow.Config{
		ServiceURI:            cfg.Service.URI,
		ChatTimeout:           cfg.Chat.ChatTimeout,
		DiscussionInitTimeout: cfg.Chat.DiscussionInitTimeout,
		SendGrace:             cfg.Chat.SendGrace,
	}
}

// Mode returns "direct" or "relay".
func (c *Client) Mode() string { return c.mode }

// Manager returns the relay manager, nil in direct mode.
func (c *Client) Manager() *relaymgr.Manager { return c.mgr }

func (c *Client) newTransport(cfg *config.Config) transport.Transport {
	if c.mgr == nil {
		return direct.New(c.logger, direct.WithWriteTimeout(cfg.Relay.WriteTimeout))
	}
	return relay.New(c.mgr, relay.Config{
		Attempts:       cfg.Relay.ConnectAttempts,
		AttemptTimeout: cfg.Relay.AttemptTimeout,
		BackoffUnit:    cfg.Relay.BackoffUnit,
		EndGrace:       cfg.Chat.SendGrace,
	}, c.logger, relay.WithReplayCompleted(func() {
		c.logger.Debug().Msg("relay replay finished")
	}))
}

// Start opens a session. A session is replaced only through Reload.
func (c *Client) Start(ctx context.Context, opts workflow.StartOptions) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.session != nil && c.session.State() != workflow.Closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: session already running", workflow.ErrInvalidOperation)
	}
	cfg := c.cfg
	c.mu.Unlock()

	return c.start(ctx, cfg, opts)
}

func (c *Client) start(ctx context.Context, cfg *config.Config, opts workflow.StartOptions) error {
	tr := c.newTransport(cfg)
	s := workflow.New(tr, sessionConfig(cfg), c.logger,
		workflow.WithHooks(c.hooks),
		workflow.WithFunctionCaller(c.invoker),
		workflow.WithCapabilities(c.invoker),
		workflow.WithCredentials(transport.StaticCredentials{
			Token:          cfg.Service.Token,
			OrganizationID: cfg.Service.OrganizationID,
		}),
	)

	c.mu.Lock()
	c.session, c.transport = s, tr
	c.mu.Unlock()

	if err := s.Start(ctx, opts); err != nil {
		return err
	}

	if opts.Recovery && c.mgr != nil {
		if err := c.mgr.ReplayIncompleteMessage(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("failed to request replay")
		}
	}
	return nil
}

// Session returns the current session, or nil before Start.
func (c *Client) Session() *workflow.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) current() (*workflow.Session, error) {
	s := c.Session()
	if s == nil {
		return nil, ErrNoSession
	}
	return s, nil
}

// Ask sends a prompt on the current session.
func (c *Client) Ask(ctx context.Context, prompt string) (*workflow.StreamStatus, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	return s.SendChatRequest(ctx, workflow.ChatRequest{Prompt: prompt})
}

// Cancel cancels the in-flight request.
func (c *Client) Cancel() error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.CancelCurrentChatRequest()
}

// EditRunCommand replaces the command of an earlier answer.
func (c *Client) EditRunCommand(ctx context.Context, messageID, command string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.SendEditRunCommandRequest(ctx, messageID, command)
}

// Reload rebuilds the session with cfg. In relay mode the relay buffers service traffic while
// the old session is torn down, and the new one resumes the same conversation from the
// buffer. Direct mode has nothing to resume and starts a new discussion under the same
// conversation id. Relay link settings and the mode take effect on restart only.
func (c *Client) Reload(ctx context.Context, cfg *config.Config) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNoSession
	}
	old, oldTransport := c.session, c.transport
	if cfg == nil {
		cfg = c.cfg
	}
	if cfg.Chat.Mode != c.mode {
		c.logger.Warn().Str("mode", c.mode).Str("requested", cfg.Chat.Mode).Msg("mode change needs a restart")
	}
	c.cfg = cfg
	c.mu.Unlock()

	if old == nil {
		return ErrNoSession
	}

	opts := workflow.StartOptions{ConversationID: old.ConversationID()}
	if st := old.CurrentStatus(); st != nil {
		opts.RequestID = st.RequestID()
	}
	state := old.State()

	rt, isRelay := oldTransport.(*relay.Transport)
	resumable := isRelay && state != workflow.Closed && state != workflow.NotStarted &&
		state != workflow.AwaitingDiscussionInitialization
	if resumable {
		if err := c.mgr.BeforeReload(ctx); err != nil {
			resumable = false
		}
	}

	if resumable {
		rt.PreserveSession()
		old.Dispose()
		opts.Recovery = true
		opts.Resume = state
		c.logger.Info().Str("conversation_id", opts.ConversationID).Stringer("state", state).Msg("reloading session")
	} else {
		if err := old.Close(); err != nil && !errors.Is(err, workflow.ErrClosed) {
			c.logger.Debug().Err(err).Msg("old session close")
		}
		c.logger.Info().Str("conversation_id", opts.ConversationID).Msg("restarting session")
	}

	return c.start(ctx, cfg, opts)
}

// Close ends the session, notifying the service, and stops the relay manager.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	c.mu.Unlock()

	var errs error
	if s != nil {
		if err := s.Close(); err != nil && !errors.Is(err, workflow.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	if c.mgr != nil {
		errs = multierr.Append(errs, c.mgr.Close())
	}
	return errs
}
