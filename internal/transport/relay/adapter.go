// Package relay binds the transport contract to the shared relay link.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/xiaot623/chatlink/internal/protocol"
	"github.com/xiaot623/chatlink/internal/relaylink"
	"github.com/xiaot623/chatlink/internal/relaymgr"
	"github.com/xiaot623/chatlink/internal/relayproto"
	"github.com/xiaot623/chatlink/internal/transport"
)

var (
	// ErrConnectTimeout is returned when the relay link never became available.
	ErrConnectTimeout = errors.New("timed out waiting for relay link")
	// ErrNotConnected is returned by operations that need a prior successful Connect.
	ErrNotConnected = errors.New("relay transport not connected")
)

// Relay is what the adapter borrows from the connection manager.
type Relay interface {
	IsConnected() bool
	ClientID() string
	SendText(ctx context.Context, data []byte) error
	SendControl(ctx context.Context, msg relayproto.Message) error
	ReplayIncompleteMessage(ctx context.Context) error
	Subscribe(l relaylink.Listener) func()
	SubscribeStatus(l relaymgr.StatusListener) func()
}

var _ Relay = (*relaymgr.Manager)(nil)

// Config holds the connect wait policy.
type Config struct {
	// Attempts is how many times the link is awaited before giving up.
	Attempts int
	// AttemptTimeout bounds each wait.
	AttemptTimeout time.Duration
	// BackoffUnit is multiplied by the attempt number before each retry.
	BackoffUnit time.Duration
	// EndGrace bounds the best-effort SESSION_END send on dispose.
	EndGrace time.Duration
}

// DefaultConfig returns 3 attempts of 10s each with 1s progressive backoff.
func DefaultConfig() Config {
	return Config{
		Attempts:       3,
		AttemptTimeout: 10 * time.Second,
		BackoffUnit:    time.Second,
		EndGrace:       2 * time.Second,
	}
}

// Option customizes a Transport.
type Option func(*Transport)

// WithClock replaces the clock used for waits and backoff.
func WithClock(c clock.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithReplayCompleted registers a callback for the relay's replay-complete signal.
func WithReplayCompleted(fn func()) Option {
	return func(t *Transport) { t.onReplayCompleted = fn }
}

// Transport adapts the relay link to transport.Transport.
type Transport struct {
	relay  Relay
	cfg    Config
	logger zerolog.Logger
	clock  clock.Clock

	onReplayCompleted func()

	listeners transport.Listeners

	mu          sync.Mutex
	connected   bool
	opts        transport.ConnectOptions
	unsubLink   func()
	unsubStatus func()

	preserve atomic.Bool
	disposed atomic.Bool
	wake     chan struct{}
}

var (
	_ transport.Transport     = (*Transport)(nil)
	_ relaylink.Listener      = (*Transport)(nil)
	_ relaymgr.StatusListener = linkStatus{}
)

// New creates a relay-backed transport.
func New(r Relay, cfg Config, logger zerolog.Logger, opts ...Option) *Transport {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.EndGrace <= 0 {
		cfg.EndGrace = 2 * time.Second
	}
	t := &Transport{
		relay:  r,
		cfg:    cfg,
		logger: logger.With().Str("component", "relay-transport").Logger(),
		clock:  clock.New(),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect waits for the manager's link. It never creates a link itself. In recovery mode the
// caller skips StartCloudSession and the relay replays buffered traffic.
func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) transport.ConnectResult {
	if t.disposed.Load() {
		return transport.ConnectFailed(relaylink.ErrDisposed)
	}

	t.mu.Lock()
	t.opts = opts
	if t.connected && t.relay.IsConnected() {
		t.mu.Unlock()
		return transport.Connected()
	}
	t.mu.Unlock()

	t.mu.Lock()
	if t.unsubStatus == nil {
		t.unsubStatus = t.relay.SubscribeStatus(linkStatus{t})
	}
	t.mu.Unlock()

	for attempt := 0; attempt < t.cfg.Attempts; attempt++ {
		if attempt > 0 && t.cfg.BackoffUnit > 0 {
			delay := time.Duration(attempt) * t.cfg.BackoffUnit
			t.logger.Debug().Int("attempt", attempt+1).Dur("delay", delay).Msg("waiting before relay retry")
			if err := t.sleep(ctx, delay); err != nil {
				return transport.ConnectFailed(err)
			}
		}

		ok, err := t.waitConnected(ctx, t.cfg.AttemptTimeout)
		if err != nil {
			return transport.ConnectFailed(err)
		}
		if ok {
			t.attach()
			t.logger.Info().Bool("recovery", opts.Recovery).Msg("relay transport connected")
			return transport.Connected()
		}
		t.logger.Warn().Int("attempt", attempt+1).Msg("relay link not available")
	}

	return transport.ConnectFailed(fmt.Errorf("%w after %d attempts", ErrConnectTimeout, t.cfg.Attempts))
}

func (t *Transport) attach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unsubLink == nil {
		t.unsubLink = t.relay.Subscribe(t)
	}
	t.connected = true
}

func (t *Transport) waitConnected(ctx context.Context, timeout time.Duration) (bool, error) {
	if t.relay.IsConnected() {
		return true, nil
	}

	timer := t.clock.Timer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-t.wake:
			if t.relay.IsConnected() {
				return true, nil
			}
		case <-timer.C:
			return t.relay.IsConnected(), nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (t *Transport) sleep(ctx context.Context, d time.Duration) error {
	timer := t.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) isConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.disposed.Load()
}

// StartCloudSession asks the relay to open the service session. The discussion-init message
// arrives later through the normal receive path.
func (t *Transport) StartCloudSession(ctx context.Context, opts transport.ConnectOptions) transport.SendResult {
	if !t.isConnected() {
		return transport.SendFailed(ErrNotConnected)
	}
	msg := relayproto.NewSessionStart(t.relay.ClientID(), opts.ServiceURI, opts.ConversationID, opts.Headers)
	if err := t.relay.SendControl(ctx, msg); err != nil {
		return transport.SendFailed(fmt.Errorf("failed to start relay session: %w", err))
	}
	return transport.Sent()
}

// Send serializes msg and hands the text to the link.
func (t *Transport) Send(ctx context.Context, msg protocol.Message) transport.SendResult {
	if !t.isConnected() {
		return transport.SendFailed(ErrNotConnected)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return transport.SendFailed(err)
	}
	if err := t.relay.SendText(ctx, data); err != nil {
		return transport.SendFailed(err)
	}
	return transport.Sent()
}

// Subscribe registers a transport listener.
func (t *Transport) Subscribe(l transport.Listener) func() { return t.listeners.Add(l) }

// PreserveSession makes Dispose leave the relay-side session open, so a later recovery
// connect can resume it.
func (t *Transport) PreserveSession() { t.preserve.Store(true) }

// Dispose sends SESSION_END without waiting for it and detaches from the link. The link
// itself stays open; it is shared.
func (t *Transport) Dispose() {
	if !t.disposed.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	unsub := t.unsubLink
	unsubStatus := t.unsubStatus
	t.unsubLink = nil
	t.unsubStatus = nil
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if unsubStatus != nil {
		unsubStatus()
	}

	if wasConnected && !t.preserve.Load() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.EndGrace)
			defer cancel()
			if err := t.relay.SendControl(ctx, relayproto.New(relayproto.TypeSessionEnd, t.relay.ClientID())); err != nil {
				t.logger.Debug().Err(err).Msg("session end not delivered")
			}
		}()
	}
}

// OnAssistantMessage decodes a relayed application frame with the shared converter.
func (t *Transport) OnAssistantMessage(data []byte) {
	if !t.isConnected() {
		return
	}
	r := transport.Decode(data)
	if !r.IsDeserializedSuccessfully {
		t.logger.Warn().Err(r.Err).Msg("undecodable relayed message")
	}
	t.listeners.Message(r)
}

// OnReplayCompleted forwards the relay's replay-complete signal.
func (t *Transport) OnReplayCompleted() {
	if t.onReplayCompleted != nil {
		t.onReplayCompleted()
	}
}

// OnDisconnected logs a link drop. The relay keeps the service session alive and buffers,
// so the session is not closed here.
func (t *Transport) OnDisconnected(err error) {
	t.logger.Warn().Err(err).Msg("relay link dropped, waiting for reconnection")
}

// linkStatus adapts Transport to relaymgr.StatusListener; relaylink.Listener already owns
// OnDisconnected(error).
type linkStatus struct{ t *Transport }

func (s linkStatus) OnConnected()    { s.t.linkUp() }
func (s linkStatus) OnDisconnected() {}

// linkUp wakes a pending Connect. When the link comes back under an attached transport the
// relay has been buffering, so the buffered traffic is requested.
func (t *Transport) linkUp() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
	if !t.isConnected() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.AttemptTimeout)
		defer cancel()
		if err := t.relay.ReplayIncompleteMessage(ctx); err != nil {
			t.logger.Warn().Err(err).Msg("failed to request replay after reconnect")
			return
		}
		t.logger.Info().Msg("relay link restored, replay requested")
	}()
}
