// Package relaylink owns the single socket to the local relay process. It frames and
// deframes messages, handles relay control traffic itself and forwards everything else
// as opaque assistant messages.
package relaylink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/chatlink/internal/relayproto"
)

var (
	// ErrNotConnected is returned when writing without an established socket.
	ErrNotConnected = errors.New("relay link not connected")
	// ErrDisposed is returned by operations on a closed link.
	ErrDisposed = errors.New("relay link disposed")
	// ErrPingTimeout is returned when no PONG arrives in time.
	ErrPingTimeout = errors.New("relay ping timed out")
)

// Config holds link settings.
type Config struct {
	// URL is the relay websocket endpoint, e.g. ws://127.0.0.1:9870/relay.
	URL string
	// ClientID identifies this client across restarts.
	ClientID     string
	PingTimeout  time.Duration
	WriteTimeout time.Duration
}

// Listener receives link events. OnAssistantMessage gets every frame that is not a relay
// control message.
type Listener interface {
	OnAssistantMessage(data []byte)
	OnReplayCompleted()
	OnDisconnected(err error)
}

// Option customizes a Link.
type Option func(*Link)

// WithClock replaces the clock used for ping timeouts.
func WithClock(c clock.Clock) Option {
	return func(l *Link) { l.clock = c }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(l *Link) { l.dialer = d }
}

// Link is one persistent socket to the relay.
type Link struct {
	cfg    Config
	logger zerolog.Logger
	clock  clock.Clock
	dialer *websocket.Dialer

	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu    sync.Mutex
	connMu     sync.RWMutex
	conn       *websocket.Conn
	generation uint64
	readDone   chan struct{}

	connected atomic.Bool
	disposing atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan relayproto.Message

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// New creates an unconnected link.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Link {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	l := &Link{
		cfg:       cfg,
		logger:    logger.With().Str("component", "relay-link").Logger(),
		clock:     clock.New(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending:   make(map[string]chan relayproto.Message),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ClientID returns the configured client identity.
func (l *Link) ClientID() string { return l.cfg.ClientID }

// IsConnected reports whether the socket is established.
func (l *Link) IsConnected() bool { return l.connected.Load() }

// Subscribe registers a listener and returns its removal function.
func (l *Link) Subscribe(listener Listener) func() {
	l.listenersMu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = listener
	l.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.listenersMu.Lock()
			delete(l.listeners, id)
			l.listenersMu.Unlock()
		})
	}
}

func (l *Link) snapshot() []Listener {
	l.listenersMu.RLock()
	defer l.listenersMu.RUnlock()
	out := make([]Listener, 0, len(l.listeners))
	for _, listener := range l.listeners {
		out = append(out, listener)
	}
	return out
}

// Connect opens the socket. A socket that already left its initial state is discarded and
// recreated. The read loop runs until the socket drops or the link is closed.
func (l *Link) Connect(ctx context.Context) error {
	if l.disposing.Load() {
		return ErrDisposed
	}

	target, err := l.dialURL()
	if err != nil {
		return err
	}

	l.connMu.Lock()
	old := l.conn
	l.conn = nil
	l.generation++
	gen := l.generation
	l.connMu.Unlock()
	if old != nil {
		l.connected.Store(false)
		_ = old.Close()
	}

	conn, _, err := l.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay %s: %w", l.cfg.URL, err)
	}

	l.connMu.Lock()
	if l.disposing.Load() || gen != l.generation {
		l.connMu.Unlock()
		_ = conn.Close()
		return ErrDisposed
	}
	l.conn = conn
	done := make(chan struct{})
	l.readDone = done
	l.connected.Store(true)
	l.connMu.Unlock()

	go l.readLoop(conn, gen, done)

	l.logger.Info().Str("url", l.cfg.URL).Msg("relay link connected")
	return nil
}

func (l *Link) dialURL() (string, error) {
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", l.cfg.URL, err)
	}
	if l.cfg.ClientID != "" {
		q := u.Query()
		q.Set("client_id", l.cfg.ClientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// readLoop reads complete messages from conn until it fails.
func (l *Link) readLoop(conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.markDisconnected(gen, err)
			return
		}
		l.handleFrame(data)
	}
}

var linkHandledTypes = func(t relayproto.Type) bool {
	return relayproto.IsRelayType(t) || t == relayproto.TypeShutdown
}

func (l *Link) handleFrame(data []byte) {
	msg, err := relayproto.Parse(data, linkHandledTypes)
	if err != nil {
		for _, listener := range l.snapshot() {
			listener.OnAssistantMessage(data)
		}
		return
	}

	switch msg.Type {
	case relayproto.TypePong:
		l.resolvePending(msg)
	case relayproto.TypeRecoverMessagesCompleted:
		l.logger.Info().Msg("relay replay completed")
		for _, listener := range l.snapshot() {
			listener.OnReplayCompleted()
		}
	case relayproto.TypeShutdown:
		l.logger.Info().Str("message", msg.Message).Msg("relay announced shutdown")
	case relayproto.TypeMessageParseError:
		l.logger.Warn().Str("message", msg.Message).Msg("relay could not parse a message")
	case relayproto.TypeUnknownMessageType:
		l.logger.Warn().Str("message", msg.Message).Msg("relay rejected an unknown message type")
	}
}

func (l *Link) resolvePending(msg relayproto.Message) {
	l.pendingMu.Lock()
	ch, ok := l.pending[msg.ID]
	if ok {
		delete(l.pending, msg.ID)
	}
	l.pendingMu.Unlock()

	if !ok {
		l.logger.Debug().Str("id", msg.ID).Msg("pong without pending ping")
		return
	}
	ch <- msg
}

// markDisconnected clears the connected flag and raises OnDisconnected once per socket.
func (l *Link) markDisconnected(gen uint64, err error) {
	l.connMu.Lock()
	if gen != l.generation {
		l.connMu.Unlock()
		return
	}
	l.conn = nil
	l.connMu.Unlock()

	if !l.connected.CompareAndSwap(true, false) {
		return
	}
	l.failPending()

	if l.IsExpectedTeardown(err) {
		l.logger.Debug().Err(err).Msg("relay socket closed")
	} else {
		l.logger.Warn().Err(err).Msg("relay socket dropped")
	}

	if l.disposing.Load() {
		return
	}
	for _, listener := range l.snapshot() {
		listener.OnDisconnected(err)
	}
}

func (l *Link) failPending() {
	l.pendingMu.Lock()
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
	l.pendingMu.Unlock()
}

// IsExpectedTeardown reports whether err is ordinary cleanup noise: the link is disposing,
// the operation was cancelled, or the socket was closed or aborted.
func (l *Link) IsExpectedTeardown(err error) bool {
	if l.disposing.Load() {
		return true
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF),
		errors.Is(err, ErrDisposed), errors.Is(err, websocket.ErrCloseSent):
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
	)
}

// SendText writes one complete text frame.
func (l *Link) SendText(ctx context.Context, data []byte) error {
	if l.disposing.Load() {
		return ErrDisposed
	}

	l.connMu.RLock()
	conn := l.conn
	l.connMu.RUnlock()
	if conn == nil || !l.connected.Load() {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	deadline := time.Now().Add(l.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write relay frame: %w", err)
	}
	return nil
}

// SendControl writes a control message, filling in the client id.
func (l *Link) SendControl(ctx context.Context, msg relayproto.Message) error {
	if msg.ClientID == "" {
		msg.ClientID = l.cfg.ClientID
	}
	data, err := relayproto.Encode(msg)
	if err != nil {
		return err
	}
	return l.SendText(ctx, data)
}

// Ping sends a PING and waits for the PONG with the same id.
func (l *Link) Ping(ctx context.Context) (time.Duration, error) {
	msg := relayproto.New(relayproto.TypePing, l.cfg.ClientID)
	msg.ID = uuid.New().String()

	ch := make(chan relayproto.Message, 1)
	l.pendingMu.Lock()
	l.pending[msg.ID] = ch
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, msg.ID)
		l.pendingMu.Unlock()
	}()

	start := l.clock.Now()
	if err := l.SendControl(ctx, msg); err != nil {
		return 0, err
	}

	timer := l.clock.Timer(l.cfg.PingTimeout)
	defer timer.Stop()

	select {
	case _, ok := <-ch:
		if !ok {
			return 0, ErrNotConnected
		}
		return l.clock.Since(start), nil
	case <-timer.C:
		return 0, ErrPingTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SendWaitingReload tells the relay to buffer incoming traffic because this process is about
// to tear down and reload.
func (l *Link) SendWaitingReload(ctx context.Context) error {
	return l.SendControl(ctx, relayproto.New(relayproto.TypeBlockIncomingCloudMessages, l.cfg.ClientID))
}

// ReplayIncompleteMessage asks the relay to replay buffered traffic. Completion is signaled
// later through OnReplayCompleted.
func (l *Link) ReplayIncompleteMessage(ctx context.Context) error {
	return l.SendControl(ctx, relayproto.New(relayproto.TypeRecoverMessages, l.cfg.ClientID))
}

// ShutdownServer asks the relay process to exit.
func (l *Link) ShutdownServer(ctx context.Context) error {
	return l.SendControl(ctx, relayproto.New(relayproto.TypeShutdown, l.cfg.ClientID))
}

// Close disposes the link. It does not raise OnDisconnected.
func (l *Link) Close() error {
	if !l.disposing.CompareAndSwap(false, true) {
		return nil
	}

	l.connMu.Lock()
	conn := l.conn
	done := l.readDone
	l.conn = nil
	l.connMu.Unlock()

	l.connected.Store(false)
	l.failPending()

	if conn == nil {
		return nil
	}

	l.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	_ = conn.Close()

	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			l.logger.Warn().Msg("relay read loop did not stop")
		}
	}
	return nil
}
