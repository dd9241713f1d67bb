// Package relaymgr provides the single owner of the relay link. Everything else borrows the
// link through the Manager, which keeps it alive and recreates it after drops.
package relaymgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/xiaot623/chatlink/internal/relaylink"
	"github.com/xiaot623/chatlink/internal/relayproto"
)

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("relay manager closed")

// Config holds manager settings.
type Config struct {
	Link relaylink.Config
	// ReconnectInterval is the minimum time between two connection attempts.
	ReconnectInterval time.Duration
	// TickInterval is how often the link health is checked.
	TickInterval time.Duration
	// ShutdownGrace is how long the shutdown signal is given to be transmitted.
	ShutdownGrace time.Duration
	// KeepRelayOnExit suppresses the SHUTDOWN that Close sends to the relay.
	KeepRelayOnExit bool
	ConnectTimeout      time.Duration
}

// StatusListener observes link availability.
type StatusListener interface {
	OnConnected()
	OnDisconnected()
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the clock used by the tick loop.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLinkFactory replaces how links are created.
func WithLinkFactory(f func() *relaylink.Link) Option {
	return func(m *Manager) { m.newLink = f }
}

// Manager owns exactly one relay link at a time.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	clock   clock.Clock
	newLink func() *relaylink.Link

	mu          sync.RWMutex
	link        *relaylink.Link
	unsubLink   func()
	lastAttempt time.Time

	reconnecting atomic.Bool
	closed       atomic.Bool

	linkListeners   listenerSet[relaylink.Listener]
	statusListeners listenerSet[StatusListener]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager. Call Open to start connecting.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "relay-manager").Logger(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.newLink == nil {
		m.newLink = func() *relaylink.Link {
			return relaylink.New(m.cfg.Link, logger, relaylink.WithClock(m.clock))
		}
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Open schedules the first connection attempt and starts the health tick.
func (m *Manager) Open() {
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.Reconnect(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.run()
	}()
}

func (m *Manager) run() {
	ticker := m.clock.Ticker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick starts one reconnection when the link is down, the interval since the last attempt
// has passed and no attempt is in flight.
func (m *Manager) tick() {
	if m.closed.Load() || m.IsConnected() || m.reconnecting.Load() {
		return
	}

	m.mu.RLock()
	last := m.lastAttempt
	m.mu.RUnlock()
	if m.clock.Since(last) < m.cfg.ReconnectInterval {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Reconnect(m.ctx)
	}()
}

// Reconnect discards the current link and connects a fresh one. It returns false without
// doing anything when another attempt is already in flight.
func (m *Manager) Reconnect(ctx context.Context) bool {
	if m.closed.Load() || !m.reconnecting.CompareAndSwap(false, true) {
		return false
	}
	defer m.reconnecting.Store(false)

	m.mu.Lock()
	m.lastAttempt = m.clock.Now()
	old, oldUnsub := m.link, m.unsubLink
	m.link, m.unsubLink = nil, nil
	m.mu.Unlock()

	if old != nil {
		oldUnsub()
		_ = old.Close()
	}

	// The link is current before it dials, so frames the relay sends right after the
	// handshake are forwarded. Close takes and closes it from here on.
	link := m.newLink()
	unsub := link.Subscribe(&forwarder{m: m, link: link})
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		unsub()
		return false
	}
	m.link, m.unsubLink = link, unsub
	m.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := link.Connect(connectCtx); err != nil {
		m.mu.Lock()
		if m.link == link {
			m.link, m.unsubLink = nil, nil
		}
		m.mu.Unlock()
		expected := link.IsExpectedTeardown(err)
		unsub()
		_ = link.Close()
		if expected {
			m.logger.Debug().Err(err).Msg("relay connect aborted")
		} else {
			m.logger.Warn().Err(err).Msg("relay connect failed")
		}
		return false
	}
	if m.closed.Load() {
		return false
	}

	for _, l := range m.statusListeners.snapshot() {
		l.OnConnected()
	}
	return true
}

func (m *Manager) current() *relaylink.Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link
}

// Link returns the current link, or nil when there is none. The link may still be dialing.
func (m *Manager) Link() *relaylink.Link { return m.current() }

// IsConnected reports whether the current link is established.
func (m *Manager) IsConnected() bool {
	link := m.current()
	return link != nil && link.IsConnected()
}

// ClientID returns the link client identity.
func (m *Manager) ClientID() string { return m.cfg.Link.ClientID }

// Subscribe forwards link events from whichever link is current.
func (m *Manager) Subscribe(l relaylink.Listener) func() { return m.linkListeners.add(l) }

// SubscribeStatus registers a connected/disconnected observer.
func (m *Manager) SubscribeStatus(l StatusListener) func() { return m.statusListeners.add(l) }

// SendText writes raw text through the current link.
func (m *Manager) SendText(ctx context.Context, data []byte) error {
	link := m.current()
	if link == nil {
		return relaylink.ErrNotConnected
	}
	return link.SendText(ctx, data)
}

// SendControl writes a control message through the current link.
func (m *Manager) SendControl(ctx context.Context, msg relayproto.Message) error {
	link := m.current()
	if link == nil {
		return relaylink.ErrNotConnected
	}
	return link.SendControl(ctx, msg)
}

// Ping measures the relay round trip.
func (m *Manager) Ping(ctx context.Context) (time.Duration, error) {
	link := m.current()
	if link == nil {
		return 0, relaylink.ErrNotConnected
	}
	return link.Ping(ctx)
}

// ReplayIncompleteMessage asks the relay to replay what it buffered.
func (m *Manager) ReplayIncompleteMessage(ctx context.Context) error {
	link := m.current()
	if link == nil {
		return relaylink.ErrNotConnected
	}
	return link.ReplayIncompleteMessage(ctx)
}

// BeforeReload runs synchronously before a hard teardown of this process's resources: the
// relay is told to buffer incoming traffic instead of delivering it.
func (m *Manager) BeforeReload(ctx context.Context) error {
	link := m.current()
	if link == nil {
		return relaylink.ErrNotConnected
	}
	if err := link.SendWaitingReload(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("failed to block incoming messages before reload")
		return err
	}
	m.logger.Info().Msg("relay buffering incoming messages for reload")
	return nil
}

// ShutdownServer asks the relay process to exit.
func (m *Manager) ShutdownServer(ctx context.Context) error {
	link := m.current()
	if link == nil {
		return relaylink.ErrNotConnected
	}
	return link.ShutdownServer(ctx)
}

// Close is the process-exit path: signal relay shutdown unless KeepRelayOnExit is set, give it
// the grace period to be transmitted, then tear down locally regardless of outcome.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs error
	if !m.cfg.KeepRelayOnExit && m.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownGrace+time.Second)
		if err := m.ShutdownServer(ctx); err != nil {
			m.logger.Debug().Err(err).Msg("relay shutdown signal not sent")
		} else if m.cfg.ShutdownGrace > 0 {
			m.clock.Sleep(m.cfg.ShutdownGrace)
		}
		cancel()
	}

	m.cancel()

	m.mu.Lock()
	link, unsub := m.link, m.unsubLink
	m.link, m.unsubLink = nil, nil
	m.mu.Unlock()
	if link != nil {
		unsub()
		errs = multierr.Append(errs, link.Close())
	}

	m.wg.Wait()
	return errs
}

// forwarder relays events from one link while it is the current one.
type forwarder struct {
	m    *Manager
	link *relaylink.Link
}

func (f *forwarder) active() bool { return f.m.current() == f.link }

func (f *forwarder) OnAssistantMessage(data []byte) {
	if !f.active() {
		return
	}
	for _, l := range f.m.linkListeners.snapshot() {
		l.OnAssistantMessage(data)
	}
}

func (f *forwarder) OnReplayCompleted() {
	if !f.active() {
		return
	}
	for _, l := range f.m.linkListeners.snapshot() {
		l.OnReplayCompleted()
	}
}

func (f *forwarder) OnDisconnected(err error) {
	if !f.active() {
		return
	}
	for _, l := range f.m.linkListeners.snapshot() {
		l.OnDisconnected(err)
	}
	for _, l := range f.m.statusListeners.snapshot() {
		l.OnDisconnected()
	}
}

type listenerSet[T any] struct {
	mu     sync.RWMutex
	nextID int
	items  map[int]T
}

func (s *listenerSet[T]) add(l T) func() {
	s.mu.Lock()
	if s.items == nil {
		s.items = make(map[int]T)
	}
	id := s.nextID
	s.nextID++
	s.items[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.items, id)
			s.mu.Unlock()
		})
	}
}

func (s *listenerSet[T]) snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.items))
	for _, l := range s.items {
		out = append(out, l)
	}
	return out
}
