package relayserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/chatlink/internal/relayserver/store"
)

var (
	// ErrNoSession is returned when a client sends application traffic without an upstream.
	ErrNoSession = errors.New("no upstream session")
	// ErrConnectionClosed is returned when writing to a closed relay connection.
	ErrConnectionClosed = errors.New("relay connection closed")
)

const sendBufferSize = 256

// Buffer is the replay storage the hub needs.
type Buffer interface {
	Append(ctx context.Context, clientID string, payload []byte) (int64, error)
	Pending(ctx context.Context, clientID string, limit int) ([]store.Frame, error)
	Ack(ctx context.Context, clientID string, seq int64) error
	Clear(ctx context.Context, clientID string) error
	Count(ctx context.Context, clientID string) (int, error)
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
}

// Connection is one client websocket attached to the relay.
type Connection struct {
	ID       string
	ClientID string
	Conn     *websocket.Conn
	Send     chan []byte

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(clientID string, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:       uuid.New().String(),
		ClientID: clientID,
		Conn:     ws,
		Send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// WriteMessage writes a frame with the connection lock held.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// Close stops the pumps and closes the socket. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) enqueueWait(ctx context.Context, data []byte) error {
	select {
	case c.Send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type clientState struct {
	id        string
	conn      *Connection
	blocked   bool
	replaying bool
	upstream  *upstream
}

// Hub tracks clients, their attached connection and their upstream session.
type Hub struct {
	buffer  Buffer
	metrics *metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	clients map[string]*clientState
}

func newHub(buf Buffer, m *metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		buffer:  buf,
		metrics: m,
		logger:  logger.With().Str("component", "relay-hub").Logger(),
		clients: make(map[string]*clientState),
	}
}

// state must be called with h.mu held.
func (h *Hub) state(clientID string) *clientState {
	st := h.clients[clientID]
	if st == nil {
		st = &clientState{id: clientID}
		h.clients[clientID] = st
	}
	return st
}

// Attach binds conn to its client id. An older connection for the same id is closed. A client
// that left frames in the buffer stays blocked until it asks for a replay, so live traffic
// cannot overtake them.
func (h *Hub) Attach(ctx context.Context, conn *Connection) {
	h.mu.Lock()
	st := h.state(conn.ClientID)
	old := st.conn
	st.conn = conn
	if old == nil {
		h.metrics.clients.Inc()
	}
	if n, err := h.buffer.Count(ctx, conn.ClientID); err != nil {
		h.logger.Warn().Err(err).Str("client_id", conn.ClientID).Msg("failed to inspect buffer")
	} else if n > 0 {
		st.blocked = true
	}
	h.mu.Unlock()

	if old != nil {
		h.logger.Info().Str("client_id", conn.ClientID).Str("old", old.ID).Str("new", conn.ID).Msg("connection replaced")
		old.Close()
	}
	h.logger.Info().Str("client_id", conn.ClientID).Str("connection_id", conn.ID).Msg("connection attached")
}

// Detach unbinds conn if it is still the client's connection. Upstream traffic is buffered
// until the client comes back and asks for a replay.
func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	st := h.clients[conn.ClientID]
	if st != nil && st.conn == conn {
		st.conn = nil
		h.metrics.clients.Dec()
		if st.upstream == nil {
			delete(h.clients, conn.ClientID)
		}
	}
	h.mu.Unlock()
	conn.Close()
	h.logger.Info().Str("client_id", conn.ClientID).Str("connection_id", conn.ID).Msg("connection detached")
}

// Block makes upstream traffic for clientID go to the buffer instead of the socket.
func (h *Hub) Block(clientID string) {
	h.mu.Lock()
	h.state(clientID).blocked = true
	h.mu.Unlock()
	h.logger.Info().Str("client_id", clientID).Msg("incoming messages blocked")
}

// Deliver routes one upstream frame: live when the client can take it, buffered otherwise.
func (h *Hub) Deliver(ctx context.Context, clientID string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.state(clientID)
	if st.conn != nil && !st.blocked && !st.replaying {
		if st.conn.enqueue(data) {
			h.metrics.frames.WithLabelValues("downstream").Inc()
			return nil
		}
		// The client is not keeping up; drop the socket and keep the frame for replay.
		h.logger.Warn().Str("client_id", clientID).Msg("send buffer full, detaching connection")
		st.conn.Close()
		st.conn = nil
		h.metrics.clients.Dec()
	}

	if _, err := h.buffer.Append(ctx, clientID, data); err != nil {
		return err
	}
	h.metrics.buffered.Inc()
	return nil
}

// Forward sends an application frame from the client to its upstream session.
func (h *Hub) Forward(ctx context.Context, clientID string, data []byte, timeout time.Duration) error {
	h.mu.Lock()
	var up *upstream
	if st := h.clients[clientID]; st != nil {
		up = st.upstream
	}
	h.mu.Unlock()
	if up == nil {
		return ErrNoSession
	}
	if err := up.send(ctx, data, timeout); err != nil {
		return err
	}
	h.metrics.frames.WithLabelValues("upstream").Inc()
	return nil
}

// Replay flushes the client's buffer to conn in order, unblocks delivery and returns the number
// of frames sent. Frames arriving during the flush are buffered behind the ones being sent.
func (h *Hub) Replay(ctx context.Context, conn *Connection, batch int) (int, error) {
	clientID := conn.ClientID

	h.mu.Lock()
	st := h.state(clientID)
	if st.conn != conn {
		h.mu.Unlock()
		return 0, ErrConnectionClosed
	}
	st.replaying = true
	h.mu.Unlock()

	finish := func(unblock bool) {
		st.replaying = false
		if unblock {
			st.blocked = false
		}
	}

	sent := 0
	for {
		frames, err := h.buffer.Pending(ctx, clientID, batch)
		if err != nil {
			h.mu.Lock()
			finish(false)
			h.mu.Unlock()
			return sent, err
		}

		if len(frames) == 0 {
			h.mu.Lock()
			n, err := h.buffer.Count(ctx, clientID)
			if err != nil || n == 0 {
				finish(err == nil)
				h.mu.Unlock()
				return sent, err
			}
			h.mu.Unlock()
			continue
		}

		for _, f := range frames {
			if err := conn.enqueueWait(ctx, f.Payload); err != nil {
				h.mu.Lock()
				finish(false)
				h.mu.Unlock()
				return sent, err
			}
			sent++
			h.metrics.replayed.Inc()
		}
		if err := h.buffer.Ack(ctx, clientID, frames[len(frames)-1].Seq); err != nil {
			h.mu.Lock()
			finish(false)
			h.mu.Unlock()
			return sent, err
		}
	}
}

// setUpstream installs up as the client's session and returns the one it replaces.
func (h *Hub) setUpstream(clientID string, up *upstream) *upstream {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(clientID)
	old := st.upstream
	st.upstream = up
	if old == nil && up != nil {
		h.metrics.sessions.Inc()
	} else if old != nil && up == nil {
		h.metrics.sessions.Dec()
	}
	return old
}

// clearUpstream removes up if it is still the client's session.
func (h *Hub) clearUpstream(up *upstream) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.clients[up.clientID]
	if st == nil || st.upstream != up {
		return false
	}
	st.upstream = nil
	h.metrics.sessions.Dec()
	if st.conn == nil {
		delete(h.clients, up.clientID)
	}
	return true
}

// EndSession closes the client's upstream and discards its buffer.
func (h *Hub) EndSession(ctx context.Context, clientID string) error {
	h.mu.Lock()
	st := h.clients[clientID]
	var up *upstream
	if st != nil {
		up = st.upstream
		st.upstream = nil
		st.blocked = false
		if up != nil {
			h.metrics.sessions.Dec()
		}
	}
	h.mu.Unlock()

	if up != nil {
		up.close()
	}
	if err := h.buffer.Clear(ctx, clientID); err != nil {
		return fmt.Errorf("failed to clear buffer for %s: %w", clientID, err)
	}
	h.logger.Info().Str("client_id", clientID).Msg("session ended")
	return nil
}

// CloseAll closes every connection and upstream session.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var conns []*Connection
	var ups []*upstream
	for _, st := range h.clients {
		if st.conn != nil {
			conns = append(conns, st.conn)
		}
		if st.upstream != nil {
			ups = append(ups, st.upstream)
		}
	}
	h.clients = make(map[string]*clientState)
	h.metrics.clients.Set(0)
	h.metrics.sessions.Set(0)
	h.mu.Unlock()

	for _, up := range ups {
		up.close()
	}
	for _, c := range conns {
		c.Close()
	}
}

// GetConnectionCount returns the number of attached clients.
func (h *Hub) GetConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, st := range h.clients {
		if st.conn != nil {
			n++
		}
	}
	return n
}

// GetSessionCount returns the number of open upstream sessions.
func (h *Hub) GetSessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, st := range h.clients {
		if st.upstream != nil {
			n++
		}
	}
	return n
}
