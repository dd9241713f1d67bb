// Package direct implements the transport contract over a websocket opened straight to the
// orchestration service.
package direct

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/chatlink/internal/protocol"
	"github.com/xiaot623/chatlink/internal/transport"
)

// ErrNotConnected is returned by Send before Connect succeeded or after the socket closed.
var ErrNotConnected = errors.New("direct transport not connected")

const (
	defaultWriteTimeout = 10 * time.Second
	maxReadSize         = 16 << 20
)

// Option customizes a Transport.
type Option func(*Transport)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithWriteTimeout sets the per-frame write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) { t.writeTimeout = d }
}

// Transport is a single-use direct connection.
type Transport struct {
	logger       zerolog.Logger
	dialer       *websocket.Dialer
	writeTimeout time.Duration

	listeners transport.Listeners

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn

	disposed  atomic.Bool
	closeOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// New creates a direct transport.
func New(logger zerolog.Logger, opts ...Option) *Transport {
	t := &Transport{
		logger:       logger.With().Str("component", "direct-transport").Logger(),
		dialer:       websocket.DefaultDialer,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials the service with the caller's credential headers.
func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) transport.ConnectResult {
	if t.disposed.Load() {
		return transport.ConnectFailed(errors.New("direct transport disposed"))
	}

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return transport.Connected()
	}
	t.mu.Unlock()

	target, err := dialURL(opts.ServiceURI, opts.ConversationID)
	if err != nil {
		return transport.ConnectFailed(err)
	}

	conn, resp, err := t.dialer.DialContext(ctx, target, opts.Headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %s: %w (status %d)", opts.ServiceURI, err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial %s: %w", opts.ServiceURI, err)
		}
		return transport.ConnectFailed(err)
	}
	conn.SetReadLimit(maxReadSize)

	t.mu.Lock()
	if t.disposed.Load() {
		t.mu.Unlock()
		_ = conn.Close()
		return transport.ConnectFailed(errors.New("direct transport disposed"))
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)

	t.logger.Info().Str("uri", opts.ServiceURI).Msg("connected to service")
	return transport.Connected()
}

func dialURL(raw, conversationID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid service uri %q: %w", raw, err)
	}
	if conversationID != "" {
		q := u.Query()
		q.Set("conversation_id", conversationID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// StartCloudSession is a no-op: the service opens the discussion as soon as the socket is up.
func (t *Transport) StartCloudSession(context.Context, transport.ConnectOptions) transport.SendResult {
	return transport.Sent()
}

// Send writes msg as one text frame.
func (t *Transport) Send(ctx context.Context, msg protocol.Message) transport.SendResult {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || t.disposed.Load() {
		return transport.SendFailed(ErrNotConnected)
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return transport.SendFailed(err)
	}

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return transport.SendFailed(fmt.Errorf("write %s: %w", msg.MessageType(), err))
	}
	return transport.Sent()
}

// Subscribe registers a transport listener.
func (t *Transport) Subscribe(l transport.Listener) func() { return t.listeners.Add(l) }

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(err)
			return
		}
		r := transport.Decode(data)
		if !r.IsDeserializedSuccessfully {
			t.logger.Warn().Err(r.Err).Msg("undecodable service message")
		}
		t.listeners.Message(r)
	}
}

func (t *Transport) handleClose(err error) {
	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()

	if t.disposed.Load() {
		t.logger.Debug().Err(err).Msg("read loop stopped")
		return
	}

	info := transport.CloseInfo{Code: websocket.CloseAbnormalClosure, Err: err}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		info.Code = ce.Code
		info.Reason = ce.Text
	}

	t.closeOnce.Do(func() {
		t.logger.Info().Int("code", info.Code).Str("reason", info.Reason).Msg("service socket closed")
		t.listeners.Close(info)
	})
}

// Dispose closes the socket. Listeners are not notified of a close they caused. It may run on
// the read loop itself, so it does not wait for the loop to exit.
func (t *Transport) Dispose() {
	if !t.disposed.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return
	}

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	_ = conn.Close()
}
