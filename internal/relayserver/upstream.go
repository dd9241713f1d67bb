package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/chatlink/internal/protocol"
	"github.com/xiaot623/chatlink/internal/relayproto"
)

// upstream is one client's websocket to the orchestration service.
type upstream struct {
	clientID string
	conn     *websocket.Conn

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

func dialUpstream(ctx context.Context, dialer *websocket.Dialer, clientID string, start *relayproto.SessionStart) (*upstream, error) {
	if start == nil || start.URI == "" {
		return nil, errors.New("session start without uri")
	}
	u, err := url.Parse(start.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid service uri %q: %w", start.URI, err)
	}
	if start.ConversationID != "" {
		q := u.Query()
		q.Set("conversation_id", start.ConversationID)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header(start.Headers))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", start.URI, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", start.URI, err)
	}
	return &upstream{clientID: clientID, conn: conn, done: make(chan struct{})}, nil
}

func (u *upstream) send(ctx context.Context, data []byte, timeout time.Duration) error {
	if u.closed.Load() {
		return ErrNoSession
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_ = u.conn.SetWriteDeadline(deadline)
	return u.conn.WriteMessage(websocket.TextMessage, data)
}

// close ends the session on purpose; the pump will not report it as a failure.
func (u *upstream) close() {
	if !u.closed.CompareAndSwap(false, true) {
		return
	}
	u.writeMu.Lock()
	_ = u.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = u.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	u.writeMu.Unlock()
	_ = u.conn.Close()
}

// pumpUpstream delivers service frames to the hub until the socket ends. An unexpected end is
// reported to the client as a critical server disconnect so its session does not hang.
func (s *Server) pumpUpstream(u *upstream) {
	defer close(u.done)
	ctx := context.Background()

	for {
		_, data, err := u.conn.ReadMessage()
		if err != nil {
			if u.closed.Load() {
				return
			}
			u.closed.Store(true)
			_ = u.conn.Close()
			if !s.hub.clearUpstream(u) {
				return
			}
			s.logger.Warn().Err(err).Str("client_id", u.clientID).Msg("upstream session lost")

			if notice, mErr := upstreamLostNotice(err); mErr == nil {
				if dErr := s.hub.Deliver(ctx, u.clientID, notice); dErr != nil {
					s.logger.Error().Err(dErr).Str("client_id", u.clientID).Msg("failed to deliver upstream loss")
				}
			}
			return
		}

		if err := s.hub.Deliver(ctx, u.clientID, data); err != nil {
			s.logger.Error().Err(err).Str("client_id", u.clientID).Msg("failed to deliver upstream frame")
		}
	}
}

func upstreamLostNotice(cause error) ([]byte, error) {
	msg := &protocol.ServerDisconnect{
		BaseMessage: protocol.Base(protocol.TypeServerDisconnect),
		Reason: protocol.DisconnectReason{
			Kind:    protocol.DisconnectCriticalError,
			Message: "relay lost the service connection",
		},
	}
	var ce *websocket.CloseError
	if errors.As(cause, &ce) && ce.Code == websocket.CloseNormalClosure {
		msg.Reason.Kind = protocol.DisconnectGraceful
		msg.Reason.Message = ce.Text
	}
	return json.Marshal(msg)
}
