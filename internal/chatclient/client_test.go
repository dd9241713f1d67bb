package chatclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatlink/internal/config"
	"github.com/xiaot623/chatlink/internal/protocol"
	"github.com/xiaot623/chatlink/internal/relayserver"
	"github.com/xiaot623/chatlink/internal/relayserver/store"
	"github.com/xiaot623/chatlink/internal/workflow"
)

// fakeService opens every socket with discussion_init and answers each chat request with an
// acknowledgment and a one-fragment reply. With hold set, replies wait for release; a cancel
// request then replaces the held reply with a cancel acknowledgment.
type fakeService struct {
	srv   *httptest.Server
	conns atomic.Int32
	hold  atomic.Bool

	mu            sync.Mutex
	conversations []string
	received      []protocol.Type
	held          []protocol.Message
	active        *websocket.Conn
	writeMu       sync.Mutex
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns.Add(1)
		f.mu.Lock()
		f.conversations = append(f.conversations, r.URL.Query().Get("conversation_id"))
		f.mu.Unlock()
		go f.serve(c)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) serve(c *websocket.Conn) {
	defer c.Close()
	f.mu.Lock()
	f.active = c
	f.mu.Unlock()
	f.write(c, &protocol.DiscussionInit{BaseMessage: protocol.Base(protocol.TypeDiscussionInit), ConversationID: "conv-1"})

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		f.mu.Lock()
		f.received = append(f.received, msg.MessageType())
		f.mu.Unlock()

		var reply []protocol.Message
		switch req := msg.(type) {
		case *protocol.ChatRequest:
			reply = []protocol.Message{
				&protocol.ChatAcknowledgment{BaseMessage: protocol.Base(protocol.TypeChatAcknowledgment), RequestID: req.RequestID},
				&protocol.ChatResponse{
					BaseMessage:    protocol.Base(protocol.TypeChatResponse),
					ID:             "m-" + req.RequestID,
					Fragment:       "echo: " + req.Prompt,
					IsLastFragment: true,
				},
			}
		case *protocol.CancelRequest:
			reply = []protocol.Message{
				&protocol.CancelAcknowledgment{BaseMessage: protocol.Base(protocol.TypeCancelAcknowledgment), RequestID: req.RequestID},
			}
		default:
			continue
		}

		if f.hold.Load() {
			f.mu.Lock()
			f.held = reply
			f.mu.Unlock()
			continue
		}
		for _, m := range reply {
			f.write(c, m)
		}
	}
}

func (f *fakeService) write(c *websocket.Conn, msg protocol.Message) {
	data, _ := protocol.Encode(msg)
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = c.WriteMessage(websocket.TextMessage, data)
}

func (f *fakeService) holding(typ protocol.Type) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.held {
		if m.MessageType() == typ {
			return true
		}
	}
	return false
}

// release sends the held reply on the latest socket.
func (f *fakeService) release() {
	f.mu.Lock()
	c, held := f.active, f.held
	f.held = nil
	f.mu.Unlock()
	for _, m := range held {
		f.write(c, m)
	}
}

func (f *fakeService) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/chat"
}

func (f *fakeService) sawType(t protocol.Type) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.received {
		if got == t {
			return true
		}
	}
	return false
}

func testConfig(serviceURL string) *config.Config {
	cfg := config.Default()
	cfg.Service.URI = serviceURL
	cfg.Service.Token = "token"
	cfg.Chat.Mode = ModeDirect
	cfg.Chat.SendGrace = 500 * time.Millisecond
	cfg.Relay.ClientID = "test-client"
	cfg.Relay.AttemptTimeout = 2 * time.Second
	cfg.Relay.TickInterval = 50 * time.Millisecond
	return cfg
}

func startRelay(t *testing.T) string {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	srv := relayserver.New(relayserver.Config{}, st, zerolog.Nop())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
		_ = st.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/relay"
}

func newTestClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitIdle(t *testing.T, c *Client) *workflow.Session {
	t.Helper()
	var s *workflow.Session
	require.Eventually(t, func() bool {
		s = c.Session()
		return s != nil && s.State() == workflow.Idle
	}, 3*time.Second, 10*time.Millisecond)
	return s
}

func ask(t *testing.T, c *Client, prompt string) string {
	t.Helper()
	status, err := c.Ask(context.Background(), prompt)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	text, err := status.Wait(ctx)
	require.NoError(t, err)
	return text
}

func TestAskWithoutSession(t *testing.T) {
	c := newTestClient(t, testConfig("ws://127.0.0.1:1/chat"))

	_, err := c.Ask(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, c.Cancel(), ErrNoSession)
	assert.ErrorIs(t, c.Reload(context.Background(), nil), ErrNoSession)
}

func TestDirectModeChat(t *testing.T) {
	svc := newFakeService(t)
	c := newTestClient(t, testConfig(svc.url()))
	assert.Nil(t, c.Manager())

	require.NoError(t, c.Start(context.Background(), workflow.StartOptions{}))
	s := waitIdle(t, c)
	assert.Equal(t, "conv-1", s.ConversationID())

	assert.Equal(t, "echo: hi", ask(t, c, "hi"))

	err := c.Start(context.Background(), workflow.StartOptions{})
	assert.ErrorIs(t, err, workflow.ErrInvalidOperation)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return svc.sawType(protocol.TypeClientDisconnect) }, 2*time.Second, 10*time.Millisecond)
}

func TestDirectReloadStartsNewDiscussion(t *testing.T) {
	svc := newFakeService(t)
	c := newTestClient(t, testConfig(svc.url()))
	require.NoError(t, c.Start(context.Background(), workflow.StartOptions{}))
	old := waitIdle(t, c)

	require.NoError(t, c.Reload(context.Background(), nil))

	s := waitIdle(t, c)
	assert.NotSame(t, old, s)
	assert.Equal(t, workflow.Closed, old.State())
	assert.Equal(t, int32(2), svc.conns.Load())

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []string{"", "conv-1"}, svc.conversations)
}

func TestRelayModeReloadResumesConversation(t *testing.T) {
	svc := newFakeService(t)
	cfg := testConfig(svc.url())
	cfg.Chat.Mode = ModeRelay
	cfg.Relay.URL = startRelay(t)
	c := newTestClient(t, cfg)
	require.NotNil(t, c.Manager())

	require.NoError(t, c.Start(context.Background(), workflow.StartOptions{}))
	old := waitIdle(t, c)
	assert.Equal(t, "echo: before", ask(t, c, "before"))

	require.NoError(t, c.Reload(context.Background(), nil))

	s := waitIdle(t, c)
	assert.NotSame(t, old, s)
	assert.Equal(t, "conv-1", s.ConversationID())
	assert.True(t, s.HasSentMessage())
	assert.Equal(t, "echo: after", ask(t, c, "after"))

	// The service session survived the reload.
	assert.Equal(t, int32(1), svc.conns.Load())
	assert.False(t, svc.sawType(protocol.TypeClientDisconnect))
}

func startRelayClient(t *testing.T, svc *fakeService) *Client {
	t.Helper()
	cfg := testConfig(svc.url())
	cfg.Chat.Mode = ModeRelay
	cfg.Relay.URL = startRelay(t)
	c := newTestClient(t, cfg)
	require.NoError(t, c.Start(context.Background(), workflow.StartOptions{}))
	waitIdle(t, c)
	return c
}

func waitState(t *testing.T, c *Client, state workflow.State) *workflow.Session {
	t.Helper()
	var s *workflow.Session
	require.Eventually(t, func() bool {
		s = c.Session()
		return s != nil && s.State() == state
	}, 3*time.Second, 10*time.Millisecond)
	return s
}

func TestRelayModeReloadWhileAwaitingAcknowledgement(t *testing.T) {
	svc := newFakeService(t)
	c := startRelayClient(t, svc)

	svc.hold.Store(true)
	_, err := c.Ask(context.Background(), "slow")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return svc.holding(protocol.TypeChatAcknowledgment) }, 2*time.Second, 10*time.Millisecond)
	old := waitState(t, c, workflow.AwaitingChatAcknowledgement)
	reqID := old.CurrentStatus().RequestID()

	require.NoError(t, c.Reload(context.Background(), nil))

	s := waitState(t, c, workflow.AwaitingChatAcknowledgement)
	assert.NotSame(t, old, s)
	status := s.CurrentStatus()
	require.NotNil(t, status)
	assert.Equal(t, reqID, status.RequestID())

	svc.release()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	text, err := status.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo: slow", text)
	waitIdle(t, c)
	assert.Equal(t, int32(1), svc.conns.Load())
}

func TestRelayModeReloadWhileCanceling(t *testing.T) {
	svc := newFakeService(t)
	c := startRelayClient(t, svc)

	svc.hold.Store(true)
	_, err := c.Ask(context.Background(), "slow")
	require.NoError(t, err)
	waitState(t, c, workflow.AwaitingChatAcknowledgement)
	require.NoError(t, c.Cancel())
	require.Eventually(t, func() bool { return svc.holding(protocol.TypeCancelAcknowledgment) }, 2*time.Second, 10*time.Millisecond)
	old := waitState(t, c, workflow.Canceling)

	require.NoError(t, c.Reload(context.Background(), nil))

	s := waitState(t, c, workflow.Canceling)
	assert.NotSame(t, old, s)
	status := s.CurrentStatus()
	require.NotNil(t, status)
	assert.Equal(t, workflow.StreamCancelling, status.State())

	svc.release()

	waitIdle(t, c)
	assert.Equal(t, workflow.StreamCancelled, status.State())
	assert.Nil(t, s.CloseReason())

	svc.hold.Store(false)
	assert.Equal(t, "echo: next", ask(t, c, "next"))
}

func TestManagerConfigShutsRelayDownByDefault(t *testing.T) {
	assert.False(t, ManagerConfig(config.Default()).KeepRelayOnExit)

	cfg := config.Default()
	cfg.Relay.KeepRelayOnExit = true
	assert.True(t, ManagerConfig(cfg).KeepRelayOnExit)
}
