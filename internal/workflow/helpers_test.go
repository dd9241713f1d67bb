package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/chatlink/internal/protocol"
	"github.com/xiaot623/chatlink/internal/transport"
)

type fakeTransport struct {
	listeners transport.Listeners

	mu          sync.Mutex
	connectErr  error
	sendErr     error
	connectOpts transport.ConnectOptions
	startCalls  int
	sent        []protocol.Message
	disposed    bool
}

func (f *fakeTransport) Connect(_ context.Context, opts transport.ConnectOptions) transport.ConnectResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectOpts = opts
	if f.connectErr != nil {
		return transport.ConnectFailed(f.connectErr)
	}
	return transport.Connected()
}

func (f *fakeTransport) StartCloudSession(context.Context, transport.ConnectOptions) transport.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return transport.Sent()
}

func (f *fakeTransport) Send(_ context.Context, msg protocol.Message) transport.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.SendFailed(f.sendErr)
	}
	f.sent = append(f.sent, msg)
	return transport.Sent()
}

func (f *fakeTransport) Subscribe(l transport.Listener) func() { return f.listeners.Add(l) }

func (f *fakeTransport) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
}

func (f *fakeTransport) isDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

func (f *fakeTransport) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

func (f *fakeTransport) sentOfType(t protocol.Type) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, m := range f.sent {
		if m.MessageType() == t {
			out = append(out, m)
		}
	}
	return out
}

// deliver runs msg through the shared converter, as both real transports do.
func (f *fakeTransport) deliver(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal %s: %v", msg.MessageType(), err)
	}
	f.listeners.Message(transport.Decode(data))
}

func (f *fakeTransport) deliverRaw(data []byte) {
	f.listeners.Message(transport.Decode(data))
}

func (f *fakeTransport) closeSocket() {
	f.listeners.Close(transport.CloseInfo{Code: 1006, Reason: "gone"})
}

func testConfig() Config {
	return Config{
		ServiceURI:            "ws://service.test/v1/chat",
		ChatTimeout:           time.Minute,
		DiscussionInitTimeout: time.Minute,
		SendGrace:             time.Second,
	}
}

func newTestSession(t *testing.T, cfg Config, opts ...Option) (*Session, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	s := New(ft, cfg, zerolog.Nop(), opts...)
	t.Cleanup(s.Dispose)
	return s, ft
}

// startIdle starts a session and completes discussion initialization.
func startIdle(t *testing.T, cfg Config, opts ...Option) (*Session, *fakeTransport) {
	t.Helper()
	s, ft := newTestSession(t, cfg, opts...)
	if err := s.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ft.deliver(t, discussionInit("conv-1", 0, 0))
	if got := s.State(); got != Idle {
		t.Fatalf("expected Idle after init, got %s", got)
	}
	return s, ft
}

func discussionInit(id string, maxSize, timeoutSeconds int) *protocol.DiscussionInit {
	return &protocol.DiscussionInit{
		BaseMessage:        protocol.Base(protocol.TypeDiscussionInit),
		ConversationID:     id,
		MaxMessageSize:     maxSize,
		ChatTimeoutSeconds: timeoutSeconds,
	}
}

func ack(requestID string) *protocol.ChatAcknowledgment {
	return &protocol.ChatAcknowledgment{BaseMessage: protocol.Base(protocol.TypeChatAcknowledgment), RequestID: requestID}
}

func fragment(id, text string, last bool) *protocol.ChatResponse {
	return &protocol.ChatResponse{
		BaseMessage:    protocol.Base(protocol.TypeChatResponse),
		ID:             id,
		Fragment:       text,
		IsLastFragment: last,
	}
}

func cancelAck(requestID string) *protocol.CancelAcknowledgment {
	return &protocol.CancelAcknowledgment{BaseMessage: protocol.Base(protocol.TypeCancelAcknowledgment), RequestID: requestID}
}

func capabilitiesRequest(id string) *protocol.CapabilitiesRequest {
	return &protocol.CapabilitiesRequest{BaseMessage: protocol.Base(protocol.TypeCapabilitiesRequest), ID: id}
}

func functionCall(functionID, callID string) *protocol.FunctionCallRequest {
	return &protocol.FunctionCallRequest{
		BaseMessage: protocol.Base(protocol.TypeFunctionCallRequest),
		FunctionID:  functionID,
		CallID:      callID,
		Parameters:  json.RawMessage(`{"text":"hi"}`),
	}
}

func serverDisconnect(kind protocol.DisconnectKind, message string) *protocol.ServerDisconnect {
	return &protocol.ServerDisconnect{
		BaseMessage: protocol.Base(protocol.TypeServerDisconnect),
		Reason:      protocol.DisconnectReason{Kind: kind, Message: message},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
