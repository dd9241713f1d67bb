package relaylink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatlink/internal/relayproto"
)

// fakeRelay answers PINGs unless silent and records every other frame.
type fakeRelay struct {
	srv    *httptest.Server
	silent bool

	mu       sync.Mutex
	conn     *websocket.Conn
	clientID string
	received [][]byte
	accepted chan struct{}
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{accepted: make(chan struct{}, 4)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = c
		f.clientID = r.URL.Query().Get("client_id")
		f.mu.Unlock()
		f.accepted <- struct{}{}
		go f.serve(c)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) serve(c *websocket.Conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if msg, err := relayproto.Parse(data, relayproto.IsClientType); err == nil && msg.Type == relayproto.TypePing {
			if f.silent {
				continue
			}
			pong := relayproto.New(relayproto.TypePong, msg.ClientID)
			pong.ID = msg.ID
			out, _ := relayproto.Encode(pong)
			f.write(out)
			continue
		}
		f.mu.Lock()
		f.received = append(f.received, data)
		f.mu.Unlock()
	}
}

func (f *fakeRelay) write(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *fakeRelay) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.Close()
}

func (f *fakeRelay) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.received...)
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/relay"
}

type recorder struct {
	mu           sync.Mutex
	messages     []string
	replays      int
	disconnects  int
	disconnected chan error
}

func newRecorder() *recorder {
	return &recorder{disconnected: make(chan error, 4)}
}

func (r *recorder) OnAssistantMessage(data []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, string(data))
	r.mu.Unlock()
}

func (r *recorder) OnReplayCompleted() {
	r.mu.Lock()
	r.replays++
	r.mu.Unlock()
}

func (r *recorder) OnDisconnected(err error) {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
	r.disconnected <- err
}

func (r *recorder) snapshot() ([]string, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), r.replays, r.disconnects
}

func connectLink(t *testing.T, relay *fakeRelay, opts ...Option) *Link {
	t.Helper()
	l := New(Config{URL: relay.url(), ClientID: "client-1", PingTimeout: time.Second}, zerolog.Nop(), opts...)
	require.NoError(t, l.Connect(context.Background()))
	t.Cleanup(func() { _ = l.Close() })
	<-relay.accepted
	return l
}

func TestConnectSendsClientID(t *testing.T) {
	relay := newFakeRelay(t)
	l := connectLink(t, relay)

	assert.True(t, l.IsConnected())
	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Equal(t, "client-1", relay.clientID)
}

func TestPingRoundTrip(t *testing.T) {
	relay := newFakeRelay(t)
	l := connectLink(t, relay)

	rtt, err := l.Ping(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestPingTimeout(t *testing.T) {
	relay := newFakeRelay(t)
	relay.silent = true
	l := connectLink(t, relay)
	l.cfg.PingTimeout = 50 * time.Millisecond

	_, err := l.Ping(context.Background())
	assert.ErrorIs(t, err, ErrPingTimeout)
}

func TestFramesAreRoutedToListeners(t *testing.T) {
	relay := newFakeRelay(t)
	l := connectLink(t, relay)
	rec := newRecorder()
	unsubscribe := l.Subscribe(rec)
	defer unsubscribe()

	relay.write([]byte(`{"type":"chat_acknowledgment"}`))
	done, _ := relayproto.Encode(relayproto.New(relayproto.TypeRecoverMessagesCompleted, "client-1"))
	relay.write(done)
	parseErr, _ := relayproto.Encode(relayproto.New(relayproto.TypeMessageParseError, "client-1"))
	relay.write(parseErr)

	require.Eventually(t, func() bool {
		_, replays, _ := rec.snapshot()
		return replays == 1
	}, 2*time.Second, 10*time.Millisecond)

	messages, _, _ := rec.snapshot()
	assert.Equal(t, []string{`{"type":"chat_acknowledgment"}`}, messages)
}

func TestSendControlFillsClientID(t *testing.T) {
	relay := newFakeRelay(t)
	l := connectLink(t, relay)

	require.NoError(t, l.ReplayIncompleteMessage(context.Background()))
	require.Eventually(t, func() bool { return len(relay.frames()) == 1 }, 2*time.Second, 10*time.Millisecond)

	msg, err := relayproto.Parse(relay.frames()[0], relayproto.IsClientType)
	require.NoError(t, err)
	assert.Equal(t, relayproto.TypeRecoverMessages, msg.Type)
	assert.Equal(t, "client-1", msg.ClientID)
}

func TestDisconnectRaisedOnce(t *testing.T) {
	relay := newFakeRelay(t)
	l := connectLink(t, relay)
	rec := newRecorder()
	l.Subscribe(rec)

	relay.drop()

	select {
	case <-rec.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not raised")
	}
	assert.False(t, l.IsConnected())

	err := l.SendText(context.Background(), []byte("late"))
	assert.ErrorIs(t, err, ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	_, _, disconnects := rec.snapshot()
	assert.Equal(t, 1, disconnects)
}

func TestCloseDoesNotRaiseDisconnect(t *testing.T) {
	relay := newFakeRelay(t)
	l := connectLink(t, relay)
	rec := newRecorder()
	l.Subscribe(rec)

	require.NoError(t, l.Close())
	assert.False(t, l.IsConnected())
	assert.ErrorIs(t, l.Connect(context.Background()), ErrDisposed)

	time.Sleep(50 * time.Millisecond)
	_, _, disconnects := rec.snapshot()
	assert.Zero(t, disconnects)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	relay := newFakeRelay(t)
	l := connectLink(t, relay)
	rec := newRecorder()
	unsubscribe := l.Subscribe(rec)
	unsubscribe()
	unsubscribe()

	other := newRecorder()
	l.Subscribe(other)
	relay.write([]byte(`{"type":"chat_acknowledgment"}`))

	require.Eventually(t, func() bool {
		messages, _, _ := other.snapshot()
		return len(messages) == 1
	}, 2*time.Second, 10*time.Millisecond)
	messages, _, _ := rec.snapshot()
	assert.Empty(t, messages)
}

func TestIsExpectedTeardown(t *testing.T) {
	l := New(Config{URL: "ws://127.0.0.1:1/relay"}, zerolog.Nop())

	assert.True(t, l.IsExpectedTeardown(nil))
	assert.True(t, l.IsExpectedTeardown(context.Canceled))
	assert.True(t, l.IsExpectedTeardown(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.False(t, l.IsExpectedTeardown(errors.New("boom")))
	assert.False(t, l.IsExpectedTeardown(&websocket.CloseError{Code: websocket.CloseInternalServerErr}))

	_ = l.Close()
	assert.True(t, l.IsExpectedTeardown(errors.New("boom")))
}
