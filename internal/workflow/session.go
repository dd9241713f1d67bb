// Package workflow implements the chat session state machine. It is written once against the
// transport contract and validates every inbound message against the current state.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xiaot623/chatlink/internal/protocol"
	"github.com/xiaot623/chatlink/internal/transport"
)

// FunctionCaller executes function calls requested by the service. It is invoked on its own
// goroutine and must eventually answer through SendFunctionCallResponse.
type FunctionCaller interface {
	CallByLLM(ctx context.Context, s *Session, functionID string, params json.RawMessage, callID string)
}

// CapabilityProvider lists the functions advertised in capability responses.
type CapabilityProvider interface {
	Functions() []protocol.FunctionDescriptor
}

// Credentials supplies the headers sent on connect and session start.
type Credentials interface {
	Headers(ctx context.Context) (http.Header, error)
}

// ChatRequestSent describes an outbound chat request, for history stores.
type ChatRequestSent struct {
	RequestID      string
	ConversationID string
	Prompt         string
	IsFirstMessage bool
}

// Hooks are optional observers; they run outside the session lock.
type Hooks struct {
	OnStateChanged          func(from, to State)
	OnDiscussionInitialized func(*protocol.DiscussionInit)
	OnChatAcknowledged      func(requestID string)
	OnChatResponse          func(Fragment)
	OnFunctionCall          func(*protocol.FunctionCallRequest)
	OnChatRequestSent       func(ChatRequestSent)
	OnClose                 func(CloseReason)
}

// Config holds session timeouts.
type Config struct {
	ServiceURI            string
	ChatTimeout           time.Duration
	DiscussionInitTimeout time.Duration
	SendGrace             time.Duration
}

func (c *Config) setDefaults() {
	if c.ChatTimeout <= 0 {
		c.ChatTimeout = 600 * time.Second
	}
	if c.DiscussionInitTimeout <= 0 {
		c.DiscussionInitTimeout = 30 * time.Second
	}
	if c.SendGrace <= 0 {
		c.SendGrace = 2 * time.Second
	}
}

// StartOptions selects a fresh or recovered session.
type StartOptions struct {
	ConversationID string
	// Recovery skips session negotiation. The relay is expected to replay buffered traffic.
	Recovery bool
	// Resume is the state a recovered session continues from: an in-flight state, Canceling,
	// or Idle when unset.
	Resume State
	// RequestID identifies the in-flight request when Resume is an in-flight state.
	RequestID string
}

// ChatRequest is what callers send.
type ChatRequest struct {
	Prompt  string
	Context map[string]string
	Agent   string
	Mode    string
}

// Option customizes a Session.
type Option func(*Session)

// WithClock replaces the clock used for timeouts.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithHooks installs event observers.
func WithHooks(h Hooks) Option {
	return func(s *Session) { s.hooks = h }
}

// WithFunctionCaller installs the function-call collaborator.
func WithFunctionCaller(fc FunctionCaller) Option {
	return func(s *Session) { s.caller = fc }
}

// WithCapabilities installs the capability provider.
func WithCapabilities(p CapabilityProvider) Option {
	return func(s *Session) { s.caps = p }
}

// WithCredentials installs the credential collaborator.
func WithCredentials(c Credentials) Option {
	return func(s *Session) { s.creds = c }
}

type chatRequest struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	status *StreamStatus

	streaming     chan struct{}
	streamingOnce sync.Once
}

func (r *chatRequest) markStreaming() {
	r.streamingOnce.Do(func() { close(r.streaming) })
}

// Session is one conversational exchange over one transport. It is never reused after Closed.
type Session struct {
	cfg       Config
	transport transport.Transport
	logger    zerolog.Logger
	clock     clock.Clock
	hooks     Hooks
	caller    FunctionCaller
	caps      CapabilityProvider
	creds     Credentials

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	started        bool
	conversationID string
	maxMessageSize int
	chatTimeout    time.Duration
	accumulator    strings.Builder
	hasSent        bool
	current        *chatRequest
	closeReason    *CloseReason
	unsubscribe    func()
	initTimer      *clock.Timer

	closeOnce sync.Once
}

// New creates a session over t. Call Start to connect.
func New(t transport.Transport, cfg Config, logger zerolog.Logger, opts ...Option) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg:         cfg,
		transport:   t,
		logger:      logger.With().Str("component", "workflow").Logger(),
		clock:       clock.New(),
		chatTimeout: cfg.ChatTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the service-assigned id, or the one the session was started with.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// HasSentMessage reports whether at least one chat request went out.
func (s *Session) HasSentMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasSent
}

// Response returns the accumulated text of the current or last chat response.
func (s *Session) Response() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulator.String()
}

// CloseReason returns why the session closed, or nil while it is live.
func (s *Session) CloseReason() *CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == nil {
		return nil
	}
	r := *s.closeReason
	return &r
}

// CurrentStatus returns the status of the outstanding chat request, if any.
func (s *Session) CurrentStatus() *StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.status
}

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// events collects hook invocations produced under the lock.
type events []func()

func (e events) fire() {
	for _, fn := range e {
		fn()
	}
}

// setState must be called with s.mu held.
func (s *Session) setState(next State, ev *events) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("state changed")
	if fn := s.hooks.OnStateChanged; fn != nil {
		*ev = append(*ev, func() { fn(prev, next) })
	}
}

// Start connects the transport and, unless recovering, negotiates a new discussion.
func (s *Session) Start(ctx context.Context, opts StartOptions) error {
	s.mu.Lock()
	if s.started {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start called twice (state %s)", ErrInvalidOperation, state)
	}
	s.started = true
	s.conversationID = opts.ConversationID
	s.mu.Unlock()

	var headers http.Header
	if s.creds != nil {
		h, err := s.creds.Headers(ctx)
		if err != nil {
			return s.fail(CloseReason{Type: ConnectFailure, Info: "credentials unavailable", Err: err})
		}
		headers = h
	}
	connectOpts := transport.ConnectOptions{
		ServiceURI:     s.cfg.ServiceURI,
		ConversationID: opts.ConversationID,
		Headers:        headers,
		Recovery:       opts.Recovery,
	}

	unsub := s.transport.Subscribe(listener{s})
	var ev events
	s.mu.Lock()
	s.unsubscribe = unsub
	if opts.Recovery {
		s.resume(opts, &ev)
	} else {
		s.setState(AwaitingDiscussionInitialization, &ev)
	}
	s.mu.Unlock()
	ev.fire()

	if res := s.transport.Connect(ctx, connectOpts); !res.Success {
		return s.fail(CloseReason{Type: ConnectFailure, Info: "could not connect", Err: res.Err})
	}

	if opts.Recovery {
		s.logger.Info().Str("conversation_id", opts.ConversationID).Stringer("state", s.State()).Msg("session recovered")
		return nil
	}

	s.mu.Lock()
	s.initTimer = s.clock.AfterFunc(s.cfg.DiscussionInitTimeout, s.discussionInitTimedOut)
	s.mu.Unlock()

	if res := s.transport.StartCloudSession(ctx, connectOpts); !res.Success {
		return s.fail(CloseReason{Type: ConnectFailure, Info: "could not start session", Err: res.Err})
	}
	return nil
}

// resume must be called with s.mu held.
func (s *Session) resume(opts StartOptions, ev *events) {
	s.hasSent = true
	if !opts.Resume.InFlight() && opts.Resume != Canceling {
		s.setState(Idle, ev)
		return
	}
	id := opts.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	req := s.newRequest(id)
	s.current = req
	s.setState(opts.Resume, ev)
	switch opts.Resume {
	case Canceling:
		// The cancel request already went out; the replayed acknowledgment settles it.
		req.status.setState(StreamCancelling)
		req.cancel()
	case ProcessingStream:
		req.status.setState(StreamStreaming)
		req.markStreaming()
	default:
		go s.watchTimeout(req)
	}
}

func (s *Session) fail(reason CloseReason) error {
	s.disconnect(reason)
	return &CloseError{Reason: reason}
}

func (s *Session) discussionInitTimedOut() {
	if s.State() != AwaitingDiscussionInitialization {
		return
	}
	s.disconnect(CloseReason{
		Type: DiscussionInitializationTimeout,
		Info: fmt.Sprintf("no discussion init within %s", s.cfg.DiscussionInitTimeout),
	})
}

func (s *Session) newRequest(id string) *chatRequest {
	ctx, cancel := context.WithCancel(s.ctx)
	return &chatRequest{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		status:    newStreamStatus(id),
		streaming: make(chan struct{}),
	}
}

// checkSize must be called with s.mu held.
func (s *Session) checkSize(msg protocol.Message) error {
	if s.maxMessageSize <= 0 {
		return nil
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if len(data) > s.maxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), s.maxMessageSize)
	}
	return nil
}

// SendChatRequest sends a prompt. The session must be Idle. Cancelling ctx cancels the request.
func (s *Session) SendChatRequest(ctx context.Context, req ChatRequest) (*StreamStatus, error) {
	id := uuid.NewString()
	msg := &protocol.ChatRequest{
		BaseMessage: protocol.Base(protocol.TypeChatRequest),
		RequestID:   id,
		Prompt:      req.Prompt,
		Context:     req.Context,
		Agent:       req.Agent,
		Mode:        req.Mode,
	}

	var ev events
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: send chat request in state %s", ErrInvalidOperation, state)
	}
	if err := s.checkSize(msg); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.accumulator.Reset()
	cr := s.newRequest(id)
	s.current = cr
	first := !s.hasSent
	s.hasSent = true
	conversationID := s.conversationID
	s.setState(AwaitingChatAcknowledgement, &ev)
	s.mu.Unlock()
	ev.fire()

	if res := s.transport.Send(ctx, msg); !res.Success {
		s.disconnect(CloseReason{Type: UnderlyingTransportClosed, Info: "chat request not sent", Err: res.Err})
		return nil, fmt.Errorf("failed to send chat request: %w", res.Err)
	}

	if fn := s.hooks.OnChatRequestSent; fn != nil {
		fn(ChatRequestSent{RequestID: id, ConversationID: conversationID, Prompt: req.Prompt, IsFirstMessage: first})
	}

	go s.watchCancel(cr, ctx)
	go s.watchTimeout(cr)
	return cr.status, nil
}

// watchCancel turns caller cancellation into a cancel request. It exits quietly when the
// request ends for any other reason.
func (s *Session) watchCancel(cr *chatRequest, caller context.Context) {
	select {
	case <-cr.ctx.Done():
	case <-caller.Done():
		if err := s.cancelRequest(cr); err != nil {
			s.logger.Debug().Err(err).Str("request_id", cr.id).Msg("caller cancellation ignored")
		}
	}
}

// watchTimeout closes the session when no stream starts before the chat timeout.
func (s *Session) watchTimeout(cr *chatRequest) {
	s.mu.Lock()
	timeout := s.chatTimeout
	s.mu.Unlock()

	timer := s.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case <-cr.streaming:
	case <-cr.ctx.Done():
	case <-timer.C:
		s.mu.Lock()
		stale := s.current != cr || !s.state.InFlight() || s.state == ProcessingStream || cr.ctx.Err() != nil
		s.mu.Unlock()
		if stale {
			return
		}
		s.disconnect(CloseReason{
			Type: ChatResponseTimeout,
			Info: fmt.Sprintf("no response stream within %s", timeout),
		})
	}
}

// CancelCurrentChatRequest moves an in-flight request to Canceling and asks the service to stop.
func (s *Session) CancelCurrentChatRequest() error {
	s.mu.Lock()
	cr := s.current
	s.mu.Unlock()
	if cr == nil {
		return fmt.Errorf("%w: no chat request in flight (state %s)", ErrInvalidOperation, s.State())
	}
	return s.cancelRequest(cr)
}

func (s *Session) cancelRequest(cr *chatRequest) error {
	var ev events
	s.mu.Lock()
	if s.current != cr {
		s.mu.Unlock()
		return fmt.Errorf("%w: request %s no longer current", ErrInvalidOperation, cr.id)
	}
	if s.state == Canceling {
		s.mu.Unlock()
		return nil
	}
	if !s.state.InFlight() {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cancel in state %s", ErrInvalidOperation, state)
	}
	s.setState(Canceling, &ev)
	s.mu.Unlock()
	ev.fire()

	cr.status.setState(StreamCancelling)
	cr.cancel()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendGrace)
	defer cancel()
	msg := &protocol.CancelRequest{BaseMessage: protocol.Base(protocol.TypeCancelRequest), RequestID: cr.id}
	if res := s.transport.Send(ctx, msg); !res.Success {
		s.logger.Warn().Err(res.Err).Str("request_id", cr.id).Msg("cancel request not sent")
	}
	return nil
}

// SendFunctionCallResponse answers a function call. It does not change state.
func (s *Session) SendFunctionCallResponse(ctx context.Context, callID string, result json.RawMessage, ferr *protocol.FunctionError) error {
	msg := &protocol.FunctionCallResponse{
		BaseMessage: protocol.Base(protocol.TypeFunctionCallResponse),
		CallID:      callID,
		Result:      result,
		Error:       ferr,
	}

	s.mu.Lock()
	if s.state == Closed || s.state == NotStarted {
		s.mu.Unlock()
		return fmt.Errorf("%w: function call response %s dropped", ErrClosed, callID)
	}
	err := s.checkSize(msg)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if res := s.transport.Send(ctx, msg); !res.Success {
		return fmt.Errorf("failed to send function call response: %w", res.Err)
	}
	return nil
}

// SendEditRunCommandRequest replaces the command attached to a previous answer. Valid in Idle.
func (s *Session) SendEditRunCommandRequest(ctx context.Context, messageID, command string) error {
	msg := &protocol.EditRunCommand{
		BaseMessage: protocol.Base(protocol.TypeEditRunCommand),
		MessageID:   messageID,
		Command:     command,
	}

	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: edit run command in state %s", ErrInvalidOperation, state)
	}
	err := s.checkSize(msg)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if res := s.transport.Send(ctx, msg); !res.Success {
		return fmt.Errorf("failed to send edit run command: %w", res.Err)
	}
	return nil
}

// Close hangs up: the service is told the client is leaving, then everything is torn down.
func (s *Session) Close() error {
	s.disconnect(CloseReason{Type: ClientInitiated, Info: "closed by client"})
	return nil
}

// Dispose tears the session down locally without telling the service.
func (s *Session) Dispose() {
	s.teardown(CloseReason{Type: ClientInitiated, Info: "disposed"}, false)
}

func (s *Session) disconnect(reason CloseReason) {
	s.teardown(reason, reason.Type.notifiesRemote())
}

// teardown is the single exit path. It runs once; later calls are no-ops.
func (s *Session) teardown(reason CloseReason, notify bool) {
	s.closeOnce.Do(func() {
		var ev events
		s.mu.Lock()
		prev := s.state
		s.closeReason = &reason
		s.setState(Closed, &ev)
		cr := s.current
		s.current = nil
		unsub := s.unsubscribe
		s.unsubscribe = nil
		if s.initTimer != nil {
			s.initTimer.Stop()
		}
		s.mu.Unlock()

		if unsub != nil {
			unsub()
		}

		if notify && prev != NotStarted {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendGrace)
			msg := &protocol.ClientDisconnect{
				BaseMessage: protocol.Base(protocol.TypeClientDisconnect),
				Reason:      reason.Type.String(),
				Message:     reason.Info,
			}
			if res := s.transport.Send(ctx, msg); !res.Success {
				s.logger.Debug().Err(res.Err).Msg("client disconnect not delivered")
			}
			cancel()
		}

		s.transport.Dispose()
		s.cancel()

		if cr != nil {
			cr.status.finish(StreamFailed, &CloseError{Reason: reason})
		}

		evt := s.logger.Info()
		if reason.Type == ProtocolViolation || reason.Type == ChatResponseTimeout || reason.Type == ConnectFailure {
			evt = s.logger.Warn()
		}
		evt.Err(reason.Err).Stringer("from", prev).Str("reason", reason.String()).Msg("session closed")

		ev.fire()
		if fn := s.hooks.OnClose; fn != nil {
			fn(reason)
		}
	})
}

func (s *Session) violation(info string, err error) {
	s.disconnect(CloseReason{Type: ProtocolViolation, Info: info, Err: err})
}

// listener adapts the session to transport.Listener without exporting the callbacks.
type listener struct{ s *Session }

func (l listener) OnMessageReceived(r transport.ReceiveResult) { l.s.handle(r) }

func (l listener) OnClose(info transport.CloseInfo) {
	l.s.disconnect(CloseReason{
		Type: UnderlyingTransportClosed,
		Info: fmt.Sprintf("socket closed (code %d) %s", info.Code, info.Reason),
		Err:  info.Err,
	})
}
