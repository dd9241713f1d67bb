package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/chatlink/internal/protocol"
	"github.com/xiaot623/chatlink/internal/transport"
)

// handle processes one inbound frame. Frames arrive in order from one read loop. The validity
// check and the transition happen under one lock hold; side effects run after it is released.
func (s *Session) handle(r transport.ReceiveResult) {
	if !r.IsDeserializedSuccessfully {
		if s.State() != Closed {
			s.violation("undecodable message", r.Err)
		}
		return
	}
	msg := r.DeserializedData

	var ev events
	s.mu.Lock()
	state := s.state
	if state == Closed {
		s.mu.Unlock()
		return
	}
	if !state.Accepts(msg.MessageType()) {
		s.mu.Unlock()
		s.violation(fmt.Sprintf("%s not valid in state %s", msg.MessageType(), state), nil)
		return
	}

	switch m := msg.(type) {
	case *protocol.DiscussionInit:
		s.onDiscussionInit(m, &ev)
	case *protocol.CapabilitiesRequest:
		s.onCapabilitiesRequest(m, &ev)
	case *protocol.ChatAcknowledgment:
		s.onChatAcknowledgment(m, &ev)
	case *protocol.ChatResponse:
		s.onChatResponse(m, &ev)
	case *protocol.FunctionCallRequest:
		s.onFunctionCallRequest(m, &ev)
	case *protocol.CancelAcknowledgment:
		s.onCancelAcknowledgment(m, &ev)
	case *protocol.ServerDisconnect:
		s.mu.Unlock()
		s.disconnect(serverDisconnectReason(m.Reason))
		return
	default:
		s.mu.Unlock()
		s.violation(fmt.Sprintf("unexpected %s", msg.MessageType()), nil)
		return
	}
	s.mu.Unlock()
	ev.fire()
}

func (s *Session) onDiscussionInit(m *protocol.DiscussionInit, ev *events) {
	if m.ConversationID != "" {
		s.conversationID = m.ConversationID
	}
	s.maxMessageSize = m.MaxMessageSize
	if m.ChatTimeoutSeconds > 0 {
		s.chatTimeout = time.Duration(m.ChatTimeoutSeconds) * time.Second
	}
	if s.initTimer != nil {
		s.initTimer.Stop()
		s.initTimer = nil
	}
	s.setState(Idle, ev)

	s.logger.Info().Str("conversation_id", m.ConversationID).Int("max_message_size", m.MaxMessageSize).
		Int("chat_timeout_seconds", m.ChatTimeoutSeconds).Msg("discussion initialized")
	if fn := s.hooks.OnDiscussionInitialized; fn != nil {
		*ev = append(*ev, func() { fn(m) })
	}
}

func (s *Session) onCapabilitiesRequest(m *protocol.CapabilitiesRequest, ev *events) {
	*ev = append(*ev, func() {
		functions := []protocol.FunctionDescriptor{}
		if s.caps != nil {
			functions = append(functions, s.caps.Functions()...)
		}
		resp := &protocol.CapabilitiesResponse{
			BaseMessage: protocol.Base(protocol.TypeCapabilitiesResponse),
			ID:          m.ID,
			Functions:   functions,
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendGrace)
		defer cancel()
		if res := s.transport.Send(ctx, resp); !res.Success {
			s.logger.Warn().Err(res.Err).Msg("capabilities response not sent")
		}
	})
}

func (s *Session) onChatAcknowledgment(m *protocol.ChatAcknowledgment, ev *events) {
	cr := s.current
	s.setState(AwaitingChatResponse, ev)

	requestID := m.RequestID
	if cr != nil && requestID == "" {
		requestID = cr.id
	}
	*ev = append(*ev, func() {
		if cr != nil {
			cr.status.setState(StreamAcknowledged)
		}
		if fn := s.hooks.OnChatAcknowledged; fn != nil {
			fn(requestID)
		}
	})
}

func (s *Session) onChatResponse(m *protocol.ChatResponse, ev *events) {
	cr := s.current
	s.accumulator.WriteString(m.Fragment)
	frag := Fragment{ID: m.ID, Text: m.Fragment, IsLastFragment: m.IsLastFragment}
	if cr != nil {
		frag.RequestID = cr.id
		cr.markStreaming()
	}
	if m.IsLastFragment {
		s.current = nil
		s.setState(Idle, ev)
	} else {
		s.setState(ProcessingStream, ev)
	}

	*ev = append(*ev, func() {
		if cr != nil {
			cr.status.append(frag)
			if m.IsLastFragment {
				cr.status.finish(StreamCompleted, nil)
				cr.cancel()
			}
		}
		if fn := s.hooks.OnChatResponse; fn != nil {
			fn(frag)
		}
	})
}

// onFunctionCallRequest dispatches the call without waiting for it. The call context derives
// from the active chat request, so cancelling the chat cancels the call.
func (s *Session) onFunctionCallRequest(m *protocol.FunctionCallRequest, ev *events) {
	parent := s.ctx
	if s.current != nil {
		parent = s.current.ctx
	}

	*ev = append(*ev, func() {
		if fn := s.hooks.OnFunctionCall; fn != nil {
			fn(m)
		}

		if s.caller == nil {
			go func() {
				ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendGrace)
				defer cancel()
				ferr := &protocol.FunctionError{Code: "unavailable", Message: "no function handler configured"}
				if err := s.SendFunctionCallResponse(ctx, m.CallID, nil, ferr); err != nil {
					s.logger.Debug().Err(err).Str("call_id", m.CallID).Msg("function call rejection not sent")
				}
			}()
			return
		}

		callCtx, cancel := context.WithCancel(parent)
		go func() {
			defer cancel()
			s.caller.CallByLLM(callCtx, s, m.FunctionID, m.Parameters, m.CallID)
		}()
	})
}

func (s *Session) onCancelAcknowledgment(m *protocol.CancelAcknowledgment, ev *events) {
	cr := s.current
	s.current = nil
	s.setState(Idle, ev)

	s.logger.Info().Str("request_id", m.RequestID).Msg("chat request cancelled")
	if cr != nil {
		*ev = append(*ev, func() { cr.status.finish(StreamCancelled, nil) })
	}
}
