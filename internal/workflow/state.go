package workflow

import "github.com/xiaot623/chatlink/internal/protocol"

// State is the session protocol state.
type State int

const (
	NotStarted State = iota
	AwaitingDiscussionInitialization
	Idle
	AwaitingChatAcknowledgement
	AwaitingChatResponse
	ProcessingStream
	Canceling
	Closed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case AwaitingDiscussionInitialization:
		return "AwaitingDiscussionInitialization"
	case Idle:
		return "Idle"
	case AwaitingChatAcknowledgement:
		return "AwaitingChatAcknowledgement"
	case AwaitingChatResponse:
		return "AwaitingChatResponse"
	case ProcessingStream:
		return "ProcessingStream"
	case Canceling:
		return "Canceling"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// InFlight reports whether a chat request is outstanding in s.
func (s State) InFlight() bool {
	return s == AwaitingChatAcknowledgement || s == AwaitingChatResponse || s == ProcessingStream
}

// validInbound is the per-state inbound contract. Anything missing is a protocol violation.
// server_disconnect is accepted in every live state and handled separately.
var validInbound = map[State]map[protocol.Type]bool{
	AwaitingDiscussionInitialization: {
		protocol.TypeDiscussionInit: true,
	},
	Idle: {
		protocol.TypeCapabilitiesRequest: true,
		protocol.TypeFunctionCallRequest: true,
	},
	AwaitingChatAcknowledgement: {
		protocol.TypeCapabilitiesRequest: true,
		protocol.TypeFunctionCallRequest: true,
		protocol.TypeChatAcknowledgment:  true,
	},
	AwaitingChatResponse: {
		protocol.TypeCapabilitiesRequest: true,
		protocol.TypeFunctionCallRequest: true,
		protocol.TypeChatResponse:        true,
	},
	ProcessingStream: {
		protocol.TypeFunctionCallRequest: true,
		protocol.TypeChatResponse:        true,
	},
	Canceling: {
		protocol.TypeCancelAcknowledgment: true,
	},
}

// Accepts reports whether a message of type t is valid in state s.
func (s State) Accepts(t protocol.Type) bool {
	if s == NotStarted || s == Closed {
		return false
	}
	if t == protocol.TypeServerDisconnect {
		return true
	}
	return validInbound[s][t]
}
