package workflow

import (
	"errors"
	"fmt"

	"github.com/xiaot623/chatlink/internal/protocol"
)

var (
	// ErrInvalidOperation is returned when an outbound call is not legal in the current state.
	ErrInvalidOperation = errors.New("invalid operation for session state")
	// ErrMessageTooLarge is returned when an outbound message exceeds the negotiated limit.
	ErrMessageTooLarge = errors.New("message exceeds negotiated size")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// CloseReasonType classifies why a session ended.
type CloseReasonType int

const (
	ConnectFailure CloseReasonType = iota + 1
	DiscussionInitializationTimeout
	ChatResponseTimeout
	ProtocolViolation
	ServerDisconnectGraceful
	ServerDisconnectNoCapacity
	ServerDisconnectCriticalError
	ServerDisconnectInformational
	ClientInitiated
	UnderlyingTransportClosed
)

func (t CloseReasonType) String() string {
	switch t {
	case ConnectFailure:
		return "connect_failure"
	case DiscussionInitializationTimeout:
		return "discussion_initialization_timeout"
	case ChatResponseTimeout:
		return "chat_response_timeout"
	case ProtocolViolation:
		return "protocol_violation"
	case ServerDisconnectGraceful:
		return "server_disconnect_graceful"
	case ServerDisconnectNoCapacity:
		return "server_disconnect_no_capacity"
	case ServerDisconnectCriticalError:
		return "server_disconnect_critical_error"
	case ServerDisconnectInformational:
		return "server_disconnect_informational"
	case ClientInitiated:
		return "client_initiated"
	case UnderlyingTransportClosed:
		return "underlying_transport_closed"
	default:
		return "unknown"
	}
}

// notifiesRemote reports whether the service should be told why the client is leaving.
func (t CloseReasonType) notifiesRemote() bool {
	switch t {
	case DiscussionInitializationTimeout, ChatResponseTimeout, ProtocolViolation, ClientInitiated:
		return true
	}
	return false
}

// CloseReason is set exactly once per session.
type CloseReason struct {
	Type CloseReasonType
	Info string
	Err  error
}

func (r CloseReason) String() string {
	if r.Info == "" {
		return r.Type.String()
	}
	return r.Type.String() + ": " + r.Info
}

// CloseError carries a CloseReason through error returns.
type CloseError struct {
	Reason CloseReason
}

func (e *CloseError) Error() string {
	if e.Reason.Err != nil {
		return fmt.Sprintf("session closed (%s): %v", e.Reason, e.Reason.Err)
	}
	return fmt.Sprintf("session closed (%s)", e.Reason)
}

func (e *CloseError) Unwrap() error { return e.Reason.Err }

// Is makes errors.Is(err, ErrClosed) hold for every CloseError.
func (e *CloseError) Is(target error) bool { return target == ErrClosed }

func serverDisconnectReason(r protocol.DisconnectReason) CloseReason {
	switch r.Kind {
	case protocol.DisconnectGraceful:
		return CloseReason{Type: ServerDisconnectGraceful, Info: r.Message}
	case protocol.DisconnectNoCapacity:
		info := r.Message
		if info == "" {
			info = "service has no capacity"
		}
		return CloseReason{Type: ServerDisconnectNoCapacity, Info: info}
	case protocol.DisconnectCriticalError:
		return CloseReason{Type: ServerDisconnectCriticalError, Info: r.Message}
	case protocol.DisconnectInformational:
		return CloseReason{Type: ServerDisconnectInformational, Info: r.Message}
	default:
		return CloseReason{Type: ServerDisconnectCriticalError, Info: fmt.Sprintf("unrecognized disconnect kind %q: %s", r.Kind, r.Message)}
	}
}
