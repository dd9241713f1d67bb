// Package relayproto defines the control protocol spoken between a client and the local relay process.
package relayproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Type is the control message discriminator carried in the "type" field.
type Type string

// Message types from client to relay
const (
	TypePing                       Type = "PING"
	TypeShutdown                   Type = "SHUTDOWN"
	TypeBlockIncomingCloudMessages Type = "BLOCK_INCOMING_CLOUD_MESSAGES"
	TypeRecoverMessages            Type = "RECOVER_MESSAGES"
	TypeSessionStart               Type = "SESSION_START"
	TypeSessionEnd                 Type = "SESSION_END"
)

// Message types from relay to client
const (
	TypePong                     Type = "PONG"
	TypeRecoverMessagesCompleted Type = "RECOVER_MESSAGES_COMPLETED"
	TypeMessageParseError        Type = "MESSAGE_PARSE_ERROR"
	TypeUnknownMessageType       Type = "UNKNOWN_MESSAGE_TYPE"
)

var clientTypes = map[Type]bool{
	TypePing:                       true,
	TypeShutdown:                   true,
	TypeBlockIncomingCloudMessages: true,
	TypeRecoverMessages:            true,
	TypeSessionStart:               true,
	TypeSessionEnd:                 true,
}

var relayTypes = map[Type]bool{
	TypePong:                     true,
	TypeRecoverMessagesCompleted: true,
	TypeMessageParseError:        true,
	TypeUnknownMessageType:       true,
}

// IsClientType reports whether t is sent by clients to the relay.
func IsClientType(t Type) bool { return clientTypes[t] }

// IsRelayType reports whether t is sent by the relay to clients.
func IsRelayType(t Type) bool { return relayTypes[t] }

// Message is a relay control message. ID is only set for request/response pairs (PING/PONG).
type Message struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Session   *SessionStart   `json:"session,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// SessionStart is the payload of a SESSION_START message.
type SessionStart struct {
	URI            string              `json:"uri"`
	ConversationID string              `json:"conversationId,omitempty"`
	Headers        map[string][]string `json:"headers,omitempty"`
}

// ErrNotControl is returned by Parse when the text is not a relay control message.
var ErrNotControl = errors.New("not a relay control message")

// New creates a control message stamped with the current time.
func New(t Type, clientID string) Message {
	return Message{
		Type:      t,
		ClientID:  clientID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewSessionStart creates a SESSION_START message for the given target.
func NewSessionStart(clientID, uri, conversationID string, headers http.Header) Message {
	msg := New(TypeSessionStart, clientID)
	msg.Session = &SessionStart{
		URI:            uri,
		ConversationID: conversationID,
		Headers:        map[string][]string(headers.Clone()),
	}
	return msg
}

// Parse decodes text as a control message whose type belongs to known. Text that is not
// JSON, has no type, or carries a type outside known yields ErrNotControl.
func Parse(text []byte, known func(Type) bool) (Message, error) {
	var msg Message
	if err := json.Unmarshal(text, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrNotControl, err)
	}
	if msg.Type == "" || !known(msg.Type) {
		return Message{}, ErrNotControl
	}
	return msg, nil
}

// Encode serializes a control message.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}
	return data, nil
}
