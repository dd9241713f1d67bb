// Package protocol defines the message protocol between clients and the orchestration service.
package protocol

import "encoding/json"

// Type is the message discriminator carried in the "type" field.
type Type string

// Message types from service to client
const (
	TypeDiscussionInit       Type = "discussion_init"
	TypeCapabilitiesRequest  Type = "capabilities_request"
	TypeChatAcknowledgment   Type = "chat_acknowledgment"
	TypeChatResponse         Type = "chat_response"
	TypeFunctionCallRequest  Type = "function_call_request"
	TypeCancelAcknowledgment Type = "cancel_acknowledgment"
	TypeServerDisconnect     Type = "server_disconnect"
)

// Message types from client to service
const (
	TypeChatRequest          Type = "chat_request"
	TypeEditRunCommand       Type = "edit_run_command"
	TypeCancelRequest        Type = "cancel_request"
	TypeFunctionCallResponse Type = "function_call_response"
	TypeCapabilitiesResponse Type = "capabilities_response"
	TypeClientDisconnect     Type = "client_disconnect"
)

// Message is implemented by every protocol message.
type Message interface {
	MessageType() Type
}

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type Type  `json:"type"`
	Ts   int64 `json:"ts,omitempty"`
}

// MessageType returns the discriminator.
func (b BaseMessage) MessageType() Type { return b.Type }

// DiscussionInit is the first message of a session. It assigns the conversation id and limits.
type DiscussionInit struct {
	BaseMessage
	ConversationID     string `json:"conversation_id"`
	MaxMessageSize     int    `json:"max_message_size,omitempty"`
	ChatTimeoutSeconds int    `json:"chat_timeout_seconds,omitempty"`
}

// CapabilitiesRequest asks the client which functions it can execute.
type CapabilitiesRequest struct {
	BaseMessage
	ID string `json:"id,omitempty"`
}

// ChatAcknowledgment confirms a chat request was accepted.
type ChatAcknowledgment struct {
	BaseMessage
	RequestID string `json:"request_id,omitempty"`
}

// ChatResponse carries one fragment of a streamed answer. Fragments of one logical
// message share ID; the last one may be empty with IsLastFragment set.
type ChatResponse struct {
	BaseMessage
	ID             string `json:"id"`
	Fragment       string `json:"fragment"`
	IsLastFragment bool   `json:"is_last_fragment"`
}

// FunctionCallRequest asks the client to run a function.
type FunctionCallRequest struct {
	BaseMessage
	FunctionID string          `json:"function_id"`
	CallID     string          `json:"call_id"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// CancelAcknowledgment confirms a cancel request.
type CancelAcknowledgment struct {
	BaseMessage
	RequestID string `json:"request_id,omitempty"`
}

// DisconnectKind tags why the service is closing the session.
type DisconnectKind string

const (
	DisconnectGraceful      DisconnectKind = "graceful"
	DisconnectNoCapacity    DisconnectKind = "no_capacity"
	DisconnectCriticalError DisconnectKind = "critical_error"
	DisconnectInformational DisconnectKind = "informational"
)

// DisconnectReason is the tagged reason of a server disconnect.
type DisconnectReason struct {
	Kind    DisconnectKind `json:"kind"`
	Message string         `json:"message,omitempty"`
}

// ServerDisconnect tells the client the service is ending the session.
type ServerDisconnect struct {
	BaseMessage
	Reason DisconnectReason `json:"reason"`
}

// ChatRequest starts a new chat exchange.
type ChatRequest struct {
	BaseMessage
	RequestID string            `json:"request_id"`
	Prompt    string            `json:"prompt"`
	Context   map[string]string `json:"context,omitempty"`
	Agent     string            `json:"agent,omitempty"`
	Mode      string            `json:"mode,omitempty"`
}

// EditRunCommand replaces the command attached to a previous answer.
type EditRunCommand struct {
	BaseMessage
	MessageID string `json:"message_id"`
	Command   string `json:"command"`
}

// CancelRequest asks the service to stop the current chat exchange.
type CancelRequest struct {
	BaseMessage
	RequestID string `json:"request_id,omitempty"`
}

// FunctionError describes a failed function call.
type FunctionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FunctionCallResponse answers a FunctionCallRequest.
type FunctionCallResponse struct {
	BaseMessage
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *FunctionError  `json:"error,omitempty"`
}

// FunctionDescriptor advertises one callable function.
type FunctionDescriptor struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// CapabilitiesResponse answers a CapabilitiesRequest.
type CapabilitiesResponse struct {
	BaseMessage
	ID        string               `json:"id,omitempty"`
	Functions []FunctionDescriptor `json:"functions"`
}

// ClientDisconnect tells the service why the client is leaving.
type ClientDisconnect struct {
	BaseMessage
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}
