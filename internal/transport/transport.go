// Package transport defines the contract the chat session state machine drives. Direct and
// relay-proxied sockets are two bindings of it.
package transport

import (
	"context"
	"net/http"

	"github.com/xiaot623/chatlink/internal/protocol"
)

// ConnectOptions describes the target session.
type ConnectOptions struct {
	ServiceURI     string
	ConversationID string
	Headers        http.Header
	// Recovery skips session negotiation; buffered traffic is expected to be replayed.
	Recovery bool
}

// ConnectResult is returned by Connect. Err is set when Success is false.
type ConnectResult struct {
	Success bool
	Err     error
}

// SendResult is returned by Send and StartCloudSession.
type SendResult struct {
	Success bool
	Err     error
}

// ReceiveResult is delivered for every inbound frame.
type ReceiveResult struct {
	RawData                    []byte
	DeserializedData           protocol.Message
	IsDeserializedSuccessfully bool
	Err                        error
}

// CloseInfo describes why a transport stopped.
type CloseInfo struct {
	Code   int
	Reason string
	Err    error
}

// Listener receives transport events. Calls for one transport are serialized.
type Listener interface {
	OnMessageReceived(ReceiveResult)
	OnClose(CloseInfo)
}

// Transport is the capability set the state machine needs.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) ConnectResult
	StartCloudSession(ctx context.Context, opts ConnectOptions) SendResult
	Send(ctx context.Context, msg protocol.Message) SendResult
	// Subscribe registers l and returns a function that removes it.
	Subscribe(l Listener) (unsubscribe func())
	Dispose()
}

// Connected returns a successful ConnectResult.
func Connected() ConnectResult { return ConnectResult{Success: true} }

// ConnectFailed wraps err in a failed ConnectResult.
func ConnectFailed(err error) ConnectResult { return ConnectResult{Err: err} }

// Sent returns a successful SendResult.
func Sent() SendResult { return SendResult{Success: true} }

// SendFailed wraps err in a failed SendResult.
func SendFailed(err error) SendResult { return SendResult{Err: err} }

// Decode turns a raw frame into a ReceiveResult using the shared protocol converter.
func Decode(raw []byte) ReceiveResult {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return ReceiveResult{RawData: raw, Err: err}
	}
	return ReceiveResult{RawData: raw, DeserializedData: msg, IsDeserializedSuccessfully: true}
}
