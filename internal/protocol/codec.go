package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownType is returned when the type discriminator is missing or not recognized.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned when a message is not valid JSON for its type.
	ErrMalformed = errors.New("malformed message")
)

var factories = map[Type]func() Message{
	TypeDiscussionInit:       func() Message { return &DiscussionInit{} },
	TypeCapabilitiesRequest:  func() Message { return &CapabilitiesRequest{} },
	TypeChatAcknowledgment:   func() Message { return &ChatAcknowledgment{} },
	TypeChatResponse:         func() Message { return &ChatResponse{} },
	TypeFunctionCallRequest:  func() Message { return &FunctionCallRequest{} },
	TypeCancelAcknowledgment: func() Message { return &CancelAcknowledgment{} },
	TypeServerDisconnect:     func() Message { return &ServerDisconnect{} },
	TypeChatRequest:          func() Message { return &ChatRequest{} },
	TypeEditRunCommand:       func() Message { return &EditRunCommand{} },
	TypeCancelRequest:        func() Message { return &CancelRequest{} },
	TypeFunctionCallResponse: func() Message { return &FunctionCallResponse{} },
	TypeCapabilitiesResponse: func() Message { return &CapabilitiesResponse{} },
	TypeClientDisconnect:     func() Message { return &ClientDisconnect{} },
}

// Decode parses raw into the concrete message type named by its "type" field.
func Decode(raw []byte) (Message, error) {
	var base BaseMessage
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	factory, ok := factories[base.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
	}

	msg := factory()
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: invalid %s: %v", ErrMalformed, base.Type, err)
	}
	return msg, nil
}

// Encode serializes msg.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.MessageType(), err)
	}
	return data, nil
}

// Base returns a BaseMessage of type t stamped with the current time.
func Base(t Type) BaseMessage {
	return BaseMessage{Type: t, Ts: time.Now().UnixMilli()}
}
