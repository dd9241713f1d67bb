package relayproto

import (
	"errors"
	"net/http"
	"testing"
)

func TestParseControlMessages(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"PONG","id":"p1","clientId":"c1"}`), IsRelayType)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Type != TypePong || msg.ID != "p1" || msg.ClientID != "c1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseRejectsNonControl(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		known func(Type) bool
	}{
		{"not json", `plain text`, IsRelayType},
		{"application frame", `{"type":"chat_response","fragment":"x"}`, IsRelayType},
		{"missing type", `{"id":"p1"}`, IsClientType},
		{"wrong direction", `{"type":"PING"}`, IsRelayType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw), tt.known)
			if !errors.Is(err, ErrNotControl) {
				t.Fatalf("expected ErrNotControl, got %v", err)
			}
		})
	}
}

func TestDirections(t *testing.T) {
	for _, ty := range []Type{TypePing, TypeShutdown, TypeBlockIncomingCloudMessages, TypeRecoverMessages, TypeSessionStart, TypeSessionEnd} {
		if !IsClientType(ty) || IsRelayType(ty) {
			t.Fatalf("%s should be a client type only", ty)
		}
	}
	for _, ty := range []Type{TypePong, TypeRecoverMessagesCompleted, TypeMessageParseError, TypeUnknownMessageType} {
		if !IsRelayType(ty) || IsClientType(ty) {
			t.Fatalf("%s should be a relay type only", ty)
		}
	}
}

func TestSessionStartRoundTrip(t *testing.T) {
	headers := http.Header{"Authorization": []string{"Bearer x"}}
	data, err := Encode(NewSessionStart("c1", "wss://svc/chat", "conv-1", headers))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	headers.Set("Authorization", "mutated")

	msg, err := Parse(data, IsClientType)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Session == nil {
		t.Fatal("expected session payload")
	}
	if msg.Session.URI != "wss://svc/chat" || msg.Session.ConversationID != "conv-1" {
		t.Fatalf("unexpected session: %+v", msg.Session)
	}
	if got := msg.Session.Headers["Authorization"]; len(got) != 1 || got[0] != "Bearer x" {
		t.Fatalf("unexpected headers: %v", got)
	}
	if msg.Timestamp == 0 {
		t.Fatal("expected timestamp")
	}
}
