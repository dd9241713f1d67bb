package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Relay.URL, cfg.Relay.URL)
	assert.Equal(t, 600*time.Second, cfg.Chat.ChatTimeout)
	assert.False(t, cfg.Relay.KeepRelayOnExit)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
service:
  uri: wss://svc.example.com/chat
  token: secret
chat:
  mode: direct
  chat_timeout: 90s
relay:
  client_id: laptop
  connect_attempts: 5
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://svc.example.com/chat", cfg.Service.URI)
	assert.Equal(t, "secret", cfg.Service.Token)
	assert.Equal(t, "direct", cfg.Chat.Mode)
	assert.Equal(t, 90*time.Second, cfg.Chat.ChatTimeout)
	assert.Equal(t, "laptop", cfg.Relay.ClientID)
	assert.Equal(t, 5, cfg.Relay.ConnectAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Chat.DiscussionInitTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "chat:\n  mode: direct\n")
	t.Setenv("CHATLINK_MODE", "relay")
	t.Setenv("CHATLINK_CHAT_TIMEOUT", "1500")
	t.Setenv("CHATLINK_RELAY_ATTEMPT_TIMEOUT", "3s")
	t.Setenv("CHATLINK_RELAY_CONNECT_ATTEMPTS", "not-a-number")
	t.Setenv("CHATLINK_RELAY_KEEP_ON_EXIT", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "relay", cfg.Chat.Mode)
	assert.Equal(t, 1500*time.Millisecond, cfg.Chat.ChatTimeout)
	assert.Equal(t, 3*time.Second, cfg.Relay.AttemptTimeout)
	assert.Equal(t, 3, cfg.Relay.ConnectAttempts)
	assert.True(t, cfg.Relay.KeepRelayOnExit)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad mode", "chat:\n  mode: carrier-pigeon\n"},
		{"bad uri", "service:\n  uri: not a url\n"},
		{"zero attempts", "relay:\n  connect_attempts: 0\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"bad yaml", "chat: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
