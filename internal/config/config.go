// Package config provides configuration for the chat client and the relay daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the client and relay configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Relay   RelayConfig   `yaml:"relay"`
	Chat    ChatConfig    `yaml:"chat"`
	Log     LogConfig     `yaml:"log"`
}

// ServiceConfig locates the orchestration service.
type ServiceConfig struct {
	URI            string `yaml:"uri" validate:"required,url"`
	Token          string `yaml:"token"`
	OrganizationID string `yaml:"organization_id"`
}

// RelayConfig covers both ends of the relay link.
type RelayConfig struct {
	// Daemon side
	ListenAddr      string        `yaml:"listen_addr" validate:"required"`
	BufferDSN       string        `yaml:"buffer_dsn" validate:"required"`
	BufferRetention time.Duration `yaml:"buffer_retention" validate:"gt=0"`
	SweepInterval   time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	MaxMessageSize  int64         `yaml:"max_message_size" validate:"gt=0"`

	// Client side
	URL               string        `yaml:"url" validate:"required,url"`
	ClientID          string        `yaml:"client_id" validate:"required"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" validate:"gt=0"`
	TickInterval      time.Duration `yaml:"tick_interval" validate:"gt=0"`
	ConnectAttempts   int           `yaml:"connect_attempts" validate:"gte=1"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
	BackoffUnit       time.Duration `yaml:"backoff_unit" validate:"gte=0"`
	PingTimeout       time.Duration `yaml:"ping_timeout" validate:"gt=0"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
	WriteTimeout      time.Duration `yaml:"write_timeout" validate:"gt=0"`
	// KeepRelayOnExit leaves the relay daemon running when the client exits, so a restarted
	// client can recover the session. By default the client tells the relay to shut down.
	KeepRelayOnExit bool `yaml:"keep_relay_on_exit"`
}

// ChatConfig holds session timeouts.
type ChatConfig struct {
	ChatTimeout           time.Duration `yaml:"chat_timeout" validate:"gt=0"`
	DiscussionInitTimeout time.Duration `yaml:"discussion_init_timeout" validate:"gt=0"`
	SendGrace             time.Duration `yaml:"send_grace" validate:"gt=0"`
	Mode                  string        `yaml:"mode" validate:"oneof=direct relay"`
	// PolicyPath is a rego module gating function calls. Empty uses the built-in policy.
	PolicyPath string `yaml:"policy_path"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			URI: "wss://assistant.example.com/v1/chat",
		},
		Relay: RelayConfig{
			ListenAddr:        "127.0.0.1:9870",
			BufferDSN:         "file:relay.db?cache=shared&mode=rwc",
			BufferRetention:   30 * time.Minute,
			SweepInterval:     time.Minute,
			MaxMessageSize:    1 << 20,
			URL:               "ws://127.0.0.1:9870/relay",
			ClientID:          "default",
			ReconnectInterval: 5 * time.Second,
			TickInterval:      500 * time.Millisecond,
			ConnectAttempts:   3,
			AttemptTimeout:    10 * time.Second,
			BackoffUnit:       time.Second,
			PingTimeout:       10 * time.Second,
			ShutdownGrace:     200 * time.Millisecond,
			WriteTimeout:      10 * time.Second,
		},
		Chat: ChatConfig{
			ChatTimeout:           600 * time.Second,
			DiscussionInitTimeout: 30 * time.Second,
			SendGrace:             2 * time.Second,
			Mode:                  "relay",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path, and
// environment variables, in that order, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service.URI = getEnv("CHATLINK_SERVICE_URI", c.Service.URI)
	c.Service.Token = getEnv("CHATLINK_SERVICE_TOKEN", c.Service.Token)
	c.Service.OrganizationID = getEnv("CHATLINK_ORGANIZATION_ID", c.Service.OrganizationID)

	c.Relay.ListenAddr = getEnv("CHATLINK_RELAY_LISTEN_ADDR", c.Relay.ListenAddr)
	c.Relay.BufferDSN = getEnv("CHATLINK_RELAY_BUFFER_DSN", c.Relay.BufferDSN)
	c.Relay.BufferRetention = getEnvDuration("CHATLINK_RELAY_BUFFER_RETENTION", c.Relay.BufferRetention)
	c.Relay.URL = getEnv("CHATLINK_RELAY_URL", c.Relay.URL)
	c.Relay.ClientID = getEnv("CHATLINK_RELAY_CLIENT_ID", c.Relay.ClientID)
	c.Relay.ReconnectInterval = getEnvDuration("CHATLINK_RELAY_RECONNECT_INTERVAL", c.Relay.ReconnectInterval)
	c.Relay.ConnectAttempts = getEnvInt("CHATLINK_RELAY_CONNECT_ATTEMPTS", c.Relay.ConnectAttempts)
	c.Relay.AttemptTimeout = getEnvDuration("CHATLINK_RELAY_ATTEMPT_TIMEOUT", c.Relay.AttemptTimeout)
	c.Relay.KeepRelayOnExit = getEnvBool("CHATLINK_RELAY_KEEP_ON_EXIT", c.Relay.KeepRelayOnExit)
	c.Relay.MaxMessageSize = int64(getEnvInt("CHATLINK_RELAY_MAX_MESSAGE_SIZE", int(c.Relay.MaxMessageSize)))

	c.Chat.ChatTimeout = getEnvDuration("CHATLINK_CHAT_TIMEOUT", c.Chat.ChatTimeout)
	c.Chat.DiscussionInitTimeout = getEnvDuration("CHATLINK_DISCUSSION_INIT_TIMEOUT", c.Chat.DiscussionInitTimeout)
	c.Chat.Mode = getEnv("CHATLINK_MODE", c.Chat.Mode)
	c.Chat.PolicyPath = getEnv("CHATLINK_POLICY_PATH", c.Chat.PolicyPath)

	c.Log.Level = getEnv("CHATLINK_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("CHATLINK_LOG_FORMAT", c.Log.Format)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go duration strings ("30s") or plain milliseconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}
