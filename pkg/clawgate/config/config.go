// Package config defines the clawgate configuration file and its defaults.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels/discord"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/telegram"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/whatsapp"
	"github.com/jholhewres/clawgate/pkg/clawgate/heartbeat"
)

// Config is the root of clawgate.yaml.
type Config struct {
	// DataDir holds sessions, the vault and the pid file unless those are
	// set explicitly.
	DataDir string `yaml:"data_dir"`

	Logging   LoggingConfig    `yaml:"logging"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Agent     AgentConfig      `yaml:"agent"`
	Sessions  SessionsConfig   `yaml:"sessions"`
	Auth      AuthConfig       `yaml:"auth"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Heartbeat heartbeat.Config `yaml:"heartbeat"`
	Daemon    DaemonConfig     `yaml:"daemon"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// GatewayConfig configures the realtime WebSocket gateway.
type GatewayConfig struct {
	Address string `yaml:"address"`

	// AuthToken is required on every upgrade. Empty disables auth.
	AuthToken string `yaml:"auth_token"`

	// StaticDir serves a browser client from the same origin.
	StaticDir string `yaml:"static_dir"`

	// QueueSize bounds each connection's outbound queue.
	QueueSize int `yaml:"queue_size"`
}

// AgentConfig configures the default session engine.
type AgentConfig struct {
	// BaseURL is an OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey enables the remote completer. Without it replies are echoed.
	APIKey string `yaml:"api_key"`

	// Provider is the auth provider whose stored credential supplies the
	// key when APIKey is empty.
	Provider string `yaml:"provider"`

	DefaultModel string        `yaml:"default_model"`
	Models       []string      `yaml:"models"`
	SystemPrompt string        `yaml:"system_prompt"`
	HistoryLimit int           `yaml:"history_limit"`
	CompactKeep  int           `yaml:"compact_keep"`
	BashTimeout  time.Duration `yaml:"bash_timeout"`
}

// SessionsConfig configures the registry and the conversation lock.
type SessionsConfig struct {
	// Dir holds one directory per conversation key.
	Dir string `yaml:"dir"`

	// TurnTimeout aborts a lock holder that runs too long. Zero disables it.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// ReleaseGrace is how long a timed-out action gets to return before
	// the lock moves on.
	ReleaseGrace time.Duration `yaml:"release_grace"`

	// Models pins a model per conversation key.
	Models map[string]string `yaml:"models"`

	// AbortTriggers are messages that cancel the running turn instead of
	// queueing.
	AbortTriggers []string `yaml:"abort_triggers"`
}

// AuthConfig lists the login providers and where credentials live.
type AuthConfig struct {
	// Keyring stores credentials in the OS keyring when available.
	Keyring bool `yaml:"keyring"`

	// VaultPath is the encrypted fallback store.
	VaultPath string `yaml:"vault_path"`

	Providers []ProviderConfig `yaml:"providers"`
}

// Provider kinds.
const (
	ProviderAPIKey     = "api_key"
	ProviderPKCE       = "pkce"
	ProviderDeviceCode = "device_code"
)

// ProviderConfig describes one login provider.
type ProviderConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Type is api_key, pkce or device_code.
	Type string `yaml:"type"`

	ConsoleURL  string   `yaml:"console_url"`
	AuthURL     string   `yaml:"auth_url"`
	TokenURL    string   `yaml:"token_url"`
	DeviceURL   string   `yaml:"device_url"`
	ClientID    string   `yaml:"client_id"`
	RedirectURI string   `yaml:"redirect_uri"`
	Scopes      []string `yaml:"scopes"`
}

// ChannelsConfig groups the messaging adapters.
type ChannelsConfig struct {
	Telegram telegram.Config `yaml:"telegram"`
	Discord  discord.Config  `yaml:"discord"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
}

// DaemonConfig controls background mode.
type DaemonConfig struct {
	PIDFile string `yaml:"pid_file"`
	LogFile string `yaml:"log_file"`
}

// DefaultAbortTriggers cancel a running turn when sent alone.
var DefaultAbortTriggers = []string{
	"stop", "cancel", "abort", "halt", "wait",
	"pare", "para", "parar", "cancela", "cancelar",
	"/stop", "/cancel", "/abort",
}

// Default returns a Config with every section set to its defaults.
func Default() *Config {
	hb := heartbeat.DefaultConfig()
	hb.WorkspaceDir = ""
	return &Config{
		DataDir: "~/.clawgate",
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Gateway: GatewayConfig{
			Address:   "127.0.0.1:8788",
			QueueSize: 256,
		},
		Agent: AgentConfig{
			BaseURL:      "https://api.openai.com/v1",
			HistoryLimit: 40,
			CompactKeep:  4,
			BashTimeout:  60 * time.Second,
		},
		Sessions: SessionsConfig{
			TurnTimeout:   10 * time.Minute,
			ReleaseGrace:  5 * time.Second,
			AbortTriggers: DefaultAbortTriggers,
		},
		Auth: AuthConfig{Keyring: true},
		Channels: ChannelsConfig{
			Telegram: telegram.DefaultConfig(),
			Discord:  discord.DefaultConfig(),
			WhatsApp: whatsapp.DefaultConfig(),
		},
		Heartbeat: hb,
	}
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Gateway.QueueSize < 0 {
		return fmt.Errorf("gateway.queue_size must not be negative")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q: want text or json", c.Logging.Format)
	}
	seen := make(map[string]bool)
	for i, p := range c.Auth.Providers {
		if p.ID == "" {
			return fmt.Errorf("auth.providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("auth.providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		switch p.Type {
		case ProviderAPIKey:
		case ProviderPKCE:
			if p.AuthURL == "" || p.TokenURL == "" || p.ClientID == "" {
				return fmt.Errorf("auth.providers[%d] %s: pkce needs auth_url, token_url and client_id", i, p.ID)
			}
		case ProviderDeviceCode:
			if p.DeviceURL == "" || p.TokenURL == "" || p.ClientID == "" {
				return fmt.Errorf("auth.providers[%d] %s: device_code needs device_url, token_url and client_id", i, p.ID)
			}
		default:
			return fmt.Errorf("auth.providers[%d] %s: unknown type %q", i, p.ID, p.Type)
		}
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram: token is required when enabled")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return fmt.Errorf("channels.discord: token is required when enabled")
	}
	return nil
}

// fillDerived sets paths that default to locations under DataDir.
func (c *Config) fillDerived() {
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = filepath.Join(c.DataDir, "sessions")
	}
	if c.Auth.VaultPath == "" {
		c.Auth.VaultPath = filepath.Join(c.DataDir, "vault.json")
	}
	if c.Daemon.PIDFile == "" {
		c.Daemon.PIDFile = filepath.Join(c.DataDir, "clawgate.pid")
	}
	if c.Daemon.LogFile == "" {
		c.Daemon.LogFile = filepath.Join(c.DataDir, "clawgate.log")
	}
	if c.Channels.WhatsApp.DatabasePath == "" && c.Channels.WhatsApp.SessionDir == "" {
		c.Channels.WhatsApp.SessionDir = filepath.Join(c.DataDir, "whatsapp")
	}
	if c.Heartbeat.WorkspaceDir == "" {
		c.Heartbeat.WorkspaceDir = c.DataDir
	}
}

// SlogLevel maps Level to a slog level; unknown values mean info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the process logger. verbose forces debug.
func (l LoggingConfig) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := l.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
