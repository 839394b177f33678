// Package config loads the engine configuration from a TOML file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the engine configuration file.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server    ServerConfig    `toml:"server"`
	Transport TransportConfig `toml:"transport"`
	Messaging MessagingConfig `toml:"messaging"`
	Typing    TypingConfig    `toml:"typing"`
}

// ServerConfig holds backend endpoints.
type ServerConfig struct {
	ChatURL     string `toml:"chat_url"`
	PresenceURL string `toml:"presence_url"`
	UploadURL   string `toml:"upload_url"`
}

// TransportConfig holds connection lifecycle tuning.
type TransportConfig struct {
	HeartbeatSeconds       int `toml:"heartbeat_seconds"`
	ChatBackoffBaseSeconds int `toml:"chat_backoff_base_seconds"`
	ChatBackoffCapSeconds  int `toml:"chat_backoff_cap_seconds"`
	PresenceBackoffBaseSec int `toml:"presence_backoff_base_seconds"`
	PresenceBackoffCapSec  int `toml:"presence_backoff_cap_seconds"`
}

// MessagingConfig holds outbound pipeline and read receipt tuning.
type MessagingConfig struct {
	ConfirmTimeoutMillis int `toml:"confirm_timeout_ms"`
	ReceiptFlushMillis   int `toml:"receipt_flush_ms"`
	PreviewLength        int `toml:"preview_length"`
}

// TypingConfig holds the typing signal windows.
type TypingConfig struct {
	LocalWindowMillis  int `toml:"local_window_ms"`
	RemoteExpiryMillis int `toml:"remote_expiry_ms"`
}

// Default returns the configuration used when no file overrides are present.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			HeartbeatSeconds:       30,
			ChatBackoffBaseSeconds: 3,
			ChatBackoffCapSeconds:  10,
			PresenceBackoffBaseSec: 3,
			PresenceBackoffCapSec:  30,
		},
		Messaging: MessagingConfig{
			ConfirmTimeoutMillis: 5000,
			ReceiptFlushMillis:   500,
			PreviewLength:        80,
		},
		Typing: TypingConfig{
			LocalWindowMillis:  1500,
			RemoteExpiryMillis: 3000,
		},
	}
}

// Load reads config from the given path, applying defaults for any field the
// file leaves unset. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Transport.HeartbeatSeconds <= 0 {
		c.Transport.HeartbeatSeconds = d.Transport.HeartbeatSeconds
	}
	if c.Transport.ChatBackoffBaseSeconds <= 0 {
		c.Transport.ChatBackoffBaseSeconds = d.Transport.ChatBackoffBaseSeconds
	}
	if c.Transport.ChatBackoffCapSeconds <= 0 {
		c.Transport.ChatBackoffCapSeconds = d.Transport.ChatBackoffCapSeconds
	}
	if c.Transport.PresenceBackoffBaseSec <= 0 {
		c.Transport.PresenceBackoffBaseSec = d.Transport.PresenceBackoffBaseSec
	}
	if c.Transport.PresenceBackoffCapSec <= 0 {
		c.Transport.PresenceBackoffCapSec = d.Transport.PresenceBackoffCapSec
	}
	if c.Messaging.ConfirmTimeoutMillis <= 0 {
		c.Messaging.ConfirmTimeoutMillis = d.Messaging.ConfirmTimeoutMillis
	}
	if c.Messaging.ReceiptFlushMillis <= 0 {
		c.Messaging.ReceiptFlushMillis = d.Messaging.ReceiptFlushMillis
	}
	if c.Messaging.PreviewLength <= 0 {
		c.Messaging.PreviewLength = d.Messaging.PreviewLength
	}
	if c.Typing.LocalWindowMillis <= 0 {
		c.Typing.LocalWindowMillis = d.Typing.LocalWindowMillis
	}
	if c.Typing.RemoteExpiryMillis <= 0 {
		c.Typing.RemoteExpiryMillis = d.Typing.RemoteExpiryMillis
	}
}

// Heartbeat returns the chat channel heartbeat interval.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Transport.HeartbeatSeconds) * time.Second
}

// ChatBackoff returns base and cap for the chat channel reconnect backoff.
func (c *Config) ChatBackoff() (base, cap time.Duration) {
	return time.Duration(c.Transport.ChatBackoffBaseSeconds) * time.Second,
		time.Duration(c.Transport.ChatBackoffCapSeconds) * time.Second
}

// PresenceBackoff returns base and cap for the presence channel backoff.
func (c *Config) PresenceBackoff() (base, cap time.Duration) {
	return time.Duration(c.Transport.PresenceBackoffBaseSec) * time.Second,
		time.Duration(c.Transport.PresenceBackoffCapSec) * time.Second
}

// ConfirmTimeout returns how long a sent message waits for confirmation
// before it is flagged.
func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Messaging.ConfirmTimeoutMillis) * time.Millisecond
}

// ReceiptFlush returns the read receipt batching window.
func (c *Config) ReceiptFlush() time.Duration {
	return time.Duration(c.Messaging.ReceiptFlushMillis) * time.Millisecond
}

// LocalTypingWindow returns the local typing debounce window.
func (c *Config) LocalTypingWindow() time.Duration {
	return time.Duration(c.Typing.LocalWindowMillis) * time.Millisecond
}

// RemoteTypingExpiry returns how long a remote typing indicator lives
// without a refresh.
func (c *Config) RemoteTypingExpiry() time.Duration {
	return time.Duration(c.Typing.RemoteExpiryMillis) * time.Millisecond
}
