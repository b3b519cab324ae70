package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	JWT     JWTConfig     `mapstructure:"jwt" yaml:"jwt"`
	Call    CallConfig    `mapstructure:"call" yaml:"call"`
	LiveKit LiveKitConfig `mapstructure:"livekit" yaml:"livekit"`
}

// JWTConfig holds token signing configuration.
type JWTConfig struct {
	Secret   string        `mapstructure:"secret" yaml:"secret"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer"`
	Audience string        `mapstructure:"audience" yaml:"audience"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// CallConfig holds call lifecycle and billing defaults.
type CallConfig struct {
	// RingTimeout is how long a callee may ring before the call is missed.
	RingTimeout time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
	// HeartbeatTimeout is how long a silent connection counts as online.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	// DefaultVoiceRate and DefaultVideoRate are the per-minute prices, in
	// minor currency units, assigned to new accounts.
	DefaultVoiceRate int64 `mapstructure:"default_voice_rate" yaml:"default_voice_rate"`
	DefaultVideoRate int64 `mapstructure:"default_video_rate" yaml:"default_video_rate"`
}

// LiveKitConfig holds the optional media backend configuration.
type LiveKitConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	APISecret string `mapstructure:"api_secret" yaml:"api_secret"`
	WSURL     string `mapstructure:"ws_url" yaml:"ws_url"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		DatabasePath:      "callbridge.db",
		LogLevel:          "info",
		JWT: JWTConfig{
			Issuer:   "callbridge",
			Audience: "callbridge-clients",
			TTL:      24 * time.Hour,
		},
		Call: CallConfig{
			RingTimeout:      30 * time.Second,
			HeartbeatTimeout: 90 * time.Second,
			DefaultVoiceRate: 300,
			DefaultVideoRate: 600,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.JWT.Secret != "" {
		c.JWT.Secret = other.JWT.Secret
	}
	if other.JWT.TTL != 0 {
		c.JWT.TTL = other.JWT.TTL
	}
	if other.Call.RingTimeout != 0 {
		c.Call.RingTimeout = other.Call.RingTimeout
	}
	if other.Call.HeartbeatTimeout != 0 {
		c.Call.HeartbeatTimeout = other.Call.HeartbeatTimeout
	}
	if other.Call.DefaultVoiceRate != 0 {
		c.Call.DefaultVoiceRate = other.Call.DefaultVoiceRate
	}
	if other.Call.DefaultVideoRate != 0 {
		c.Call.DefaultVideoRate = other.Call.DefaultVideoRate
	}
	if other.LiveKit.Enabled {
		c.LiveKit = other.LiveKit
	}
}
