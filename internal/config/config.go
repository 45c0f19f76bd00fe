// Package config loads the coordinator's TOML configuration document,
// starting from an in-code defaults struct and validating required fields
// once the file has been decoded over it.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is used when COORDINATOR_CONFIG is unset.
const DefaultConfigPath = "config.toml"

// ConfigPathEnv names the environment variable that overrides the config
// file path.
const ConfigPathEnv = "COORDINATOR_CONFIG"

// ServerConfig controls the WebSocket listener and admission limits.
type ServerConfig struct {
	BindAddr            string `toml:"bind_addr"`
	WSPath              string `toml:"ws_path"`
	MaxConnections      int    `toml:"max_connections"`
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"`
	MaxFrameBytes       int64  `toml:"max_frame_bytes"`
}

// MonerodConfig points at the upstream daemon.
type MonerodConfig struct {
	RPCURL        string `toml:"rpc_url"`
	WalletAddress string `toml:"wallet_address"`
	ReserveSize   int    `toml:"reserve_size"`
	RPCTimeoutMs  int    `toml:"rpc_timeout_ms"`
}

// JobsConfig controls job lifetime and template refresh cadence.
type JobsConfig struct {
	JobTTLMs                  int64 `toml:"job_ttl_ms"`
	TemplateRefreshIntervalMs int64 `toml:"template_refresh_interval_ms"`
	StaleJobGraceMs           int64 `toml:"stale_job_grace_ms"`
}

// LimitsConfig controls per-session rate limiting.
type LimitsConfig struct {
	SubmitsPerMinute  int `toml:"submits_per_minute"`
	SharesPerMinute   int `toml:"shares_per_minute"`
	MessagesPerSecond int `toml:"messages_per_second"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enable   bool   `toml:"enable"`
	BindAddr string `toml:"bind_addr"`
	Path     string `toml:"path"`
}

// LoggingConfig controls the ambient slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the coordinator's full configuration document.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Monerod MonerodConfig `toml:"monerod"`
	Jobs    JobsConfig    `toml:"jobs"`
	Limits  LimitsConfig  `toml:"limits"`
	Metrics MetricsConfig `toml:"metrics"`
	Logging LoggingConfig `toml:"logging"`
}

// Default returns the coordinator's built-in defaults, decoded over by
// whatever the config file supplies.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:            ":8545",
			WSPath:              "/ws",
			MaxConnections:      2000,
			MaxConnectionsPerIP: 8,
			MaxFrameBytes:       8192,
		},
		Monerod: MonerodConfig{
			RPCURL:       "http://127.0.0.1:18081",
			ReserveSize:  64,
			RPCTimeoutMs: 10000,
		},
		Jobs: JobsConfig{
			JobTTLMs:                  120000,
			TemplateRefreshIntervalMs: 1000,
			StaleJobGraceMs:           5000,
		},
		Limits: LimitsConfig{
			SubmitsPerMinute:  30,
			SharesPerMinute:   120,
			MessagesPerSecond: 20,
		},
		Metrics: MetricsConfig{
			Enable:   true,
			BindAddr: ":9100",
			Path:     "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML document at path, decoding it over Default(), and
// validates the result. An empty path falls back to COORDINATOR_CONFIG,
// then DefaultConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks the fields the coordinator cannot run without.
func (c *Config) Validate() error {
	if c.Monerod.RPCURL == "" {
		return fmt.Errorf("monerod.rpc_url is required")
	}
	if c.Monerod.WalletAddress == "" {
		return fmt.Errorf("monerod.wallet_address is required")
	}
	if c.Monerod.ReserveSize <= 0 {
		return fmt.Errorf("monerod.reserve_size must be positive")
	}
	if c.Limits.SubmitsPerMinute <= 0 {
		return fmt.Errorf("limits.submits_per_minute must be positive")
	}
	if c.Limits.MessagesPerSecond <= 0 {
		return fmt.Errorf("limits.messages_per_second must be positive")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	return nil
}
