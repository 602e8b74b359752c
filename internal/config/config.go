package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dyluth/pixelsett/internal/realtime"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file in serve.
const (
	EnvInstanceName = "PIXELSETT_INSTANCE_NAME"
	EnvRedisURL     = "REDIS_URL"
	EnvDatabase     = "PIXELSETT_DATABASE"
)

// Config represents the top-level pixelsett.yml configuration
type Config struct {
	Version       string         `yaml:"version"`
	Instance      string         `yaml:"instance"`
	RedisURL      string         `yaml:"redis_url"`
	DatabasePath  string         `yaml:"database_path"`
	ListenAddr    string         `yaml:"listen_addr,omitempty"`
	SweepInterval time.Duration  `yaml:"sweep_interval,omitempty"`
	Canvas        CanvasConfig   `yaml:"canvas,omitempty"`
	Realtime      RealtimeConfig `yaml:"realtime,omitempty"`
	Chain         ChainConfig    `yaml:"chain"`
}

// CanvasConfig holds bidding and lifecycle policy
type CanvasConfig struct {
	MinBidLamports     uint64         `yaml:"min_bid_lamports,omitempty"`
	Cooldown           *time.Duration `yaml:"cooldown,omitempty"` // 0 disables the cooldown, default 5s
	LockTTL            time.Duration  `yaml:"lock_ttl,omitempty"`
	MintCountdown      time.Duration  `yaml:"mint_countdown,omitempty"`
	MintInitiateWindow time.Duration  `yaml:"mint_initiate_window,omitempty"`
	PublishTimeout     time.Duration  `yaml:"publish_timeout,omitempty"`
	MintTimeout        time.Duration  `yaml:"mint_timeout,omitempty"`
	MaxCollaborators   int            `yaml:"max_collaborators,omitempty"`
	MaxNameLength      int            `yaml:"max_name_length,omitempty"`
}

// RealtimeConfig controls broadcast rooms
type RealtimeConfig struct {
	QueueSize             int                     `yaml:"queue_size,omitempty"`
	Overflow              realtime.OverflowPolicy `yaml:"overflow,omitempty"`
	MaxConnectionsPerRoom int                     `yaml:"max_connections_per_room,omitempty"`
	Relay                 *bool                   `yaml:"relay,omitempty"` // fan out through Redis pub/sub, default true
}

// ChainConfig points at the chain RPC node
type ChainConfig struct {
	RPCURL       string        `yaml:"rpc_url"`
	ProgramID    string        `yaml:"program_id"`
	BlockhashTTL time.Duration `yaml:"blockhash_ttl,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// Validate performs strict validation on the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Second
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}

	if err := c.Canvas.Validate(); err != nil {
		return fmt.Errorf("canvas: %w", err)
	}
	if err := c.Realtime.Validate(); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}

	return nil
}

// Validate fills in canvas defaults and rejects impossible values
func (c *CanvasConfig) Validate() error {
	if c.MinBidLamports == 0 {
		c.MinBidLamports = 1_000_000
	}
	if c.Cooldown == nil {
		defaultCooldown := 5 * time.Second
		c.Cooldown = &defaultCooldown
	}
	if *c.Cooldown < 0 {
		return fmt.Errorf("cooldown must be >= 0 (0 = disabled), got %s", *c.Cooldown)
	}

	durations := []struct {
		name  string
		value *time.Duration
		def   time.Duration
	}{
		{"lock_ttl", &c.LockTTL, time.Minute},
		{"mint_countdown", &c.MintCountdown, 30 * time.Second},
		{"mint_initiate_window", &c.MintInitiateWindow, time.Minute},
		{"publish_timeout", &c.PublishTimeout, 2 * time.Minute},
		{"mint_timeout", &c.MintTimeout, 2 * time.Minute},
	}
	for _, d := range durations {
		if *d.value == 0 {
			*d.value = d.def
		}
		if *d.value < time.Second {
			return fmt.Errorf("%s must be at least 1s, got %s", d.name, *d.value)
		}
	}

	if c.MaxCollaborators == 0 {
		c.MaxCollaborators = 50
	}
	if c.MaxCollaborators < 1 {
		return fmt.Errorf("max_collaborators must be >= 1, got %d", c.MaxCollaborators)
	}
	if c.MaxNameLength == 0 {
		c.MaxNameLength = 32
	}
	if c.MaxNameLength < 1 {
		return fmt.Errorf("max_name_length must be >= 1, got %d", c.MaxNameLength)
	}
	return nil
}

// Validate fills in realtime defaults
func (r *RealtimeConfig) Validate() error {
	if r.QueueSize == 0 {
		r.QueueSize = 64
	}
	if r.QueueSize < 1 {
		return fmt.Errorf("queue_size must be >= 1, got %d", r.QueueSize)
	}
	if r.Overflow == "" {
		r.Overflow = realtime.DropOldest
	}
	if err := r.Overflow.Validate(); err != nil {
		return err
	}
	if r.MaxConnectionsPerRoom == 0 {
		r.MaxConnectionsPerRoom = 500
	}
	if r.MaxConnectionsPerRoom < 1 {
		return fmt.Errorf("max_connections_per_room must be >= 1, got %d", r.MaxConnectionsPerRoom)
	}
	if r.Relay == nil {
		relay := true
		r.Relay = &relay
	}
	return nil
}

// Validate checks the chain endpoint settings
func (ch *ChainConfig) Validate() error {
	if ch.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if ch.ProgramID == "" {
		return fmt.Errorf("program_id is required")
	}
	if ch.BlockhashTTL == 0 {
		ch.BlockhashTTL = 15 * time.Second
	}
	if ch.Timeout == 0 {
		ch.Timeout = 10 * time.Second
	}
	if ch.BlockhashTTL < 0 || ch.Timeout < 0 {
		return fmt.Errorf("blockhash_ttl and timeout must be positive")
	}
	return nil
}

// ApplyEnv overrides file values with the PIXELSETT_* and REDIS_URL environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvInstanceName); v != "" {
		c.Instance = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		c.DatabasePath = v
	}
}

// Load reads pixelsett.yml from the specified path, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
