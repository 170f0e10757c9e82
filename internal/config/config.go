// Package config provides configuration management for the recordmesh node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Router names.
const (
	RouterFlood  = "flood"
	RouterGossip = "gossip"
)

// Outbox overflow policies.
const (
	OverflowDropOldest = "drop-oldest"
	OverflowDropNewest = "drop-newest"
)

// Config represents the node configuration.
type Config struct {
	Network  NetworkConfig  `yaml:"network"`
	Identity IdentityConfig `yaml:"identity"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Loop     LoopConfig     `yaml:"loop"`
	Peers    PeersConfig    `yaml:"peers"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// NetworkConfig contains network-related settings.
type NetworkConfig struct {
	Listen      []string        `yaml:"listen"`
	Bootstrap   []string        `yaml:"bootstrap"`
	Topic       string          `yaml:"topic"`
	Router      string          `yaml:"router"` // "flood" or "gossip"
	MaxConns    int             `yaml:"max_connections"`
	EnableMDNS  bool            `yaml:"enable_mdns"`
	MDNSService string          `yaml:"mdns_service"`
	EnableDHT   bool            `yaml:"enable_dht"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	EventBuffer int             `yaml:"event_buffer"`
}

// RateLimitConfig bounds the requests each peer may send. Zero disables a
// limit. Responses are never limited.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	PerMinute int     `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

// IdentityConfig controls the node key. An empty KeyPath means a fresh
// identity every process start.
type IdentityConfig struct {
	KeyPath string `yaml:"key_path"`
}

// ProtocolConfig selects the wire codec.
type ProtocolConfig struct {
	Codec          string `yaml:"codec"` // "json" or "cbor"
	MaxMessageSize int    `yaml:"max_message_size"`
}

// LoopConfig tunes the event loop outbox.
type LoopConfig struct {
	OutboxSize int    `yaml:"outbox_size"`
	Overflow   string `yaml:"overflow"` // "drop-oldest" or "drop-newest"
}

// PeersConfig controls the discovered-peer address book.
type PeersConfig struct {
	BookPath string        `yaml:"book_path"` // empty keeps the book in memory
	MaxAge   time.Duration `yaml:"max_age"`   // entries not seen for longer are pruned at startup; 0 keeps them
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig sets the log level for all subsystems.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/0",
			},
			Bootstrap:   []string{},
			Topic:       "recordmesh/records/1.0.0",
			Router:      RouterFlood,
			MaxConns:    200,
			EnableMDNS:  true,
			MDNSService: "recordmesh-mdns",
			EnableDHT:   false,
			RateLimit: RateLimitConfig{
				PerSecond: 50,
				PerMinute: 1200,
				Burst:     100,
			},
			EventBuffer: 256,
		},
		Protocol: ProtocolConfig{
			Codec:          "json",
			MaxMessageSize: 64 * 1024,
		},
		Peers: PeersConfig{
			MaxAge: 7 * 24 * time.Hour,
		},
		Loop: LoopConfig{
			OutboxSize: 1024,
			Overflow:   OverflowDropOldest,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".recordmesh", "config.yaml")
}

// Load loads the configuration from a file. Fields missing from the file
// keep their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Network.Listen) == 0 {
		errs = append(errs, errors.New("network.listen must not be empty"))
	}
	if c.Network.Topic == "" {
		errs = append(errs, errors.New("network.topic must not be empty"))
	}
	switch c.Network.Router {
	case RouterFlood, RouterGossip:
	default:
		errs = append(errs, fmt.Errorf("network.router %q: want %q or %q", c.Network.Router, RouterFlood, RouterGossip))
	}
	switch c.Protocol.Codec {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("protocol.codec %q: want \"json\" or \"cbor\"", c.Protocol.Codec))
	}
	switch c.Loop.Overflow {
	case OverflowDropOldest, OverflowDropNewest:
	default:
		errs = append(errs, fmt.Errorf("loop.overflow %q: want %q or %q", c.Loop.Overflow, OverflowDropOldest, OverflowDropNewest))
	}
	if c.Loop.OutboxSize <= 0 {
		errs = append(errs, errors.New("loop.outbox_size must be positive"))
	}
	if c.Peers.MaxAge < 0 {
		errs = append(errs, errors.New("peers.max_age must not be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		errs = append(errs, errors.New("metrics.listen_addr is required when metrics are enabled"))
	}

	return errors.Join(errs...)
}
