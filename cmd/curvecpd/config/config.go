// Package config provides YAML configuration loading for the curvecpd
// responder daemon: listen address, long-term key material, the
// extension-keyed forwarding table, and logging.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level curvecpd configuration file.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Logging LoggingConfig `yaml:"logging"`
	Routes  []RouteConfig `yaml:"routes"`
}

// ListenConfig describes the responder's UDP socket and identity.
type ListenConfig struct {
	Address         string `yaml:"address"`
	LongTermPublic  string `yaml:"long_term_public"`  // hex, 32 bytes
	LongTermPrivate string `yaml:"long_term_private"` // hex, 32 bytes

	MaxPendingAccept int `yaml:"max_pending_accept"`
	MaxSessions      int `yaml:"max_sessions"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// RouteConfig binds one client extension to a forwarding target. A
// connection whose Initiate carries an extension not listed here is
// still accepted (the extension is a routing tag, not an ACL); curvecpd
// then finds no route for it and closes the connection.
type RouteConfig struct {
	Extension string `yaml:"extension"` // hex, 16 bytes
	Target    string `yaml:"target"`    // host:port to forward the stream to
}

// Default returns a Config with conservative defaults; callers still
// need to supply key material and an address before it is usable.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:          ":4242",
			MaxPendingAccept: 16,
			MaxSessions:      4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, filling in defaults for
// anything left unset, then validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for structural errors: key lengths,
// required fields, and duplicate routing extensions.
func (c *Config) Validate() error {
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if _, err := decodeKey(c.Listen.LongTermPublic, 32); err != nil {
		return fmt.Errorf("listen.long_term_public: %w", err)
	}
	if _, err := decodeKey(c.Listen.LongTermPrivate, 32); err != nil {
		return fmt.Errorf("listen.long_term_private: %w", err)
	}
	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	if !isValidLogFormat(c.Logging.Format) {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		ext, err := decodeKey(r.Extension, 16)
		if err != nil {
			return fmt.Errorf("routes[%d].extension: %w", i, err)
		}
		if r.Target == "" {
			return fmt.Errorf("routes[%d].target is required", i)
		}
		key := string(ext)
		if seen[key] {
			return fmt.Errorf("routes[%d]: duplicate extension %s", i, r.Extension)
		}
		seen[key] = true
	}
	return nil
}

// LongTermPublicKey returns the decoded 32-byte public key.
func (c *Config) LongTermPublicKey() [32]byte {
	var key [32]byte
	decoded, _ := decodeKey(c.Listen.LongTermPublic, 32)
	copy(key[:], decoded)
	return key
}

// LongTermPrivateKey returns the decoded 32-byte private key.
func (c *Config) LongTermPrivateKey() [32]byte {
	var key [32]byte
	decoded, _ := decodeKey(c.Listen.LongTermPrivate, 32)
	copy(key[:], decoded)
	return key
}

// RouteTable returns the routing table as a map from decoded 16-byte
// extension to forwarding target, for O(1) lookup per accepted
// connection.
func (c *Config) RouteTable() map[[16]byte]string {
	table := make(map[[16]byte]string, len(c.Routes))
	for _, r := range c.Routes {
		decoded, err := decodeKey(r.Extension, 16)
		if err != nil {
			continue
		}
		var ext [16]byte
		copy(ext[:], decoded)
		table[ext] = r.Target
	}
	return table
}

func decodeKey(s string, size int) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("required")
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(decoded) != size {
		return nil, fmt.Errorf("must be %d bytes, got %d", size, len(decoded))
	}
	return decoded, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}
