// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Typed YAML configuration and a thread-safe store with reload propagation.

package control

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Socket   SocketConfig   `yaml:"socket"`
	TLS      TLSConfig      `yaml:"tls"`
	Resolver ResolverConfig `yaml:"resolver"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Log      LogConfig      `yaml:"log"`
}

// RegistryConfig sizes the per-context socket table and loop timers.
type RegistryConfig struct {
	GrowStep        int           `yaml:"grow_step"`
	MaxSockets      int           `yaml:"max_sockets"`
	CloseRedelivery time.Duration `yaml:"close_redelivery"`
	// MaxDeferredPerTurn bounds deferred messages processed per loop turn.
	MaxDeferredPerTurn int `yaml:"max_deferred_per_turn"`
}

type SocketConfig struct {
	ReadBufferSize int  `yaml:"read_buffer_size"`
	Backlog        int  `yaml:"backlog"`
	NoDelay        bool `yaml:"no_delay"`
}

// TLSConfig feeds tlslayer.Config.
type TLSConfig struct {
	MinVersion          string        `yaml:"min_version"`
	ServerName          string        `yaml:"server_name"`
	CAFile              string        `yaml:"ca_file"`
	CertFile            string        `yaml:"cert_file"`
	KeyFile             string        `yaml:"key_file"`
	VerifyMode          string        `yaml:"verify_mode"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	MaxPendingBytes     int           `yaml:"max_pending_bytes"`
	AllowRenegotiation  bool          `yaml:"allow_renegotiation"`
	RequireSessionReuse bool          `yaml:"require_session_reuse"`
}

type ResolverConfig struct {
	Servers []string      `yaml:"servers"`
	Net     string        `yaml:"net"`
	Timeout time.Duration `yaml:"timeout"`
}

type ProxyConfig struct {
	Type     string `yaml:"type"`
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Registry: RegistryConfig{
			GrowStep:           512,
			MaxSockets:         49148,
			CloseRedelivery:    10 * time.Millisecond,
			MaxDeferredPerTurn: 1024,
		},
		Socket: SocketConfig{
			ReadBufferSize: 64 * 1024,
			Backlog:        128,
		},
		TLS: TLSConfig{
			MinVersion:      "1.2",
			VerifyMode:      "ask",
			SessionTTL:      2 * time.Hour,
			MaxPendingBytes: 256 * 1024,
		},
		Resolver: ResolverConfig{
			Net:     "udp",
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.Registry.GrowStep <= 0 {
		errs = append(errs, fmt.Errorf("registry.grow_step must be positive"))
	}
	if c.Registry.MaxSockets < c.Registry.GrowStep {
		errs = append(errs, fmt.Errorf("registry.max_sockets must be at least grow_step"))
	}
	if c.Registry.CloseRedelivery <= 0 {
		errs = append(errs, fmt.Errorf("registry.close_redelivery must be positive"))
	}
	if c.Socket.ReadBufferSize < 512 {
		errs = append(errs, fmt.Errorf("socket.read_buffer_size must be at least 512"))
	}
	switch c.TLS.VerifyMode {
	case "ask", "builtin", "none":
	default:
		errs = append(errs, fmt.Errorf("tls.verify_mode %q is not one of ask, builtin, none", c.TLS.VerifyMode))
	}
	switch c.TLS.MinVersion {
	case "1.0", "1.1", "1.2", "1.3":
	default:
		errs = append(errs, fmt.Errorf("tls.min_version %q is not supported", c.TLS.MinVersion))
	}
	switch c.Proxy.Type {
	case "", "socks5", "http":
	default:
		errs = append(errs, fmt.Errorf("proxy.type %q is not one of socks5, http", c.Proxy.Type))
	}
	if c.Proxy.Type != "" && c.Proxy.Address == "" {
		errs = append(errs, fmt.Errorf("proxy.address is required for proxy.type %s", c.Proxy.Type))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ConfigStore holds the current configuration and notifies listeners on
// every accepted update.
type ConfigStore struct {
	mu        sync.RWMutex
	config    Config
	listeners []func(old, cur Config)
}

// NewConfigStore initializes a store with cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	return &ConfigStore{config: cfg}
}

// Snapshot returns the current configuration by value.
func (cs *ConfigStore) Snapshot() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// Update validates cfg, swaps it in and runs listeners synchronously.
func (cs *ConfigStore) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	old := cs.config
	cs.config = cfg
	listeners := append([]func(old, cur Config){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(old, cfg)
	}
	return nil
}

// OnReload registers a listener called after each Update.
func (cs *ConfigStore) OnReload(fn func(old, cur Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
