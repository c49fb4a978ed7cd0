// Package config loads and validates the statemesh YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// Provider types accepted in the providers list.
const (
	ProviderDir   = "dir"
	ProviderBolt  = "bolt"
	ProviderRelay = "relay"
)

const (
	defaultHeartbeat       = 30 * time.Second
	defaultDebounce        = 2 * time.Second
	defaultProviderTimeout = 15 * time.Second
	defaultRetryAttempts   = 3
	defaultRelayListen     = ":8470"
	defaultPollWindow      = 25 * time.Second
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// StateDir holds the local snapshot, the replica id and the conflict
	// database. Defaults to ~/.local/share/statemesh.
	StateDir string `yaml:"state_dir,omitempty"`

	// EphemeralIdentity generates a new replica id on every start instead of
	// persisting one in StateDir.
	EphemeralIdentity bool `yaml:"ephemeral_identity,omitempty"`

	// HeartbeatInterval controls how often every provider is synced.
	// Minimum 1s, maximum 1h. Defaults to 30s if unset.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// Debounce delays the sync round triggered by a local edit. Zero syncs
	// immediately; maximum 1m. Defaults to 2s if unset.
	Debounce *time.Duration `yaml:"debounce,omitempty"`

	// ProviderTimeout bounds a single provider read or write.
	// Minimum 1s, maximum 5m. Defaults to 15s if unset.
	ProviderTimeout time.Duration `yaml:"provider_timeout,omitempty"`

	// RetryAttempts is the number of tries per provider call (1-10, default 3).
	RetryAttempts int `yaml:"retry_attempts,omitempty"`

	// Providers lists the remote backends to replicate with. Empty means a
	// local-only replica.
	Providers []ProviderConfig `yaml:"providers"`

	// Relay configures the `statemesh relay` server. Optional.
	Relay *RelayConfig `yaml:"relay,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ProviderConfig describes one backend.
type ProviderConfig struct {
	// Name identifies the provider in logs and device bookkeeping. Unique.
	Name string `yaml:"name"`

	// Type is one of dir, bolt or relay.
	Type string `yaml:"type"`

	// Path is the shared directory (dir) or database file (bolt).
	Path string `yaml:"path,omitempty"`

	// Space selects the snapshot slot within the backend. Defaults to "default".
	Space string `yaml:"space,omitempty"`

	// URL is the relay base URL (relay only).
	URL string `yaml:"url,omitempty"`

	// Token is the relay bearer token (relay only).
	Token string `yaml:"token,omitempty"`

	// Watch enables long-poll push notifications (relay only).
	Watch bool `yaml:"watch,omitempty"`
}

// RelayConfig holds settings for the relay server.
type RelayConfig struct {
	// Listen is the HTTP listen address. Defaults to ":8470".
	Listen string `yaml:"listen,omitempty"`

	// StorePath is the bbolt file holding relayed snapshots.
	// Defaults to <state_dir>/relay.db.
	StorePath string `yaml:"store_path,omitempty"`

	// Token, when set, is required from every client.
	Token string `yaml:"token,omitempty"`

	// PollWindow bounds watch requests. Minimum 1s, maximum 5m, default 25s.
	PollWindow time.Duration `yaml:"poll_window,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure,omitempty"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "statemesh".
	ServiceName string `yaml:"service_name,omitempty"`

	// ExportInterval controls how often metrics are pushed. Minimum 1s,
	// default 30s.
	ExportInterval time.Duration `yaml:"export_interval,omitempty"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/statemesh/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "statemesh", "config.yaml"), nil
}

// Default returns a validated configuration for a local-only replica.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates c and stores it at path, creating parent directories.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// EngineDebounce converts the configured debounce into the sync engine's
// convention, where a negative value means "sync immediately".
func (c *Config) EngineDebounce() time.Duration {
	if c.Debounce == nil {
		return defaultDebounce
	}
	if *c.Debounce == 0 {
		return -1
	}
	return *c.Debounce
}

// RelaySettings returns the relay block with defaults applied, even when the
// block is absent from the file.
func (c *Config) RelaySettings() RelayConfig {
	r := RelayConfig{}
	if c.Relay != nil {
		r = *c.Relay
	}
	if r.Listen == "" {
		r.Listen = defaultRelayListen
	}
	if r.PollWindow == 0 {
		r.PollWindow = defaultPollWindow
	}
	if r.StorePath == "" {
		r.StorePath = filepath.Join(c.StateDir, "relay.db")
	}
	return r
}

// validate checks that all fields are well-formed and fills in defaults.
func (c *Config) validate() error {
	if c.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		c.StateDir = filepath.Join(home, ".local", "share", "statemesh")
	}
	c.StateDir = expandHome(c.StateDir)

	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeat
	}
	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("heartbeat_interval %v is too short (minimum 1s)", c.HeartbeatInterval)
	}
	if c.HeartbeatInterval > time.Hour {
		return fmt.Errorf("heartbeat_interval %v is too long (maximum 1h)", c.HeartbeatInterval)
	}

	if c.Debounce != nil && (*c.Debounce < 0 || *c.Debounce > time.Minute) {
		return fmt.Errorf("debounce %v must be between 0 and 1m", *c.Debounce)
	}

	if c.ProviderTimeout == 0 {
		c.ProviderTimeout = defaultProviderTimeout
	}
	if c.ProviderTimeout < time.Second || c.ProviderTimeout > 5*time.Minute {
		return fmt.Errorf("provider_timeout %v must be between 1s and 5m", c.ProviderTimeout)
	}

	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryAttempts < 1 || c.RetryAttempts > 10 {
		return fmt.Errorf("retry_attempts %d must be between 1 and 10", c.RetryAttempts)
	}

	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("providers[%d] has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider name %q is used more than once", p.Name)
		}
		seen[p.Name] = true
		if err := p.validate(); err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
	}

	if c.Relay != nil {
		c.Relay.StorePath = expandHome(c.Relay.StorePath)
		if w := c.Relay.PollWindow; w != 0 && (w < time.Second || w > 5*time.Minute) {
			return fmt.Errorf("relay.poll_window %v must be between 1s and 5m", w)
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
		if i := c.Telemetry.ExportInterval; i != 0 && i < time.Second {
			return fmt.Errorf("telemetry.export_interval %v is too short (minimum 1s)", i)
		}
	}

	return nil
}

func (p *ProviderConfig) validate() error {
	switch p.Type {
	case ProviderDir, ProviderBolt:
		if p.Path == "" {
			return fmt.Errorf("path is required for type %s", p.Type)
		}
		p.Path = expandHome(p.Path)
		if p.URL != "" || p.Token != "" || p.Watch {
			return errors.New("url, token and watch only apply to type relay")
		}
	case ProviderRelay:
		if p.URL == "" {
			return errors.New("url is required for type relay")
		}
		u, err := url.ParseRequestURI(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("url %q must be a valid http or https URL", p.URL)
		}
		if p.Path != "" {
			return errors.New("path does not apply to type relay")
		}
	case "":
		return errors.New("type is required (dir, bolt or relay)")
	default:
		return fmt.Errorf("unknown type %q (want dir, bolt or relay)", p.Type)
	}
	if strings.ContainsAny(p.Space, `/\`) {
		return fmt.Errorf("space %q must not contain path separators", p.Space)
	}
	return nil
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
