// Package config handles mcpwire configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit -config path is given: ./mcpwire.yaml,
// ~/.config/mcpwire/config.yaml, /etc/mcpwire/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcpwire.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpwire", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpwire/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcpwire configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	Client    ClientConfig   `yaml:"client"`
	Device    DeviceConfig   `yaml:"device"`
	Watch     WatchConfig    `yaml:"watch"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Servers   []ServerConfig `yaml:"servers"`
}

// ClientConfig tunes the MCP client transport.
type ClientConfig struct {
	// RequestTimeout bounds every JSON-RPC call (default 30s).
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// EndpointTimeout bounds the wait for the SSE endpoint event after
	// a stream opens (default 10s).
	EndpointTimeout time.Duration `yaml:"endpoint_timeout"`
	// StreamSuffixes are URL path suffixes that mark a server as
	// stream-routed (default ["/sse"]).
	StreamSuffixes []string `yaml:"stream_suffixes"`
	// MessagePath is the sibling path used for POSTs to a stream server
	// that never announced an endpoint (default "messages").
	MessagePath string `yaml:"message_path"`
	// RequireSession fails stream calls that have no session id instead
	// of falling back to an un-sessioned request.
	RequireSession bool `yaml:"require_session"`
	// Headers are sent on every request (e.g., Authorization).
	Headers map[string]string `yaml:"headers"`
	// DialRetries retries transient dial errors (0 disables).
	DialRetries int `yaml:"dial_retries"`
}

// DeviceConfig describes the display attached to ui:// resource reads.
type DeviceConfig struct {
	Platform       string `yaml:"platform"`
	Locale         string `yaml:"locale"`
	Theme          string `yaml:"theme"`
	TimeZone       string `yaml:"time_zone"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

// WatchConfig controls the `watch` command's reconnection policy.
type WatchConfig struct {
	// ReconnectDelay is the fixed wait after a connection loss before a
	// new initialize is attempted (default 5s).
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// PollInterval is the health probe interval (default 60s).
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MQTTConfig configures the optional MQTT status publisher used by
// `watch`. Publishing is disabled unless Broker is set.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. mqtt://localhost:1883. The mqtts
	// and ssl schemes enable TLS.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// DeviceName names this client in topics and in Home Assistant
	// (default "mcpwire").
	DeviceName string `yaml:"device_name"`
	// DiscoveryPrefix is the Home Assistant discovery prefix (default
	// "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// PublishInterval is how often server states are republished
	// (default 60s).
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// ServerConfig is one MCP server entry.
type ServerConfig struct {
	Name         string   `yaml:"name"`
	URL          string   `yaml:"url"`
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and unset fields keep the values
// from [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration with no servers.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Client: ClientConfig{
			RequestTimeout:  30 * time.Second,
			EndpointTimeout: 10 * time.Second,
			StreamSuffixes:  []string{"/sse"},
			MessagePath:     "messages",
		},
		Watch: WatchConfig{
			ReconnectDelay: 5 * time.Second,
			PollInterval:   60 * time.Second,
		},
		MQTT: MQTTConfig{
			DeviceName:      "mcpwire",
			DiscoveryPrefix: "homeassistant",
			PublishInterval: 60 * time.Second,
		},
	}
}

// Validate checks the configuration for values that would fail later
// at connection time.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Client.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("client.request_timeout must be positive, got %s", c.Client.RequestTimeout))
	}
	if c.Client.EndpointTimeout <= 0 {
		errs = append(errs, fmt.Errorf("client.endpoint_timeout must be positive, got %s", c.Client.EndpointTimeout))
	}
	if c.Client.DialRetries < 0 {
		errs = append(errs, fmt.Errorf("client.dial_retries must not be negative"))
	}
	if c.Watch.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("watch.reconnect_delay must not be negative"))
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker: invalid url %q", c.MQTT.Broker))
		}
		if c.MQTT.DeviceName == "" {
			errs = append(errs, fmt.Errorf("mqtt.device_name is required when mqtt.broker is set"))
		}
		if c.MQTT.PublishInterval <= 0 {
			errs = append(errs, fmt.Errorf("mqtt.publish_interval must be positive, got %s", c.MQTT.PublishInterval))
		}
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true

		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("servers[%d] (%s): invalid url %q", i, s.Name, s.URL))
		}
	}

	return errors.Join(errs...)
}

// Server returns the server entry with the given name.
func (c *Config) Server(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}
