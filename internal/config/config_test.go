package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpwire.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/mcpwire.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	orig, _ := os.Getwd()
	os.Chdir(filepath.Dir(path))
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "mcpwire.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "mcpwire.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "servers:\n  - name: weather\n    url: https://example.com/mcp\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Client.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.Client.RequestTimeout)
	}
	if len(cfg.Client.StreamSuffixes) != 1 || cfg.Client.StreamSuffixes[0] != "/sse" {
		t.Errorf("StreamSuffixes = %v, want [/sse]", cfg.Client.StreamSuffixes)
	}
	if cfg.Client.MessagePath != "messages" {
		t.Errorf("MessagePath = %q, want messages", cfg.Client.MessagePath)
	}
	if cfg.Watch.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want 5s", cfg.Watch.ReconnectDelay)
	}
	if s, ok := cfg.Server("weather"); !ok || s.URL != "https://example.com/mcp" {
		t.Errorf("Server(weather) = %+v, %v", s, ok)
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
log_level: trace
client:
  request_timeout: 5s
  endpoint_timeout: 2s
  stream_suffixes: ["/sse", "/events"]
  require_session: true
device:
  theme: dark
  viewport_width: 390
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Client.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.Client.RequestTimeout)
	}
	if !cfg.Client.RequireSession {
		t.Error("RequireSession = false, want true")
	}
	if len(cfg.Client.StreamSuffixes) != 2 {
		t.Errorf("StreamSuffixes = %v, want 2 entries", cfg.Client.StreamSuffixes)
	}
	if cfg.Device.Theme != "dark" || cfg.Device.ViewportWidth != 390 {
		t.Errorf("Device = %+v", cfg.Device)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, "client:\n  headers:\n    Authorization: Bearer ${MCPWIRE_TEST_TOKEN}\n")
	t.Setenv("MCPWIRE_TEST_TOKEN", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.Client.Headers["Authorization"]; got != "Bearer secret123" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret123")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default is valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "unknown log level",
		},
		{
			name:    "zero request timeout",
			mutate:  func(c *Config) { c.Client.RequestTimeout = 0 },
			wantErr: "request_timeout",
		},
		{
			name: "duplicate server",
			mutate: func(c *Config) {
				c.Servers = []ServerConfig{
					{Name: "a", URL: "http://localhost/mcp"},
					{Name: "a", URL: "http://localhost/other"},
				}
			},
			wantErr: "duplicate name",
		},
		{
			name: "relative url",
			mutate: func(c *Config) {
				c.Servers = []ServerConfig{{Name: "a", URL: "/mcp"}}
			},
			wantErr: "invalid url",
		},
		{
			name:   "mqtt broker",
			mutate: func(c *Config) { c.MQTT.Broker = "mqtt://broker.local:1883" },
		},
		{
			name:    "mqtt broker without scheme",
			mutate:  func(c *Config) { c.MQTT.Broker = "broker.local" },
			wantErr: "mqtt.broker",
		},
		{
			name: "mqtt without device name",
			mutate: func(c *Config) {
				c.MQTT.Broker = "mqtt://broker.local:1883"
				c.MQTT.DeviceName = ""
			},
			wantErr: "device_name",
		},
		{
			name:   "mqtt settings ignored without broker",
			mutate: func(c *Config) { c.MQTT.PublishInterval = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
