package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the public-facing HTTP listener.
type ServerConfig struct {
	BindAddr     string `yaml:"bind_addr"`     // Public HTTP listen address, e.g. ":80"
	Domain       string `yaml:"domain"`        // Base domain suffix used to build tunnel URLs
	Secure       bool   `yaml:"secure"`        // If true, tunnel URLs use https://
	Landing      string `yaml:"landing"`       // Optional redirect target for the bare domain
	ProxyProtocol bool  `yaml:"proxy_protocol"` // If true, accept HAProxy PROXY protocol v1/v2 on BindAddr
}

// TunnelConfig configures the per-client tunnel agent defaults.
type TunnelConfig struct {
	MaxTCPSockets      int `yaml:"max_tcp_sockets"`       // Per-agent ceiling on simultaneous tunnel sockets
	SocketTimeoutMs    int `yaml:"socket_timeout_ms"`     // Per-tunnel-socket idle timeout
	WaiterQueueCap     int `yaml:"waiter_queue_cap"`      // Max pending create_connection callers per agent
	MaxClients         int `yaml:"max_clients"`           // Optional global cap on simultaneous clients (0 = unbounded)
	PublicIPLookupURL  string `yaml:"public_ip_lookup_url"` // External IP-echo service used by listen()
	PublicIPLookupTimeoutMs int `yaml:"public_ip_lookup_timeout_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"` // "info" or "debug"
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TelemetryPath string `yaml:"telemetry_path"`
}

// LoadConfig loads configuration from a YAML file, applying defaults and
// environment overrides regardless of whether the file was found.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %v", err)
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// SetDefaults fills in zero-valued fields with the spec's defaults.
func (c *Config) SetDefaults() {
	if c.Server.BindAddr == "" {
		c.Server.BindAddr = ":80"
	}
	if c.Server.Domain == "" {
		c.Server.Domain = "localtunnel.me"
	}
	if c.Tunnel.MaxTCPSockets == 0 {
		c.Tunnel.MaxTCPSockets = 10
	}
	if c.Tunnel.SocketTimeoutMs == 0 {
		c.Tunnel.SocketTimeoutMs = 60000
	}
	if c.Tunnel.WaiterQueueCap == 0 {
		c.Tunnel.WaiterQueueCap = 64
	}
	if c.Tunnel.PublicIPLookupURL == "" {
		c.Tunnel.PublicIPLookupURL = "https://api.ipify.org"
	}
	if c.Tunnel.PublicIPLookupTimeoutMs == 0 {
		c.Tunnel.PublicIPLookupTimeoutMs = 3000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	if c.Metrics.TelemetryPath == "" {
		c.Metrics.TelemetryPath = "/metrics"
	}
}

// SocketTimeout returns the configured per-socket idle timeout as a Duration.
func (c *Config) SocketTimeout() time.Duration {
	return time.Duration(c.Tunnel.SocketTimeoutMs) * time.Millisecond
}

// WaiterTimeout mirrors the socket idle timeout per DESIGN.md's open-question decision.
func (c *Config) WaiterTimeout() time.Duration {
	return c.SocketTimeout()
}

// PublicIPLookupTimeout returns the configured public IP lookup timeout.
func (c *Config) PublicIPLookupTimeout() time.Duration {
	return time.Duration(c.Tunnel.PublicIPLookupTimeoutMs) * time.Millisecond
}

// ApplyEnvOverrides applies TUNNELD_*-prefixed environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TUNNELD_BIND_ADDR"); v != "" {
		c.Server.BindAddr = v
	}
	if v := os.Getenv("TUNNELD_DOMAIN"); v != "" {
		c.Server.Domain = v
	}
	if v := os.Getenv("TUNNELD_SECURE"); v != "" {
		c.Server.Secure = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TUNNELD_LANDING"); v != "" {
		c.Server.Landing = v
	}
	if v := os.Getenv("TUNNELD_PROXY_PROTOCOL"); v != "" {
		c.Server.ProxyProtocol = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TUNNELD_MAX_TCP_SOCKETS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.Tunnel.MaxTCPSockets = i
		}
	}
	if v := os.Getenv("TUNNELD_SOCKET_TIMEOUT_MS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.Tunnel.SocketTimeoutMs = i
		}
	}
	if v := os.Getenv("TUNNELD_WAITER_QUEUE_CAP"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.Tunnel.WaiterQueueCap = i
		}
	}
	if v := os.Getenv("TUNNELD_MAX_CLIENTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.Tunnel.MaxClients = i
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TUNNELD_METRICS_LISTEN_ADDRESS"); v != "" {
		c.Metrics.ListenAddress = v
	}
	if v := os.Getenv("TUNNELD_METRICS_TELEMETRY_PATH"); v != "" {
		c.Metrics.TelemetryPath = v
	}
}

// Debug reports whether debug-level logging is enabled.
func (c *Config) Debug() bool {
	return c != nil && c.Log.Level == "debug"
}
