// Package config loads the agent configuration from a JSON5 or YAML file,
// applies environment overrides and watches the file for changes.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Hub       HubConfig       `json:"hub" yaml:"hub"`
	Device    DeviceConfig    `json:"device" yaml:"device"`
	Buffer    BufferConfig    `json:"buffer" yaml:"buffer"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Plugins   PluginsConfig   `json:"plugins" yaml:"plugins"`
	Bridge    BridgeConfig    `json:"bridge" yaml:"bridge"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

type HubConfig struct {
	URL                    string  `json:"url" yaml:"url"`
	Token                  string  `json:"token,omitempty" yaml:"token,omitempty"`
	TokenFromKeyring       bool    `json:"token_from_keyring,omitempty" yaml:"token_from_keyring,omitempty"`
	HeartbeatIntervalMs    int     `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	ReconnectIntervalMs    int     `json:"reconnect_interval_ms" yaml:"reconnect_interval_ms"`
	MaxReconnectIntervalMs int     `json:"max_reconnect_interval_ms" yaml:"max_reconnect_interval_ms"`
	MaxReconnectAttempts   int     `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"` // 0 = unlimited
	ReconnectJitter        float64 `json:"reconnect_jitter,omitempty" yaml:"reconnect_jitter,omitempty"`
	HandshakeTimeoutMs     int     `json:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
	WriteTimeoutMs         int     `json:"write_timeout_ms" yaml:"write_timeout_ms"`
	AutoConnect            bool    `json:"auto_connect" yaml:"auto_connect"`
}

type DeviceConfig struct {
	ID         string `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Platform   string `json:"platform,omitempty" yaml:"platform,omitempty"`
	OSVersion  string `json:"os_version,omitempty" yaml:"os_version,omitempty"`
	AppName    string `json:"app_name,omitempty" yaml:"app_name,omitempty"`
	AppVersion string `json:"app_version,omitempty" yaml:"app_version,omitempty"`
	BundleID   string `json:"bundle_id,omitempty" yaml:"bundle_id,omitempty"`
}

type BufferConfig struct {
	Capacity        int    `json:"capacity" yaml:"capacity"`
	DropPolicy      string `json:"drop_policy" yaml:"drop_policy"` // drop_oldest | drop_newest | sample:<rate>
	BatchSize       int    `json:"batch_size" yaml:"batch_size"`
	FlushIntervalMs int    `json:"flush_interval_ms" yaml:"flush_interval_ms"`
}

type QueueConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Path                string `json:"path" yaml:"path"`
	MaxSize             int    `json:"max_size" yaml:"max_size"`
	MaxRetentionSeconds int    `json:"max_retention_seconds" yaml:"max_retention_seconds"`
	CompressThreshold   int    `json:"compress_threshold" yaml:"compress_threshold"` // bytes, <0 disables
	MaxRetries          int    `json:"max_retries" yaml:"max_retries"`
	RecoveryIntervalMs  int    `json:"recovery_interval_ms" yaml:"recovery_interval_ms"`
	RecoveryBatchSize   int    `json:"recovery_batch_size" yaml:"recovery_batch_size"`
	SweepCron           string `json:"sweep_cron,omitempty" yaml:"sweep_cron,omitempty"`
}

type PluginsConfig struct {
	SettingsPath string `json:"settings_path" yaml:"settings_path"`
	// Options are seeded into each plugin's Host.Config before Initialize.
	Options map[string]map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
}

type BridgeConfig struct {
	CommandRPM       int `json:"command_rpm,omitempty" yaml:"command_rpm,omitempty"`
	CommandBurst     int `json:"command_burst,omitempty" yaml:"command_burst,omitempty"`
	DedupeSize       int `json:"dedupe_size" yaml:"dedupe_size"`
	DedupeTTLSeconds int `json:"dedupe_ttl_seconds" yaml:"dedupe_ttl_seconds"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format"` // text | json
}

// TelemetryConfig enables OTLP export of the agent's own trace spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty" yaml:"protocol,omitempty"` // grpc | http
	Insecure    bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			HeartbeatIntervalMs:    30_000,
			ReconnectIntervalMs:    2_000,
			MaxReconnectIntervalMs: 30_000,
			MaxReconnectAttempts:   10,
			HandshakeTimeoutMs:     10_000,
			WriteTimeoutMs:         10_000,
			AutoConnect:            true,
		},
		Buffer: BufferConfig{
			Capacity:        1000,
			DropPolicy:      "drop_oldest",
			BatchSize:       50,
			FlushIntervalMs: 1_000,
		},
		Queue: QueueConfig{
			Enabled:             true,
			Path:                "~/.debugprobe/queue.db",
			MaxSize:             10_000,
			MaxRetentionSeconds: 7 * 24 * 3600,
			CompressThreshold:   4096,
			MaxRetries:          5,
			RecoveryIntervalMs:  100,
			RecoveryBatchSize:   50,
		},
		Plugins: PluginsConfig{
			SettingsPath: "~/.debugprobe/plugins.json",
		},
		Bridge: BridgeConfig{
			DedupeSize:       512,
			DedupeTTLSeconds: 600,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. YAML is used for .yaml/.yml files,
// JSON5 otherwise. A missing file yields the defaults. Environment
// overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(ExpandHome(path))
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json5.Unmarshal(data, cfg)
	}
}

// Save writes cfg as indented JSON (or YAML for .yaml/.yml paths).
func Save(path string, cfg *Config) error {
	path = ExpandHome(path)
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ApplyEnvOverrides lets the environment override connection settings.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("DEBUGPROBE_HUB_URL"); v != "" {
		c.Hub.URL = v
	}
	if v := os.Getenv("DEBUGPROBE_TOKEN"); v != "" {
		c.Hub.Token = v
	}
	if v := os.Getenv("DEBUGPROBE_DEVICE_ID"); v != "" {
		c.Device.ID = v
	}
	if v := os.Getenv("DEBUGPROBE_QUEUE_PATH"); v != "" {
		c.Queue.Path = v
	}
	if v := os.Getenv("DEBUGPROBE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DEBUGPROBE_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Hub.URL != "" {
		u, err := url.Parse(c.Hub.URL)
		if err != nil {
			return fmt.Errorf("hub.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("hub.url: scheme must be ws or wss, got %q", u.Scheme)
		}
	}
	if c.Hub.ReconnectJitter < 0 || c.Hub.ReconnectJitter > 1 {
		return fmt.Errorf("hub.reconnect_jitter must be within [0,1]")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol: unknown protocol %q", c.Telemetry.Protocol)
	}
	if c.Queue.SweepCron != "" && !gronx.New().IsValid(c.Queue.SweepCron) {
		return fmt.Errorf("queue.sweep_cron: invalid cron expression %q", c.Queue.SweepCron)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}

// DeviceID returns the configured device id, normalized, falling back to
// the host name.
func (c *Config) DeviceID() string {
	id := c.Device.ID
	if id == "" {
		id, _ = os.Hostname()
	}
	return NormalizeDeviceID(id)
}

// MaskedCopy returns a copy safe to print.
func (c *Config) MaskedCopy() *Config {
	cp := *c
	if cp.Hub.Token != "" {
		cp.Hub.Token = "***"
	}
	if len(cp.Telemetry.Headers) > 0 {
		masked := make(map[string]string, len(cp.Telemetry.Headers))
		for k := range cp.Telemetry.Headers {
			masked[k] = "***"
		}
		cp.Telemetry.Headers = masked
	}
	return &cp
}

// Hash identifies the effective configuration.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (h HubConfig) HeartbeatInterval() time.Duration    { return ms(h.HeartbeatIntervalMs) }
func (h HubConfig) ReconnectInterval() time.Duration    { return ms(h.ReconnectIntervalMs) }
func (h HubConfig) MaxReconnectInterval() time.Duration { return ms(h.MaxReconnectIntervalMs) }
func (h HubConfig) HandshakeTimeout() time.Duration     { return ms(h.HandshakeTimeoutMs) }
func (h HubConfig) WriteTimeout() time.Duration         { return ms(h.WriteTimeoutMs) }
func (b BufferConfig) FlushInterval() time.Duration     { return ms(b.FlushIntervalMs) }
func (q QueueConfig) RecoveryInterval() time.Duration   { return ms(q.RecoveryIntervalMs) }
func (q QueueConfig) MaxRetention() time.Duration {
	return time.Duration(q.MaxRetentionSeconds) * time.Second
}
func (b BridgeConfig) DedupeTTL() time.Duration {
	return time.Duration(b.DedupeTTLSeconds) * time.Second
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
