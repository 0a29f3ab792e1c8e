// Package config loads and hot-reloads the coordinator's runtime
// settings (spec §6).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized coordinator option (spec §6). Zero
// values are filled in by normalize after Load.
type Config struct {
	HomeDir string `yaml:"-"`

	HeartbeatIntervalSeconds   int `yaml:"heartbeat_interval_s"`
	InitialReconnectDelaySeconds int `yaml:"initial_reconnect_delay_s"`
	MaxReconnectDelaySeconds   int `yaml:"max_reconnect_delay_s"`
	DefaultMaxRetries          int `yaml:"default_max_retries"`
	DefaultTaskTimeoutSeconds  int `yaml:"default_task_timeout_s"`
	MaxHistorySize             int `yaml:"max_history_size"`

	// AssignmentStrategy names one of "round_robin", "capability_first",
	// "preference_table".
	AssignmentStrategy     string              `yaml:"assignment_strategy"`
	DevicePreferenceTable  map[string][]string `yaml:"device_preference_table"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// Devices bootstraps the fleet the coordinator dials out to on
	// startup. Devices discovered later (an agent editing the
	// constellation's TargetDeviceID, an operator calling Connect
	// directly) don't need an entry here.
	Devices []DeviceBootstrap `yaml:"devices"`

	// Telemetry controls optional OpenTelemetry span/metric export.
	// Disabled by default; ambient ops tooling, not a spec §6 field.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// SnapshotCron is a 5-field cron expression controlling how often
	// the running constellation is persisted mid-run, independent of
	// the save the coordinator performs on shutdown. Empty uses the
	// cron package's own default ("*/5 * * * *").
	SnapshotCron string `yaml:"snapshot_cron"`

	// PolicyPath points at a YAML file restricting which task
	// capabilities devices may execute. Empty means unrestricted.
	PolicyPath string `yaml:"policy_path"`
}

// TelemetryConfig mirrors internal/otel.Config so config.yaml can enable
// tracing/metrics export without internal/config depending on internal/otel.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// DeviceBootstrap names one device to connect to at startup.
type DeviceBootstrap struct {
	DeviceID string `yaml:"device_id"`
	Endpoint string `yaml:"endpoint"`
	OS       string `yaml:"os"`
}

func defaultConfig() Config {
	return Config{
		HeartbeatIntervalSeconds:     30,
		InitialReconnectDelaySeconds: 1,
		MaxReconnectDelaySeconds:     60,
		DefaultMaxRetries:            3,
		DefaultTaskTimeoutSeconds:    300,
		MaxHistorySize:               100,
		AssignmentStrategy:           "round_robin",
		LogLevel:                     "info",
	}
}

// HomeDir resolves the coordinator's config/state directory, overridable
// via CONSTELLATION_HOME.
func HomeDir() string {
	if override := os.Getenv("CONSTELLATION_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".constellation")
}

// Load reads config.yaml from HomeDir, applying defaults for any
// field left unset. A missing file is not an error: Load proceeds
// with defaults so the coordinator can run unconfigured.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}

	path := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse config.yaml: %w", err)
		}
	}

	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = d.HeartbeatIntervalSeconds
	}
	if cfg.InitialReconnectDelaySeconds <= 0 {
		cfg.InitialReconnectDelaySeconds = d.InitialReconnectDelaySeconds
	}
	if cfg.MaxReconnectDelaySeconds <= 0 {
		cfg.MaxReconnectDelaySeconds = d.MaxReconnectDelaySeconds
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if cfg.DefaultTaskTimeoutSeconds <= 0 {
		cfg.DefaultTaskTimeoutSeconds = d.DefaultTaskTimeoutSeconds
	}
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = d.MaxHistorySize
	}
	if cfg.AssignmentStrategy == "" {
		cfg.AssignmentStrategy = d.AssignmentStrategy
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) InitialReconnectDelay() time.Duration {
	return time.Duration(c.InitialReconnectDelaySeconds) * time.Second
}

func (c Config) MaxReconnectDelay() time.Duration {
	return time.Duration(c.MaxReconnectDelaySeconds) * time.Second
}

func (c Config) DefaultTaskTimeout() time.Duration {
	return time.Duration(c.DefaultTaskTimeoutSeconds) * time.Second
}
