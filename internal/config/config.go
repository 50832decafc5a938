// Package config loads the framehand configuration file and maps it onto
// the per-package configs.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"framehand/internal/bridge"
	"framehand/internal/history"
	"framehand/internal/registry"
)

// Config is the full configuration file. Absent fields keep their defaults.
type Config struct {
	Log       Log       `yaml:"log"`
	Bridge    Bridge    `yaml:"bridge"`
	Registry  Registry  `yaml:"registry"`
	History   History   `yaml:"history"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Log controls the slog handler.
type Log struct {
	Level string `yaml:"level"`
}

// Bridge configures the connection to the external design backend.
type Bridge struct {
	Command               string    `yaml:"command"`
	Args                  []string  `yaml:"args"`
	Env                   []string  `yaml:"env"`
	ConnectTimeoutSeconds int       `yaml:"connect_timeout_seconds"`
	TaskTimeoutSeconds    int       `yaml:"task_timeout_seconds"`
	HealthIntervalSeconds int       `yaml:"health_interval_seconds"`
	MinExpectedTools      int       `yaml:"min_expected_tools"`
	Reconnect             Reconnect `yaml:"reconnect"`
}

// Reconnect tunes the backoff schedule.
type Reconnect struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseSeconds float64 `yaml:"base_seconds"`
	CapSeconds  float64 `yaml:"cap_seconds"`
}

// Registry configures the element catalog and its persistence directory.
type Registry struct {
	DataDir        string `yaml:"data_dir"`
	RecentCapacity int    `yaml:"recent_capacity"`
}

// History configures run-log compaction windows. A zero
// compact_every_steps disables periodic in-run compaction.
type History struct {
	MediaWindowSteps   int `yaml:"media_window_steps"`
	CompactWindowSteps int `yaml:"compact_window_steps"`
	CompactEverySteps  int `yaml:"compact_every_steps"`
}

// Telemetry configures the buffered status sink.
type Telemetry struct {
	Buffer int `yaml:"buffer"`
}

// Default returns the full default configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Log: Log{Level: "info"},
		Bridge: Bridge{
			Command:               "framecad-mcp",
			Args:                  []string{"serve"},
			ConnectTimeoutSeconds: 20,
			TaskTimeoutSeconds:    45,
			HealthIntervalSeconds: 30,
			MinExpectedTools:      8,
			Reconnect: Reconnect{
				MaxAttempts: 5,
				BaseSeconds: 2,
				CapSeconds:  30,
			},
		},
		Registry: Registry{
			DataDir:        filepath.Join(home, ".framehand"),
			RecentCapacity: 25,
		},
		History: History{
			MediaWindowSteps:   20,
			CompactWindowSteps: 60,
			CompactEverySteps:  25,
		},
		Telemetry: Telemetry{Buffer: 64},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error: the defaults apply unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Registry.DataDir = expandHome(cfg.Registry.DataDir)
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Bridge.Command) == "" {
		return fmt.Errorf("bridge.command is required")
	}
	if c.Bridge.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("bridge.connect_timeout_seconds must be positive")
	}
	if c.Bridge.TaskTimeoutSeconds <= 0 {
		return fmt.Errorf("bridge.task_timeout_seconds must be positive")
	}
	if c.Bridge.HealthIntervalSeconds <= 0 {
		return fmt.Errorf("bridge.health_interval_seconds must be positive")
	}
	if c.Bridge.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("bridge.reconnect.max_attempts must be positive")
	}
	if c.Bridge.Reconnect.BaseSeconds <= 1 {
		return fmt.Errorf("bridge.reconnect.base_seconds must be greater than 1")
	}
	if c.Bridge.Reconnect.CapSeconds < c.Bridge.Reconnect.BaseSeconds {
		return fmt.Errorf("bridge.reconnect.cap_seconds must be at least base_seconds")
	}
	if c.Registry.RecentCapacity <= 0 {
		return fmt.Errorf("registry.recent_capacity must be positive")
	}
	if c.History.MediaWindowSteps <= 0 {
		return fmt.Errorf("history.media_window_steps must be positive")
	}
	if c.History.CompactWindowSteps < c.History.MediaWindowSteps {
		return fmt.Errorf("history.compact_window_steps must be at least media_window_steps")
	}
	if c.History.CompactEverySteps < 0 {
		return fmt.Errorf("history.compact_every_steps must not be negative")
	}
	if c.Telemetry.Buffer <= 0 {
		return fmt.Errorf("telemetry.buffer must be positive")
	}
	return nil
}

// expandHome resolves a leading ~ against the user's home directory.
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

// SlogLevel maps the configured log level onto slog. An empty level means
// info.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
}

// BridgeConfig renders the bridge section as the connection manager's
// config. Client identity stays on the manager's defaults.
func (c *Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		Command:              c.Bridge.Command,
		Args:                 c.Bridge.Args,
		Env:                  c.Bridge.Env,
		ConnectTimeout:       time.Duration(c.Bridge.ConnectTimeoutSeconds) * time.Second,
		TaskTimeout:          time.Duration(c.Bridge.TaskTimeoutSeconds) * time.Second,
		HealthInterval:       time.Duration(c.Bridge.HealthIntervalSeconds) * time.Second,
		ReconnectMaxAttempts: c.Bridge.Reconnect.MaxAttempts,
		ReconnectBaseSeconds: c.Bridge.Reconnect.BaseSeconds,
		ReconnectCapSeconds:  c.Bridge.Reconnect.CapSeconds,
		MinTools:             c.Bridge.MinExpectedTools,
	}
}

// RegistryConfig renders the registry section as the catalog's config.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{RecentCapacity: c.Registry.RecentCapacity}
}

// HistoryConfig renders the history section as the tracker's config.
func (c *Config) HistoryConfig() history.Config {
	return history.Config{
		MediaWindowSteps:   c.History.MediaWindowSteps,
		CompactWindowSteps: c.History.CompactWindowSteps,
		CompactEvery:       c.History.CompactEverySteps,
	}
}
