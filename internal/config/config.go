// Package config handles pajbridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/pajbridge/config.yaml, /etc/pajbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pajbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/pajbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all pajbridge configuration.
type Config struct {
	Account   AccountConfig   `yaml:"account"`
	Intervals IntervalsConfig `yaml:"intervals"`
	Options   OptionsConfig   `yaml:"options"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// AccountConfig holds the PAJ GPS account credentials and identity.
type AccountConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	// GUID uniquely identifies this account across restarts. Used in
	// entity unique IDs so HA keeps history when the daemon restarts.
	// Generated on first run when empty; must parse as a UUID when set.
	GUID string `yaml:"guid"`
	// BaseURL overrides the vendor API endpoint. Empty means the
	// production PAJ GPS cloud.
	BaseURL string `yaml:"base_url"`
}

// IntervalsConfig holds the three tier refresh intervals, in seconds.
// Zero values fall back to the defaults (300/30/10).
type IntervalsConfig struct {
	DevicesSec       int `yaml:"devices_sec"`
	PositionsSec     int `yaml:"positions_sec"`
	NotificationsSec int `yaml:"notifications_sec"`
}

// OptionsConfig holds per-account feature toggles.
type OptionsConfig struct {
	// MarkAlertsAsRead marks a device's notifications read on the vendor
	// side after they have been fetched into the snapshot.
	MarkAlertsAsRead bool `yaml:"mark_alerts_as_read"`
	// FetchElevation enables the Open-Meteo elevation side-channel and
	// the per-device elevation entity.
	FetchElevation bool `yaml:"fetch_elevation"`
	// ForceBattery creates a battery entity even for device models that
	// do not declare a standalone battery.
	ForceBattery bool `yaml:"force_battery"`
}

// MQTTConfig defines the optional Home Assistant MQTT discovery sink.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"` // default: homeassistant
	DeviceName      string `yaml:"device_name"`      // default: pajbridge
}

// MetricsConfig defines the optional Prometheus /metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"` // default: 9187
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied and no
// account credentials.
func Default() *Config {
	return &Config{
		Intervals: IntervalsConfig{
			DevicesSec:       300,
			PositionsSec:     30,
			NotificationsSec: 10,
		},
		MQTT: MQTTConfig{
			DiscoveryPrefix: "homeassistant",
			DeviceName:      "pajbridge",
		},
		Metrics: MetricsConfig{
			Port: 9187,
		},
	}
}

// Validate checks the configuration for problems that would prevent the
// daemon from starting. It does not verify credentials against the API.
func (c *Config) Validate() error {
	if c.Account.Email == "" {
		return fmt.Errorf("account.email is required")
	}
	if c.Account.Password == "" {
		return fmt.Errorf("account.password is required")
	}
	if c.Account.GUID != "" {
		if _, err := uuid.Parse(c.Account.GUID); err != nil {
			return fmt.Errorf("account.guid is not a valid UUID: %w", err)
		}
	}
	if c.Intervals.DevicesSec <= 0 || c.Intervals.PositionsSec <= 0 || c.Intervals.NotificationsSec <= 0 {
		return fmt.Errorf("intervals must be positive (devices_sec=%d positions_sec=%d notifications_sec=%d)",
			c.Intervals.DevicesSec, c.Intervals.PositionsSec, c.Intervals.NotificationsSec)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled is true")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// EnsureGUID fills in Account.GUID with a freshly generated UUID when it
// is empty. Returns true when a new GUID was generated; the caller is
// responsible for persisting it so entity IDs stay stable.
func (c *Config) EnsureGUID() bool {
	if c.Account.GUID != "" {
		return false
	}
	c.Account.GUID = uuid.NewString()
	return true
}
