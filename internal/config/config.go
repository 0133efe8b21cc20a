// Package config handles ScheduleBot configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/schedulebot/config.yaml, /etc/schedulebot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "schedulebot", "config.yaml"))
	}

	paths = append(paths, "/etc/schedulebot/config.yaml")
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

// Config holds all ScheduleBot configuration. Secrets (the bot token
// and the Steam credentials) are not here; they live in the store and
// are managed with the setup subcommand.
type Config struct {
	Name              string         `yaml:"name"`
	Prefix            string         `yaml:"prefix"`
	AdminApp          AdminAppConfig `yaml:"admin_app"`
	MasterChannel     string         `yaml:"master_channel"`
	DisallowTalking   bool           `yaml:"disallow_talking"`
	DeleteAfterReply  DeleteConfig   `yaml:"delete_after_reply"`
	DenialDeleteAfter time.Duration  `yaml:"denial_delete_after"`
	UpdateInterval    time.Duration  `yaml:"update_interval"`
	Timezone          string         `yaml:"timezone"`
	Steam             SteamConfig    `yaml:"steam"`
	Discord           DiscordConfig  `yaml:"discord"`
	MQTT              MQTTConfig     `yaml:"mqtt"`
	DataDir           string         `yaml:"data_dir"`
	LogLevel          string         `yaml:"log_level"`
	LogFormat         string         `yaml:"log_format"` // "text" or "json"
}

// AdminAppConfig defines the admin command surface.
type AdminAppConfig struct {
	Prefix string `yaml:"prefix"`
	Desc   string `yaml:"desc"`
}

// DeleteConfig controls automatic deletion of command messages and
// the bot's replies to them.
type DeleteConfig struct {
	Enabled bool          `yaml:"enabled"`
	Time    time.Duration `yaml:"time"`
}

// SteamConfig defines how the bot presents itself on Steam.
type SteamConfig struct {
	Name       string `yaml:"name"`        // persona name
	GameID     uint64 `yaml:"game_id"`     // app shown as "currently playing"
	SentryFile string `yaml:"sentry_file"` // relative paths resolve under data_dir
}

// DiscordConfig overrides the Discord endpoints. Both default to the
// public API and are only changed for testing against a local fake.
type DiscordConfig struct {
	APIURL     string `yaml:"api_url"`
	GatewayURL string `yaml:"gateway_url"`
}

// MQTTConfig defines the optional status publisher. The publisher is
// disabled when Broker is empty.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"` // e.g. mqtts://broker:8883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether an MQTT broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, applies defaults, and
// validates the result.
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
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration. MasterChannel has no
// sensible default and must be supplied by the config file.
func Default() *Config {
	return &Config{
		Name:   "ScheduleBot",
		Prefix: "-sb",
		AdminApp: AdminAppConfig{
			Prefix: "-sbadmin",
			Desc:   "ScheduleBot administration commands",
		},
		DisallowTalking: true,
		DeleteAfterReply: DeleteConfig{
			Enabled: true,
			Time:    60 * time.Second,
		},
		DenialDeleteAfter: 7500 * time.Millisecond,
		UpdateInterval:    60 * time.Second,
		Steam: SteamConfig{
			GameID:     570,
			SentryFile: "sentry",
		},
		Discord: DiscordConfig{
			APIURL:     "https://discord.com/api/v10",
			GatewayURL: "wss://gateway.discord.gg/?v=10&encoding=json",
		},
		DataDir:   "data",
		LogFormat: "text",
	}
}

// applyDefaults fills fields a config file may have blanked out.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Steam.Name == "" {
		c.Steam.Name = c.Name
	}
	if c.Steam.SentryFile == "" {
		c.Steam.SentryFile = d.Steam.SentryFile
	}
	if c.Discord.APIURL == "" {
		c.Discord.APIURL = d.Discord.APIURL
	}
	if c.Discord.GatewayURL == "" {
		c.Discord.GatewayURL = d.Discord.GatewayURL
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.MQTT.Configured() {
		if c.MQTT.DeviceName == "" {
			c.MQTT.DeviceName = strings.ToLower(c.Name)
		}
		if c.MQTT.DiscoveryPrefix == "" {
			c.MQTT.DiscoveryPrefix = "homeassistant"
		}
		if c.MQTT.PublishInterval <= 0 {
			c.MQTT.PublishInterval = 60 * time.Second
		}
	}
}

// SentryPath returns the absolute-or-data-dir-relative location of the
// Steam sentry file.
func (c *Config) SentryPath() string {
	if filepath.IsAbs(c.Steam.SentryFile) {
		return c.Steam.SentryFile
	}
	return filepath.Join(c.DataDir, c.Steam.SentryFile)
}

// Location returns the zone event times are entered and shown in. An
// empty Timezone means the host's local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// DatabasePath returns the location of the SQLite store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "schedulebot.db")
}

// Validate checks the configuration for values the bot cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.MasterChannel == "" {
		errs = append(errs, errors.New("master_channel is required"))
	}
	if c.Prefix == "" {
		errs = append(errs, errors.New("prefix is required"))
	}
	if c.AdminApp.Prefix == "" {
		errs = append(errs, errors.New("admin_app.prefix is required"))
	}
	if c.Prefix != "" && c.Prefix == c.AdminApp.Prefix {
		errs = append(errs, fmt.Errorf("prefix and admin_app.prefix must differ (both %q)", c.Prefix))
	}
	if c.UpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("update_interval must be positive, got %s", c.UpdateInterval))
	}
	if c.DeleteAfterReply.Enabled && c.DeleteAfterReply.Time < 0 {
		errs = append(errs, fmt.Errorf("delete_after_reply.time must not be negative, got %s", c.DeleteAfterReply.Time))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
