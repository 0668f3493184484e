package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/store"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Exposure  ExposureConfig  `mapstructure:"exposure"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Datadog   DatadogConfig   `mapstructure:"datadog"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Devices   []DeviceConfig  `mapstructure:"devices"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PollingConfig tunes the per-device pollers. Intervals are keyed by
// device type ("camera", "focuser", ...).
type PollingConfig struct {
	StaleAfter int                      `mapstructure:"stale_after"`
	Intervals  map[string]time.Duration `mapstructure:"intervals"`
}

type ExposureConfig struct {
	Tick    time.Duration `mapstructure:"tick"`
	MaxWait time.Duration `mapstructure:"max_wait"`

	// DownloadTimeout bounds one image download.
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

type MQTTConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Broker    string `mapstructure:"broker"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	TopicRoot string `mapstructure:"topic_root"`
}

type DatadogConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Address   string   `mapstructure:"address"`
	Namespace string   `mapstructure:"namespace"`
	Tags      []string `mapstructure:"tags"`
}

type DiscoveryConfig struct {
	// Respond answers discovery requests for the built-in simulator.
	Respond bool          `mapstructure:"respond"`
	Port    int           `mapstructure:"port"`
	Window  time.Duration `mapstructure:"window"`
}

// DeviceConfig is a device registered at startup.
type DeviceConfig struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Type       string `mapstructure:"type"`
	Number     int    `mapstructure:"number"`
	APIBaseURL string `mapstructure:"api_base_url"`
}

// Load reads the YAML file at path on top of the defaults. An empty path
// skips the file. Every key can be overridden with a SKYCONSOLE_ variable,
// e.g. SKYCONSOLE_SERVER_HTTP_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("server.address", "")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.path", "skyconsole.db")
	v.SetDefault("polling.stale_after", 0)
	v.SetDefault("exposure.tick", "500ms")
	v.SetDefault("exposure.max_wait", "5m")
	v.SetDefault("exposure.download_timeout", "2m")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_root", "skyconsole")
	v.SetDefault("datadog.enabled", false)
	v.SetDefault("datadog.address", "127.0.0.1:8125")
	v.SetDefault("datadog.namespace", "skyconsole.")
	v.SetDefault("discovery.respond", false)
	v.SetDefault("discovery.port", 32227)
	v.SetDefault("discovery.window", "2s")

	v.SetEnvPrefix("SKYCONSOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.Server.HTTPPort)
	}
	if c.Polling.StaleAfter < 0 {
		return fmt.Errorf("polling.stale_after must not be negative")
	}
	for name, d := range c.Polling.Intervals {
		if _, err := alpaca.ParseDeviceType(name); err != nil {
			return fmt.Errorf("polling.intervals: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("polling.intervals.%s must be positive", name)
		}
	}
	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: missing id", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if _, err := alpaca.ParseDeviceType(d.Type); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}
	return nil
}

// Intervals returns the poll interval overrides keyed by device type.
func (c *Config) Intervals() map[alpaca.DeviceType]time.Duration {
	out := make(map[alpaca.DeviceType]time.Duration, len(c.Polling.Intervals))
	for name, d := range c.Polling.Intervals {
		t, err := alpaca.ParseDeviceType(name)
		if err != nil {
			continue
		}
		out[t] = d
	}
	return out
}

// StoreMQTT converts the bridge settings to the persisted form.
func (m MQTTConfig) StoreMQTT() store.MQTTConfig {
	return store.MQTTConfig{
		Enabled:   m.Enabled,
		Host:      m.Broker,
		Username:  m.Username,
		Password:  m.Password,
		TopicRoot: m.TopicRoot,
	}
}
