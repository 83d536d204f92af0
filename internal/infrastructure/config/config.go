package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default device settings.
const (
	DefaultDevicePort = 5555
	DefaultDPID       = "1"
)

// Config is the root configuration structure for the CozyLife bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Database DatabaseConfig `yaml:"database"`
	History  HistoryConfig  `yaml:"history"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// BridgeConfig contains polling and device I/O settings shared by all devices.
type BridgeConfig struct {
	// ID identifies this bridge instance in health messages.
	ID string `yaml:"id"`

	// PollInterval is the cadence of state queries per device.
	PollInterval time.Duration `yaml:"poll_interval"`

	// IOTimeout bounds every query and control exchange.
	IOTimeout time.Duration `yaml:"io_timeout"`

	// ConfirmDelay is how long to wait after a control before re-querying.
	ConfirmDelay time.Duration `yaml:"confirm_delay"`

	// ShutdownGrace bounds how long Stop waits for pollers to exit.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// HealthInterval is how often the health message is published.
	HealthInterval time.Duration `yaml:"health_interval"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig contains the device reconnect backoff settings.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DeviceConfig describes one physical CozyLife switch.
type DeviceConfig struct {
	IP        string   `yaml:"ip"`
	Port      int      `yaml:"port"`
	DeviceID  string   `yaml:"device_id"`
	ProductID string   `yaml:"product_id"`
	DPID      string   `yaml:"dpid"`
	Model     string   `yaml:"model"`
	Channels  int      `yaml:"channels"`
	Names     []string `yaml:"names"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig controls the channel state-change audit trail.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Retention is how long state changes are kept.
	Retention time.Duration `yaml:"retention"`

	// PruneSchedule is a cron expression for the prune job.
	PruneSchedule string `yaml:"prune_schedule"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: COZYLIFE_SECTION_KEY
// For example: COZYLIFE_DATABASE_PATH, COZYLIFE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDeviceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "cozylife-bridge",
			PollInterval:   700 * time.Millisecond,
			IOTimeout:      2 * time.Second,
			ConfirmDelay:   100 * time.Millisecond,
			ShutdownGrace:  5 * time.Second,
			HealthInterval: 30 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     30 * time.Second,
				Multiplier:   1.5,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/cozylife.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			Enabled:       true,
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "@daily",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "cozylife-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Metrics: MetricsConfig{
			Listen: ":9105",
			Path:   "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: COZYLIFE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COZYLIFE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("COZYLIFE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("COZYLIFE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("COZYLIFE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("COZYLIFE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("COZYLIFE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("COZYLIFE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bridge.PollInterval = d
		}
	}

	if v := os.Getenv("COZYLIFE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// applyDeviceDefaults fills in per-device values that may be omitted.
func (c *Config) applyDeviceDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Port == 0 {
			d.Port = DefaultDevicePort
		}
		if d.DPID == "" {
			d.DPID = DefaultDPID
		}
		if d.Channels == 0 {
			d.Channels = 1
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of all validation failures, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.PollInterval <= 0 {
		errs = append(errs, "bridge.poll_interval must be positive")
	}
	if c.Bridge.IOTimeout <= 0 {
		errs = append(errs, "bridge.io_timeout must be positive")
	}
	if c.Bridge.Reconnect.InitialDelay <= 0 || c.Bridge.Reconnect.MaxDelay < c.Bridge.Reconnect.InitialDelay {
		errs = append(errs, "bridge.reconnect delays must be positive with max_delay >= initial_delay")
	}
	if c.Bridge.Reconnect.Multiplier < 1 {
		errs = append(errs, "bridge.reconnect.multiplier must be >= 1")
	}

	if c.History.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when history is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(c.Devices) == 0 {
		errs = append(errs, "at least one device is required")
	}
	errs = append(errs, c.validateDevices()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateDevices() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Devices))

	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.DeviceID == "" {
			errs = append(errs, prefix+": device_id is required")
		} else if seen[d.DeviceID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate device_id %q", prefix, d.DeviceID))
		}
		seen[d.DeviceID] = true

		if d.IP == "" {
			errs = append(errs, prefix+": ip is required")
		}
		if d.Port < 1 || d.Port > 65535 {
			errs = append(errs, prefix+": port must be between 1 and 65535")
		}
		if d.Channels < 1 || d.Channels > 2 {
			errs = append(errs, prefix+": channels must be 1 or 2")
		}
		if len(d.Names) > d.Channels {
			errs = append(errs, prefix+": more names than channels")
		}
	}

	return errs
}

// String returns a redacted summary of the MQTT settings for logging.
func (m MQTTConfig) String() string {
	pw := ""
	if m.Auth.Password != "" {
		pw = "***"
	}
	return fmt.Sprintf("tcp://%s:%d user=%q password=%q", m.Broker.Host, m.Broker.Port, m.Auth.Username, pw)
}
