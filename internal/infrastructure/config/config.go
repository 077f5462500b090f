package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Link agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device       DeviceConfig      `yaml:"device"`
	Bearer       BearerConfig      `yaml:"bearer"`
	Modem        ModemConfig       `yaml:"modem"`
	Cloud        CloudConfig       `yaml:"cloud"`
	Certificates CertificateConfig `yaml:"certificates"`
	Intervals    IntervalConfig    `yaml:"intervals"`
	Spool        SpoolConfig       `yaml:"spool"`
	InfluxDB     InfluxDBConfig    `yaml:"influxdb"`
	Logging      LoggingConfig     `yaml:"logging"`
}

// DeviceConfig contains device identity settings.
type DeviceConfig struct {
	// ThingName overrides the MAC-derived thing name when set.
	// When empty, the thing name is derived as "esp32-s3-device-<MAC hex>".
	ThingName string `yaml:"thing_name"`

	// MACAddress is the 12-hex-digit device MAC used for identity derivation.
	// When empty, the first hardware interface MAC is used.
	MACAddress string `yaml:"mac_address"`
}

// BearerConfig selects which network bearer carries the broker session.
type BearerConfig struct {
	// Mode is "cellular" (SIM7600 modem over serial) or "hostnet"
	// (the host OS network stack, e.g. WiFi or Ethernet).
	Mode string `yaml:"mode"`
}

// ModemConfig contains serial and cellular settings for the SIM7600 modem.
type ModemConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	APN      string `yaml:"apn"`

	// CommandTimeout is the default AT exchange timeout in seconds.
	CommandTimeout int `yaml:"command_timeout"`
}

// CloudConfig contains the IoT broker endpoint settings.
type CloudConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Port      int    `yaml:"port"`
	KeepAlive int    `yaml:"keep_alive"`
	QoS       int    `yaml:"qos"`
}

// CertificateConfig contains filesystem paths to the TLS credential PEMs.
// All three are required for the mutual-TLS broker connection.
type CertificateConfig struct {
	RootCA     string `yaml:"root_ca"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// IntervalConfig contains the periodic publish and retry timings.
type IntervalConfig struct {
	// ShadowUpdate is the shadow publish period in seconds.
	ShadowUpdate int `yaml:"shadow_update"`

	// Telemetry is the telemetry publish period in seconds.
	Telemetry int `yaml:"telemetry"`

	// RetryBackoff is the delay between reconnection attempts in seconds.
	RetryBackoff int `yaml:"retry_backoff"`
}

// SpoolConfig contains the offline telemetry spool settings.
type SpoolConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// MaxEntries caps the number of buffered telemetry rows.
	MaxEntries int `yaml:"max_entries"`
}

// InfluxDBConfig contains the optional local telemetry mirror settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
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
// Environment variables follow the pattern: GRAYLINK_SECTION_KEY
// For example: GRAYLINK_MODEM_PORT, GRAYLINK_CLOUD_ENDPOINT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
// The interval defaults mirror the field deployment timings: 30 s shadow,
// 60 s telemetry, 30 s retry backoff.
func defaultConfig() *Config {
	return &Config{
		Bearer: BearerConfig{
			Mode: "cellular",
		},
		Modem: ModemConfig{
			Port:           "/dev/ttyUSB2",
			BaudRate:       115200,
			APN:            "internet",
			CommandTimeout: 3,
		},
		Cloud: CloudConfig{
			Port:      8883,
			KeepAlive: 60,
			QoS:       1,
		},
		Certificates: CertificateConfig{
			RootCA:     "certs/aws_root_ca.pem",
			ClientCert: "certs/device_cert.pem",
			ClientKey:  "certs/device_private_key.pem",
		},
		Intervals: IntervalConfig{
			ShadowUpdate: 30,
			Telemetry:    60,
			RetryBackoff: 30,
		},
		Spool: SpoolConfig{
			Enabled:     false,
			Path:        "./data/graylink-spool.db",
			WALMode:     true,
			BusyTimeout: 5000,
			MaxEntries:  1000,
		},
		InfluxDB: InfluxDBConfig{
			Enabled:       false,
			URL:           "http://localhost:8086",
			Org:           "graylink",
			Bucket:        "telemetry",
			BatchSize:     20,
			FlushInterval: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Device identity
	if v := os.Getenv("GRAYLINK_DEVICE_THING_NAME"); v != "" {
		cfg.Device.ThingName = v
	}

	// Bearer
	if v := os.Getenv("GRAYLINK_BEARER_MODE"); v != "" {
		cfg.Bearer.Mode = v
	}

	// Modem
	if v := os.Getenv("GRAYLINK_MODEM_PORT"); v != "" {
		cfg.Modem.Port = v
	}
	if v := os.Getenv("GRAYLINK_MODEM_APN"); v != "" {
		cfg.Modem.APN = v
	}

	// Cloud endpoint
	if v := os.Getenv("GRAYLINK_CLOUD_ENDPOINT"); v != "" {
		cfg.Cloud.Endpoint = v
	}
	if v := os.Getenv("GRAYLINK_CLOUD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Cloud.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("GRAYLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Bearer validation
	switch c.Bearer.Mode {
	case "cellular", "hostnet":
	default:
		errs = append(errs, "bearer.mode must be \"cellular\" or \"hostnet\"")
	}

	// Modem validation (only meaningful for the cellular bearer)
	if c.Bearer.Mode == "cellular" {
		if c.Modem.Port == "" {
			errs = append(errs, "modem.port is required for the cellular bearer")
		}
		if c.Modem.BaudRate <= 0 {
			errs = append(errs, "modem.baud_rate must be positive")
		}
	}

	// Cloud validation
	if c.Cloud.Endpoint == "" {
		errs = append(errs, "cloud.endpoint is required (set GRAYLINK_CLOUD_ENDPOINT environment variable)")
	}
	if c.Cloud.Port < 1 || c.Cloud.Port > 65535 {
		errs = append(errs, "cloud.port must be between 1 and 65535")
	}
	if c.Cloud.QoS < 0 || c.Cloud.QoS > 2 {
		errs = append(errs, "cloud.qos must be 0, 1, or 2")
	}

	// Intervals validation
	if c.Intervals.ShadowUpdate <= 0 {
		errs = append(errs, "intervals.shadow_update must be positive")
	}
	if c.Intervals.Telemetry <= 0 {
		errs = append(errs, "intervals.telemetry must be positive")
	}

	// Spool validation
	if c.Spool.Enabled && c.Spool.Path == "" {
		errs = append(errs, "spool.path is required when spool is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetShadowInterval returns the shadow publish period as a Duration.
func (c *Config) GetShadowInterval() time.Duration {
	return time.Duration(c.Intervals.ShadowUpdate) * time.Second
}

// GetTelemetryInterval returns the telemetry publish period as a Duration.
func (c *Config) GetTelemetryInterval() time.Duration {
	return time.Duration(c.Intervals.Telemetry) * time.Second
}

// GetRetryBackoff returns the reconnection backoff as a Duration.
func (c *Config) GetRetryBackoff() time.Duration {
	return time.Duration(c.Intervals.RetryBackoff) * time.Second
}

// GetCommandTimeout returns the default AT exchange timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Modem.CommandTimeout) * time.Second
}
