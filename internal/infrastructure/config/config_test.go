package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfigFile writes a temporary config file and returns its path.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

const validConfig = `
device:
  thing_name: "esp32-s3-device-AABBCCDDEEFF"
bearer:
  mode: cellular
modem:
  port: /dev/ttyUSB2
  baud_rate: 115200
  apn: internet
cloud:
  endpoint: example.iot.eu-west-1.amazonaws.com
  port: 8883
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfigFile(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	if cfg.Device.ThingName != "esp32-s3-device-AABBCCDDEEFF" {
		t.Errorf("ThingName = %q, want configured value", cfg.Device.ThingName)
	}
	if cfg.Cloud.Endpoint != "example.iot.eu-west-1.amazonaws.com" {
		t.Errorf("Endpoint = %q, want configured value", cfg.Cloud.Endpoint)
	}

	// Defaults applied for sections the file omits
	if cfg.Intervals.ShadowUpdate != 30 {
		t.Errorf("ShadowUpdate = %d, want default 30", cfg.Intervals.ShadowUpdate)
	}
	if cfg.Intervals.Telemetry != 60 {
		t.Errorf("Telemetry = %d, want default 60", cfg.Intervals.Telemetry)
	}
	if cfg.Cloud.QoS != 1 {
		t.Errorf("QoS = %d, want default 1", cfg.Cloud.QoS)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfigFile(t, validConfig)

	t.Setenv("GRAYLINK_MODEM_PORT", "/dev/ttyAMA0")
	t.Setenv("GRAYLINK_CLOUD_PORT", "443")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	if cfg.Modem.Port != "/dev/ttyAMA0" {
		t.Errorf("Modem.Port = %q, want env override", cfg.Modem.Port)
	}
	if cfg.Cloud.Port != 443 {
		t.Errorf("Cloud.Port = %d, want env override 443", cfg.Cloud.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults with endpoint",
			mutate: func(c *Config) { c.Cloud.Endpoint = "example.com" },
		},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) {},
			wantErr: "cloud.endpoint",
		},
		{
			name: "invalid bearer mode",
			mutate: func(c *Config) {
				c.Cloud.Endpoint = "example.com"
				c.Bearer.Mode = "satellite"
			},
			wantErr: "bearer.mode",
		},
		{
			name: "invalid qos",
			mutate: func(c *Config) {
				c.Cloud.Endpoint = "example.com"
				c.Cloud.QoS = 3
			},
			wantErr: "cloud.qos",
		},
		{
			name: "cellular without modem port",
			mutate: func(c *Config) {
				c.Cloud.Endpoint = "example.com"
				c.Modem.Port = ""
			},
			wantErr: "modem.port",
		},
		{
			name: "hostnet does not need modem port",
			mutate: func(c *Config) {
				c.Cloud.Endpoint = "example.com"
				c.Bearer.Mode = "hostnet"
				c.Modem.Port = ""
			},
		},
		{
			name: "spool enabled without path",
			mutate: func(c *Config) {
				c.Cloud.Endpoint = "example.com"
				c.Spool.Enabled = true
				c.Spool.Path = ""
			},
			wantErr: "spool.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.GetShadowInterval().Seconds(); got != 30 {
		t.Errorf("GetShadowInterval() = %vs, want 30s", got)
	}
	if got := cfg.GetTelemetryInterval().Seconds(); got != 60 {
		t.Errorf("GetTelemetryInterval() = %vs, want 60s", got)
	}
	if got := cfg.GetRetryBackoff().Seconds(); got != 30 {
		t.Errorf("GetRetryBackoff() = %vs, want 30s", got)
	}
}
