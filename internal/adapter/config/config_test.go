package config

import (
	"errors"
	"testing"
	"time"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
)

func validConfig() *Config {
	return &Config{
		Meter: MeterConfig{
			IP:              "192.168.1.100",
			Port:            502,
			SlaveID:         1,
			ReadMaxAttempts: 3,
		},
		Link: LinkConfig{
			ConnectMaxAttempts: 5,
			MonitorInterval:    10 * time.Second,
		},
		MQTT: MQTTConfig{
			BrokerURL:   "tcp://broker:1883",
			TopicPrefix: "sdm120",
		},
		Poll: PollConfig{
			Period:        5 * time.Second,
			RecoveryDelay: 2 * time.Second,
		},
		HTTP: HTTPConfig{Enabled: true, Port: 8080},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "missing meter IP",
			mutate:  func(c *Config) { c.Meter.IP = "" },
			wantErr: domain.ErrDeviceAddressRequired,
		},
		{
			name:    "malformed meter IP",
			mutate:  func(c *Config) { c.Meter.IP = "not-an-ip" },
			wantErr: domain.ErrInvalidDeviceAddress,
		},
		{
			name:    "meter port out of range",
			mutate:  func(c *Config) { c.Meter.Port = 70000 },
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name:    "slave ID zero",
			mutate:  func(c *Config) { c.Meter.SlaveID = 0 },
			wantErr: domain.ErrInvalidSlaveID,
		},
		{
			name:    "slave ID too large",
			mutate:  func(c *Config) { c.Meter.SlaveID = 248 },
			wantErr: domain.ErrInvalidSlaveID,
		},
		{
			name:    "zero read attempts",
			mutate:  func(c *Config) { c.Meter.ReadMaxAttempts = 0 },
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name:    "missing broker URL",
			mutate:  func(c *Config) { c.MQTT.BrokerURL = "" },
			wantErr: domain.ErrBrokerURLRequired,
		},
		{
			name:    "missing topic prefix",
			mutate:  func(c *Config) { c.MQTT.TopicPrefix = "" },
			wantErr: domain.ErrTopicPrefixRequired,
		},
		{
			name:    "wildcard in topic prefix",
			mutate:  func(c *Config) { c.MQTT.TopicPrefix = "sdm120/#" },
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name:    "non-positive poll period",
			mutate:  func(c *Config) { c.Poll.Period = 0 },
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name:    "negative recovery delay",
			mutate:  func(c *Config) { c.Poll.RecoveryDelay = -time.Second },
			wantErr: domain.ErrInvalidConfig,
		},
		{
			name:    "zero link attempts",
			mutate:  func(c *Config) { c.Link.ConnectMaxAttempts = 0 },
			wantErr: domain.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMeterAddress(t *testing.T) {
	m := MeterConfig{IP: "192.168.1.100", Port: 502}
	if got := m.Address(); got != "192.168.1.100:502" {
		t.Errorf("expected 192.168.1.100:502, got %q", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("METER_IP", "192.168.1.100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}

	if cfg.Meter.Port != 502 {
		t.Errorf("expected default meter port 502, got %d", cfg.Meter.Port)
	}
	if cfg.Meter.ReadMaxAttempts != 3 {
		t.Errorf("expected default read attempts 3, got %d", cfg.Meter.ReadMaxAttempts)
	}
	if cfg.MQTT.TopicPrefix != "sdm120" {
		t.Errorf("expected default topic prefix sdm120, got %q", cfg.MQTT.TopicPrefix)
	}
	if !cfg.MQTT.Discovery.Enabled || cfg.MQTT.Discovery.Prefix != "homeassistant" {
		t.Errorf("unexpected discovery defaults: %+v", cfg.MQTT.Discovery)
	}
	if cfg.Poll.Period != 5*time.Second || cfg.Poll.RecoveryDelay != 2*time.Second {
		t.Errorf("unexpected poll defaults: %+v", cfg.Poll)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("METER_IP", "10.0.0.7")
	t.Setenv("BRIDGE_METER_SLAVE_ID", "2")
	t.Setenv("BRIDGE_POLL_PERIOD", "10s")
	t.Setenv("MQTT_TOPIC_PREFIX", "meters/house")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}

	if cfg.Meter.IP != "10.0.0.7" {
		t.Errorf("expected meter IP override, got %q", cfg.Meter.IP)
	}
	if cfg.Meter.SlaveID != 2 {
		t.Errorf("expected slave ID override, got %d", cfg.Meter.SlaveID)
	}
	if cfg.Poll.Period != 10*time.Second {
		t.Errorf("expected poll period override, got %v", cfg.Poll.Period)
	}
	if cfg.MQTT.TopicPrefix != "meters/house" {
		t.Errorf("expected topic prefix override, got %q", cfg.MQTT.TopicPrefix)
	}
}

func TestLoadRejectsInvalidMeterIP(t *testing.T) {
	t.Setenv("METER_IP", "not-an-ip")

	if _, err := Load(); !errors.Is(err, domain.ErrInvalidDeviceAddress) {
		t.Fatalf("expected invalid device address error, got %v", err)
	}
}
