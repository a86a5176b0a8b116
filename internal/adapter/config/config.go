// Package config provides configuration management for the bridge.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
)

// Config holds all configuration for the bridge.
type Config struct {
	// Meter is the SDM120 connection and read policy.
	Meter MeterConfig `mapstructure:"meter"`

	// Link is the wireless-link supervision policy.
	Link LinkConfig `mapstructure:"link"`

	// MQTT is the broker session and topic layout.
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Poll is the cycle cadence.
	Poll PollConfig `mapstructure:"poll"`

	// HTTP serves health, metrics, and the status API.
	HTTP HTTPConfig `mapstructure:"http"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// MeterConfig holds the Modbus TCP connection and per-parameter read
// policy.
type MeterConfig struct {
	IP                    string        `mapstructure:"ip"`
	Port                  int           `mapstructure:"port"`
	SlaveID               int           `mapstructure:"slave_id"`
	Timeout               time.Duration `mapstructure:"timeout"`
	SettleDelay           time.Duration `mapstructure:"settle_delay"`
	ReadMaxAttempts       int           `mapstructure:"read_max_attempts"`
	RetryBaseDelay        time.Duration `mapstructure:"retry_base_delay"`
	RetryStepDelay        time.Duration `mapstructure:"retry_step_delay"`
	InterParameterDelay   time.Duration `mapstructure:"inter_parameter_delay"`
	FirstParamsExtraDelay time.Duration `mapstructure:"first_params_extra_delay"`
	FirstParamsSlowCount  int           `mapstructure:"first_params_slow_count"`
	TimeoutCheckThreshold int           `mapstructure:"timeout_check_threshold"`
}

// Address returns the meter's host:port dial target.
func (m MeterConfig) Address() string {
	return net.JoinHostPort(m.IP, strconv.Itoa(m.Port))
}

// LinkConfig holds the connectivity supervisor policy.
type LinkConfig struct {
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	ConnectMaxAttempts  int           `mapstructure:"connect_max_attempts"`
	ConnectBackoff      time.Duration `mapstructure:"connect_backoff"`
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	ProbeTripThreshold  int           `mapstructure:"probe_trip_threshold"`
	ProbeRecoveryWindow time.Duration `mapstructure:"probe_recovery_window"`
}

// MQTTConfig holds the broker session and topic configuration.
type MQTTConfig struct {
	BrokerURL        string        `mapstructure:"broker_url"`
	ClientID         string        `mapstructure:"client_id"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	KeepAlive        time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
	TopicPrefix      string        `mapstructure:"topic_prefix"`
	IndividualTopics bool          `mapstructure:"individual_topics"`

	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

// DiscoveryConfig holds the Home Assistant discovery settings.
type DiscoveryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Prefix      string        `mapstructure:"prefix"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	MessageGap  time.Duration `mapstructure:"message_gap"`
}

// PollConfig holds the cycle cadence.
type PollConfig struct {
	Period        time.Duration `mapstructure:"period"`
	RecoveryDelay time.Duration `mapstructure:"recovery_delay"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Config file search paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/sdm120-bridge")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	// Environment variable binding
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Meter
	v.SetDefault("meter.ip", "")
	v.SetDefault("meter.port", 502)
	v.SetDefault("meter.slave_id", 1)
	v.SetDefault("meter.timeout", 3*time.Second)
	v.SetDefault("meter.settle_delay", 500*time.Millisecond)
	v.SetDefault("meter.read_max_attempts", 3)
	v.SetDefault("meter.retry_base_delay", 200*time.Millisecond)
	v.SetDefault("meter.retry_step_delay", 300*time.Millisecond)
	v.SetDefault("meter.inter_parameter_delay", 100*time.Millisecond)
	v.SetDefault("meter.first_params_extra_delay", 100*time.Millisecond)
	v.SetDefault("meter.first_params_slow_count", 3)
	v.SetDefault("meter.timeout_check_threshold", 3)

	// Link
	v.SetDefault("link.connect_timeout", 30*time.Second)
	v.SetDefault("link.connect_max_attempts", 5)
	v.SetDefault("link.connect_backoff", 2*time.Second)
	v.SetDefault("link.monitor_interval", 10*time.Second)
	v.SetDefault("link.probe_timeout", 2*time.Second)
	v.SetDefault("link.probe_trip_threshold", 3)
	v.SetDefault("link.probe_recovery_window", 30*time.Second)

	// MQTT
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.topic_prefix", "sdm120")
	v.SetDefault("mqtt.individual_topics", true)
	v.SetDefault("mqtt.discovery.enabled", true)
	v.SetDefault("mqtt.discovery.prefix", "homeassistant")
	v.SetDefault("mqtt.discovery.settle_delay", time.Second)
	v.SetDefault("mqtt.discovery.message_gap", 50*time.Millisecond)

	// Poll
	v.SetDefault("poll.period", 5*time.Second)
	v.SetDefault("poll.recovery_delay", 2*time.Second)

	// HTTP
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds the short environment variable names kept for
// deployment compatibility; everything else uses the BRIDGE_ prefix.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("meter.ip", "METER_IP")
	_ = v.BindEnv("meter.port", "METER_PORT")

	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")
	_ = v.BindEnv("mqtt.topic_prefix", "MQTT_TOPIC_PREFIX")

	_ = v.BindEnv("http.port", "HTTP_PORT")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Meter.IP == "" {
		return domain.ErrDeviceAddressRequired
	}
	if net.ParseIP(c.Meter.IP) == nil {
		return fmt.Errorf("%w: %q", domain.ErrInvalidDeviceAddress, c.Meter.IP)
	}
	if c.Meter.Port <= 0 || c.Meter.Port > 65535 {
		return fmt.Errorf("%w: invalid meter port %d", domain.ErrInvalidConfig, c.Meter.Port)
	}
	if c.Meter.SlaveID < 1 || c.Meter.SlaveID > 247 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidSlaveID, c.Meter.SlaveID)
	}
	if c.Meter.ReadMaxAttempts < 1 {
		return fmt.Errorf("%w: read_max_attempts must be at least 1", domain.ErrInvalidConfig)
	}
	if c.MQTT.BrokerURL == "" {
		return domain.ErrBrokerURLRequired
	}
	if c.MQTT.TopicPrefix == "" {
		return domain.ErrTopicPrefixRequired
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
		return fmt.Errorf("%w: topic prefix must not contain wildcards", domain.ErrInvalidConfig)
	}
	if c.Poll.Period <= 0 {
		return fmt.Errorf("%w: poll period must be positive", domain.ErrInvalidConfig)
	}
	if c.Poll.RecoveryDelay < 0 {
		return fmt.Errorf("%w: recovery delay must not be negative", domain.ErrInvalidConfig)
	}
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("%w: invalid HTTP port %d", domain.ErrInvalidConfig, c.HTTP.Port)
	}
	if c.Link.ConnectMaxAttempts < 1 {
		return fmt.Errorf("%w: link connect_max_attempts must be at least 1", domain.ErrInvalidConfig)
	}
	if c.Link.MonitorInterval <= 0 {
		return fmt.Errorf("%w: link monitor_interval must be positive", domain.ErrInvalidConfig)
	}
	return nil
}
