// Package config loads and validates the gateway configuration from a YAML
// file and NANOGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full gateway configuration.
type Config struct {
	Device   DeviceConfig   `mapstructure:"device"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Web      WebConfig      `mapstructure:"web"`
	Log      LogConfig      `mapstructure:"log"`
	// AliasFile is the path to the alias and channel definition file.
	AliasFile string `mapstructure:"alias_file"`
	// FloatEpsilon is the telemetry deduplication tolerance.
	FloatEpsilon float64 `mapstructure:"float_epsilon"`
}

// DeviceConfig describes the device session.
type DeviceConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	LineTerminator   string        `mapstructure:"line_terminator"`
	TelemetryPrefix  string        `mapstructure:"telemetry_prefix"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	KeepAlive        time.Duration `mapstructure:"keep_alive"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	ReconnectWait    time.Duration `mapstructure:"reconnect_wait"`
}

// DispatchConfig describes the command dispatcher.
type DispatchConfig struct {
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
	QueueSize    int           `mapstructure:"queue_size"`
}

// MQTTConfig describes the MQTT front. Disabled when Broker is empty.
type MQTTConfig struct {
	Broker          string        `mapstructure:"broker"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	ClientID        string        `mapstructure:"client_id"`
	BaseTopic       string        `mapstructure:"base_topic"`
	QoS             int           `mapstructure:"qos"`
	Retain          bool          `mapstructure:"retain"`
	DiscoveryPrefix string        `mapstructure:"discovery_prefix"`
	DeviceName      string        `mapstructure:"device_name"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
}

// WebConfig describes the HTTP front. Disabled when Addr is empty.
type WebConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig describes logging output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables rotating file output when Path is set.
	File LogFileConfig `mapstructure:"file"`
}

// LogFileConfig describes rotating log file output.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads the configuration from path. When path is empty it looks for
// nanogate.yaml in the working directory and /etc/nanogate. Environment
// variables prefixed with NANOGATE_ override file values, e.g.
// NANOGATE_DEVICE_HOST.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("NANOGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("nanogate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nanogate")

		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// every key needs a default so environment overrides resolve on unmarshal
	v.SetDefault("device.host", "")
	v.SetDefault("device.port", 23)
	v.SetDefault("device.line_terminator", "\r\n")
	v.SetDefault("device.telemetry_prefix", "pm")
	v.SetDefault("device.connect_timeout", 10*time.Second)
	v.SetDefault("device.write_timeout", 5*time.Second)
	v.SetDefault("device.drain_timeout", 2*time.Second)
	v.SetDefault("device.keep_alive", 30*time.Second)
	v.SetDefault("device.retry_base_delay", time.Second)
	v.SetDefault("device.retry_max_delay", 30*time.Second)
	v.SetDefault("device.retry_max_attempts", 0)
	v.SetDefault("device.reconnect_wait", 15*time.Second)

	v.SetDefault("dispatch.reply_timeout", 5*time.Second)
	v.SetDefault("dispatch.queue_size", 16)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "nanogate")
	v.SetDefault("mqtt.base_topic", "nanogate")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.retain", true)
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("mqtt.device_name", "nanogate device")
	v.SetDefault("mqtt.command_timeout", 30*time.Second)

	v.SetDefault("web.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age_days", 28)

	v.SetDefault("alias_file", "aliases.yaml")
	v.SetDefault("float_epsilon", 0.001)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Device.Host == "" {
		return errors.New("config: device.host is required")
	}
	if c.Device.Port < 1 || c.Device.Port > 65535 {
		return fmt.Errorf("config: device.port %d out of range", c.Device.Port)
	}
	if c.Device.ConnectTimeout <= 0 {
		return errors.New("config: device.connect_timeout must be positive")
	}
	if c.Device.WriteTimeout <= 0 {
		return errors.New("config: device.write_timeout must be positive")
	}
	if c.Device.RetryBaseDelay <= 0 {
		return errors.New("config: device.retry_base_delay must be positive")
	}
	if c.Device.RetryMaxDelay < c.Device.RetryBaseDelay {
		return errors.New("config: device.retry_max_delay must be >= device.retry_base_delay")
	}
	if c.Device.RetryMaxAttempts < 0 {
		return errors.New("config: device.retry_max_attempts must be >= 0")
	}
	if c.Dispatch.ReplyTimeout <= 0 {
		return errors.New("config: dispatch.reply_timeout must be positive")
	}
	if c.Dispatch.QueueSize < 1 {
		return errors.New("config: dispatch.queue_size must be >= 1")
	}
	if c.MQTT.Broker != "" {
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("config: mqtt.port %d out of range", c.MQTT.Port)
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 1 {
			return fmt.Errorf("config: mqtt.qos %d out of range", c.MQTT.QoS)
		}
	}
	if c.FloatEpsilon < 0 {
		return errors.New("config: float_epsilon must be >= 0")
	}
	if c.AliasFile == "" {
		return errors.New("config: alias_file is required")
	}

	return nil
}
