package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nanogate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
device:
  host: 192.168.1.50
`)

	cfg, err := Load(path)
	require.NoError(err)

	require.Equal("192.168.1.50", cfg.Device.Host)
	require.Equal(23, cfg.Device.Port)
	require.Equal("\r\n", cfg.Device.LineTerminator)
	require.Equal("pm", cfg.Device.TelemetryPrefix)
	require.Equal(10*time.Second, cfg.Device.ConnectTimeout)
	require.Equal(time.Second, cfg.Device.RetryBaseDelay)
	require.Equal(30*time.Second, cfg.Device.RetryMaxDelay)
	require.Equal(0, cfg.Device.RetryMaxAttempts)
	require.Equal(5*time.Second, cfg.Dispatch.ReplyTimeout)
	require.Equal(16, cfg.Dispatch.QueueSize)
	require.Equal(1883, cfg.MQTT.Port)
	require.Equal("homeassistant", cfg.MQTT.DiscoveryPrefix)
	require.Equal(":8080", cfg.Web.Addr)
	require.Equal("info", cfg.Log.Level)
	require.Equal("aliases.yaml", cfg.AliasFile)
	require.InDelta(0.001, cfg.FloatEpsilon, 1e-9)
}

func TestLoad_FileOverrides(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
device:
  host: boiler.local
  port: 4001
  retry_base_delay: 500ms
  retry_max_delay: 10s
  retry_max_attempts: 5
dispatch:
  reply_timeout: 2s
  queue_size: 4
mqtt:
  broker: mqtt.local
  base_topic: nano_pk
  qos: 1
web:
  addr: ":9090"
log:
  level: debug
alias_file: /etc/nanogate/aliases.yaml
`)

	cfg, err := Load(path)
	require.NoError(err)

	require.Equal("boiler.local", cfg.Device.Host)
	require.Equal(4001, cfg.Device.Port)
	require.Equal(500*time.Millisecond, cfg.Device.RetryBaseDelay)
	require.Equal(10*time.Second, cfg.Device.RetryMaxDelay)
	require.Equal(5, cfg.Device.RetryMaxAttempts)
	require.Equal(2*time.Second, cfg.Dispatch.ReplyTimeout)
	require.Equal(4, cfg.Dispatch.QueueSize)
	require.Equal("mqtt.local", cfg.MQTT.Broker)
	require.Equal("nano_pk", cfg.MQTT.BaseTopic)
	require.Equal(1, cfg.MQTT.QoS)
	require.Equal(":9090", cfg.Web.Addr)
	require.Equal("debug", cfg.Log.Level)
	require.Equal("/etc/nanogate/aliases.yaml", cfg.AliasFile)
}

func TestLoad_EnvOverrides(t *testing.T) {
	require := require.New(t)

	t.Setenv("NANOGATE_DEVICE_HOST", "10.0.0.7")
	t.Setenv("NANOGATE_DEVICE_PORT", "2323")
	t.Setenv("NANOGATE_LOG_LEVEL", "warn")

	path := writeConfig(t, `
device:
  host: ignored.local
`)

	cfg, err := Load(path)
	require.NoError(err)

	require.Equal("10.0.0.7", cfg.Device.Host)
	require.Equal(2323, cfg.Device.Port)
	require.Equal("warn", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	require := require.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Device.Host = "192.168.1.50"
		cfg.Device.Port = 23
		cfg.Device.ConnectTimeout = 10 * time.Second
		cfg.Device.WriteTimeout = 5 * time.Second
		cfg.Device.RetryBaseDelay = time.Second
		cfg.Device.RetryMaxDelay = 30 * time.Second
		cfg.Dispatch.ReplyTimeout = 5 * time.Second
		cfg.Dispatch.QueueSize = 16
		cfg.AliasFile = "aliases.yaml"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.Device.Host = "" }},
		{"port out of range", func(c *Config) { c.Device.Port = 70000 }},
		{"zero connect timeout", func(c *Config) { c.Device.ConnectTimeout = 0 }},
		{"zero write timeout", func(c *Config) { c.Device.WriteTimeout = 0 }},
		{"zero retry base delay", func(c *Config) { c.Device.RetryBaseDelay = 0 }},
		{"max delay below base delay", func(c *Config) { c.Device.RetryMaxDelay = time.Millisecond }},
		{"negative retry attempts", func(c *Config) { c.Device.RetryMaxAttempts = -1 }},
		{"zero reply timeout", func(c *Config) { c.Dispatch.ReplyTimeout = 0 }},
		{"zero queue size", func(c *Config) { c.Dispatch.QueueSize = 0 }},
		{"mqtt port out of range", func(c *Config) { c.MQTT.Broker = "mqtt.local"; c.MQTT.Port = 0 }},
		{"mqtt qos out of range", func(c *Config) { c.MQTT.Broker = "mqtt.local"; c.MQTT.Port = 1883; c.MQTT.QoS = 2 }},
		{"negative epsilon", func(c *Config) { c.FloatEpsilon = -0.1 }},
		{"missing alias file", func(c *Config) { c.AliasFile = "" }},
	}

	require.NoError(t, valid().Validate())

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid()
			test.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
