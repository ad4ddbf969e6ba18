package telnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConnectionConfig_Defaults(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig("192.168.1.10", 23)
	require.NoError(err)

	require.Equal("192.168.1.10", cfg.Host())
	require.Equal(23, cfg.Port())
	require.Equal("\r\n", cfg.lineTerminator)
	require.Equal("pm", cfg.telemetryPrefix)
	require.Equal(10*time.Second, cfg.connectTimeout)
	require.Equal(5*time.Second, cfg.writeTimeout)
	require.Equal(2*time.Second, cfg.drainTimeout)
	require.Equal(1*time.Second, cfg.retryBaseDelay)
	require.Equal(30*time.Second, cfg.retryMaxDelay)
	require.Equal(0, cfg.retryMaxAttempts)
	require.Equal(15*time.Second, cfg.reconnectWait)
	require.Equal(8, cfg.responseQueueSize)
}

func TestNewConnectionConfig_HostValidation(t *testing.T) {
	require := require.New(t)

	_, err := NewConnectionConfig("", 23)
	require.Error(err)

	_, err = NewConnectionConfig(".", 23)
	require.Error(err)

	cfg, err := NewConnectionConfig("boiler.local.", 23)
	require.NoError(err)
	require.Equal("boiler.local", cfg.Host())

	cfg, err = NewConnectionConfig("fe80::1", 23)
	require.NoError(err)
	require.Equal("fe80::1", cfg.Host())
}

func TestNewConnectionConfig_PortValidation(t *testing.T) {
	require := require.New(t)

	_, err := NewConnectionConfig("127.0.0.1", 0)
	require.Error(err)

	_, err = NewConnectionConfig("127.0.0.1", 65536)
	require.Error(err)

	_, err = NewConnectionConfig("127.0.0.1", -1)
	require.Error(err)
}

func TestNewConnectionConfig_OptionValidation(t *testing.T) {
	tests := []struct {
		name string
		opt  ConnOption
	}{
		{"bad line terminator", WithLineTerminator("|")},
		{"connect timeout too small", WithConnectTimeout(time.Millisecond)},
		{"connect timeout too large", WithConnectTimeout(2 * time.Minute)},
		{"write timeout too small", WithWriteTimeout(time.Millisecond)},
		{"drain timeout too small", WithDrainTimeout(time.Millisecond)},
		{"retry base delay too small", WithRetryBaseDelay(time.Millisecond)},
		{"retry max delay too large", WithRetryMaxDelay(10 * time.Minute)},
		{"negative retry attempts", WithRetryMaxAttempts(-1)},
		{"reconnect wait too small", WithReconnectWait(time.Millisecond)},
		{"negative keep-alive", WithKeepAlive(-time.Second)},
		{"zero queue size", WithResponseQueueSize(0)},
		{"close timeout too small", WithCloseTimeout(time.Millisecond)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewConnectionConfig("127.0.0.1", 23, test.opt)
			require.Error(t, err)
		})
	}
}

func TestNewConnectionConfig_DelayOrdering(t *testing.T) {
	require := require.New(t)

	_, err := NewConnectionConfig("127.0.0.1", 23,
		WithRetryBaseDelay(10*time.Second),
		WithRetryMaxDelay(5*time.Second),
	)
	require.Error(err)
}

func TestJitterDelay(t *testing.T) {
	require := require.New(t)

	base := time.Second

	for i := 0; i < 100; i++ {
		d := jitterDelay(base)
		require.GreaterOrEqual(d, 800*time.Millisecond)
		require.LessOrEqual(d, 1200*time.Millisecond)
	}
}
