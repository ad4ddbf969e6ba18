package telnet

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/nanopk/nanogate/logger"
)

// ConnectionConfig represents the configuration parameters for a device
// session.
type ConnectionConfig struct {
	// host specifies the host of the device.
	host string

	// port specifies the TCP port number of the device.
	port int

	// lineTerminator is appended to every outbound line. Inbound lines are
	// accepted with either CR/LF or bare LF endings regardless of this value.
	// Defaults to "\r\n".
	lineTerminator string

	// telemetryPrefix marks unsolicited telemetry lines. A line whose first
	// token equals this prefix is routed to the telemetry handler and is
	// never treated as a command response. Defaults to "pm".
	telemetryPrefix string

	// connectTimeout bounds a single dial attempt. Defaults to 10 seconds.
	connectTimeout time.Duration

	// writeTimeout bounds a single line write. Defaults to 5 seconds.
	writeTimeout time.Duration

	// drainTimeout bounds the wait for a late response line owed by a
	// timed-out command before the session forces a reconnect.
	// Defaults to 2 seconds.
	drainTimeout time.Duration

	// retryBaseDelay is the delay before the first reconnect attempt; each
	// subsequent attempt doubles it. Defaults to 1 second.
	retryBaseDelay time.Duration

	// retryMaxDelay caps the backoff delay between reconnect attempts.
	// Defaults to 30 seconds.
	retryMaxDelay time.Duration

	// retryMaxAttempts bounds one reconnect cycle. Zero means unbounded.
	// Defaults to 0.
	retryMaxAttempts int

	// reconnectWait bounds how long a request may wait for the session to
	// come back before failing with ErrRetriesExhausted. Defaults to 15 seconds.
	reconnectWait time.Duration

	// keepAlive is the TCP keep-alive period. Defaults to 30 seconds.
	keepAlive time.Duration

	// responseQueueSize is the capacity of the inbound response line queue.
	// When the queue is full the oldest line is dropped. Defaults to 8.
	responseQueueSize int

	// closeTimeout bounds the shutdown of the session's goroutines.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	// logger provides a logger instance for session events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates a new session configuration with the given
// host, port number, and optional functional options.
//
// It initializes a ConnectionConfig with default values and then applies the
// provided options to customize the configuration.
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		lineTerminator:    "\r\n",
		telemetryPrefix:   "pm",
		connectTimeout:    10 * time.Second,
		writeTimeout:      5 * time.Second,
		drainTimeout:      2 * time.Second,
		retryBaseDelay:    1 * time.Second,
		retryMaxDelay:     30 * time.Second,
		retryMaxAttempts:  0,
		reconnectWait:     15 * time.Second,
		keepAlive:         30 * time.Second,
		responseQueueSize: 8,
		closeTimeout:      3 * time.Second,
		logger:            logger.GetLogger(),
	}

	if err := withHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.retryBaseDelay > cfg.retryMaxDelay {
		return cfg, errors.New("retry base delay exceeds retry max delay")
	}

	return cfg, nil
}

// Host returns the configured device host.
func (cfg *ConnectionConfig) Host() string { return cfg.host }

// Port returns the configured device port.
func (cfg *ConnectionConfig) Port() int { return cfg.port }

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error { return c.applyFunc(cfg) }

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{name: name, applyFunc: f}
}

// withHost sets the device host. It returns a ConnOption that validates the
// host and updates the configuration.
func withHost(host string) ConnOption {
	return newConnOptFunc("withHost", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if host == "" {
			return errors.New("host is empty")
		}

		// Accept any IP address directly.
		if ip := net.ParseIP(host); ip != nil {
			cfg.host = host
			return nil
		}

		host = strings.TrimPrefix(host, ".")
		host = strings.TrimSuffix(host, ".")
		if host == "" {
			return errors.New("invalid host")
		}
		cfg.host = host

		return nil
	})
}

// withPort sets the TCP port number. It returns a ConnOption that validates
// the port number and updates the configuration.
func withPort(port int) ConnOption {
	return newConnOptFunc("withPort", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if port < 1 || port > 65535 {
			return errors.New("port is out of range [1, 65535]")
		}
		cfg.port = port

		return nil
	})
}

// WithLineTerminator sets the line terminator appended to outbound lines.
//
// The default value is "\r\n".
func WithLineTerminator(terminator string) ConnOption {
	return newConnOptFunc("WithLineTerminator", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if terminator != "\r\n" && terminator != "\n" && terminator != "\r" {
			return errors.New(`line terminator must be "\r\n", "\n" or "\r"`)
		}
		cfg.lineTerminator = terminator

		return nil
	})
}

// WithTelemetryPrefix sets the first token that marks unsolicited telemetry
// lines. An empty prefix disables telemetry classification entirely.
//
// The default value is "pm".
func WithTelemetryPrefix(prefix string) ConnOption {
	return newConnOptFunc("WithTelemetryPrefix", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		cfg.telemetryPrefix = prefix

		return nil
	})
}

// WithConnectTimeout sets the timeout for a single dial attempt.
// An error is returned if the timeout is outside the valid range
// (0.1-60 seconds) or if the configuration is nil.
//
// The default value is 10 seconds.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 100*time.Millisecond || val > 60*time.Second {
			return errors.New("connect timeout out of range [0.1, 60]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithWriteTimeout sets the deadline for writing a single line.
// An error is returned if the timeout is outside the valid range
// (0.1-60 seconds) or if the configuration is nil.
//
// The default value is 5 seconds.
func WithWriteTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithWriteTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 100*time.Millisecond || val > 60*time.Second {
			return errors.New("write timeout out of range [0.1, 60]")
		}
		cfg.writeTimeout = val

		return nil
	})
}

// WithDrainTimeout sets the wait for a late response line owed by a
// timed-out command before the session forces a reconnect.
// An error is returned if the timeout is outside the valid range
// (0.01-60 seconds) or if the configuration is nil.
//
// The default value is 2 seconds.
func WithDrainTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithDrainTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 60*time.Second {
			return errors.New("drain timeout out of range [0.01, 60]")
		}
		cfg.drainTimeout = val

		return nil
	})
}

// WithRetryBaseDelay sets the delay before the first reconnect attempt.
// Each subsequent attempt doubles the delay up to the retry max delay.
// An error is returned if the delay is outside the valid range
// (0.01-60 seconds) or if the configuration is nil.
//
// The default value is 1 second.
func WithRetryBaseDelay(val time.Duration) ConnOption {
	return newConnOptFunc("WithRetryBaseDelay", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 60*time.Second {
			return errors.New("retry base delay out of range [0.01, 60]")
		}
		cfg.retryBaseDelay = val

		return nil
	})
}

// WithRetryMaxDelay caps the backoff delay between reconnect attempts.
// An error is returned if the delay is outside the valid range
// (0.01-300 seconds) or if the configuration is nil.
//
// The default value is 30 seconds.
func WithRetryMaxDelay(val time.Duration) ConnOption {
	return newConnOptFunc("WithRetryMaxDelay", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 300*time.Second {
			return errors.New("retry max delay out of range [0.01, 300]")
		}
		cfg.retryMaxDelay = val

		return nil
	})
}

// WithRetryMaxAttempts bounds one reconnect cycle. After the given number of
// failed dial attempts the connect loop gives up; the next request restarts
// it. Zero means unbounded.
//
// The default value is 0.
func WithRetryMaxAttempts(val int) ConnOption {
	return newConnOptFunc("WithRetryMaxAttempts", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 0 {
			return errors.New("retry max attempts must not be negative")
		}
		cfg.retryMaxAttempts = val

		return nil
	})
}

// WithReconnectWait bounds how long a request may wait for the session to
// come back before failing with ErrRetriesExhausted.
// An error is returned if the value is outside the valid range
// (0.01-600 seconds) or if the configuration is nil.
//
// The default value is 15 seconds.
func WithReconnectWait(val time.Duration) ConnOption {
	return newConnOptFunc("WithReconnectWait", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 600*time.Second {
			return errors.New("reconnect wait out of range [0.01, 600]")
		}
		cfg.reconnectWait = val

		return nil
	})
}

// WithKeepAlive sets the TCP keep-alive period. Zero disables keep-alives.
//
// The default value is 30 seconds.
func WithKeepAlive(val time.Duration) ConnOption {
	return newConnOptFunc("WithKeepAlive", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 0 {
			return errors.New("keep-alive must not be negative")
		}
		cfg.keepAlive = val

		return nil
	})
}

// WithResponseQueueSize sets the capacity of the inbound response line queue.
// When the queue is full the oldest line is dropped.
//
// The queue size must be within the range of 1 to 1000.
// The default value is 8.
func WithResponseQueueSize(size int) ConnOption {
	return newConnOptFunc("WithResponseQueueSize", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if size < 1 || size > 1000 {
			return errors.New("response queue size out of range [1, 1000]")
		}
		cfg.responseQueueSize = size

		return nil
	})
}

// WithCloseTimeout bounds the shutdown of the session's goroutines.
// An error is returned if the timeout is outside the valid range
// (1-30 seconds) or if the configuration is nil.
//
// The default value is 3 seconds.
func WithCloseTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithCloseTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1*time.Second || val > 30*time.Second {
			return errors.New("close timeout out of range [1, 30]")
		}
		cfg.closeTimeout = val

		return nil
	})
}

// WithLogger sets the logger for the session.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		cfg.logger = l

		return nil
	})
}
