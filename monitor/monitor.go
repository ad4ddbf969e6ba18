package monitor

import (
	"context"
	"math"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nanopk/nanogate/alias"
	"github.com/nanopk/nanogate/internal/task"
	"github.com/nanopk/nanogate/logger"
)

// Reading is one decoded channel value from a telemetry frame.
type Reading struct {
	// Channel describes the value's position in the frame.
	Channel *alias.Channel
	// Value is the decoded payload: a string for the boiler status channel
	// (index 0), otherwise the numeric value (int64 or float64).
	Value any
}

// Publisher receives changed readings. The mqtt front satisfies it.
type Publisher interface {
	PublishReading(r Reading) error
}

// Monitor decodes telemetry frames and forwards changed readings to the
// publisher. Values that did not change since the last frame (within the
// float epsilon) are suppressed.
//
// Frames are handed off from the session's receiver goroutine to the
// monitor's own worker, so a slow publisher never stalls line
// classification. When the publisher falls behind, the oldest buffered
// frame is dropped; the device repeats current values in every frame.
type Monitor struct {
	channels  alias.ChannelMap
	publisher Publisher
	logger    logger.Logger
	epsilon   float64

	lines   chan string
	taskMgr *task.Manager

	// lastValues holds the most recently published payload per frame index.
	lastValues *xsync.MapOf[int, any]
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithFloatEpsilon sets the threshold under which two float values are
// considered equal for change suppression. The default is 0.001.
func WithFloatEpsilon(eps float64) Option {
	return func(m *Monitor) { m.epsilon = eps }
}

// WithQueueSize sets the number of telemetry frames buffered between the
// session's receiver and the monitor worker. The default is 16.
func WithQueueSize(size int) Option {
	return func(m *Monitor) {
		if size > 0 {
			m.lines = make(chan string, size)
		}
	}
}

// WithLogger sets the monitor logger.
// The default is the global logger instance.
func WithLogger(l logger.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a Monitor decoding frames against the given channel map and
// forwarding changed readings to publisher. Call Start before wiring
// HandleLine into the session.
func New(channels alias.ChannelMap, publisher Publisher, opts ...Option) *Monitor {
	m := &Monitor{
		channels:   channels,
		publisher:  publisher,
		logger:     logger.GetLogger(),
		epsilon:    0.001,
		lines:      make(chan string, 16),
		lastValues: xsync.NewMapOf[int, any](),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start launches the worker goroutine that decodes buffered frames and
// publishes changed readings.
func (m *Monitor) Start(ctx context.Context) error {
	m.taskMgr = task.NewManager(ctx, m.logger)

	return m.taskMgr.Start("monitorTask", m.makeWorkerTask())
}

// Stop terminates the worker and waits for it to finish. Buffered frames
// are discarded.
func (m *Monitor) Stop() {
	if m.taskMgr == nil {
		return
	}

	m.taskMgr.Stop()
	m.taskMgr.Wait()
}

// HandleLine buffers one telemetry line for the worker. It satisfies the
// transport session's telemetry handler contract: it never blocks, dropping
// the oldest buffered frame when the worker is behind.
func (m *Monitor) HandleLine(line string) {
	select {
	case m.lines <- line:
		return
	default:
	}

	select {
	case old := <-m.lines:
		m.logger.Warn("publisher behind, dropping telemetry frame", "line", old)
	default:
	}

	select {
	case m.lines <- line:
	default:
	}
}

func (m *Monitor) makeWorkerTask() task.Func {
	return func() bool {
		select {
		case <-m.taskMgr.Context().Done():
			return false

		case line := <-m.lines:
			m.processLine(line)
			return true
		}
	}
}

// processLine decodes one telemetry line and publishes changed readings.
func (m *Monitor) processLine(line string) {
	values := ParseFrame(line)
	if values == nil {
		m.logger.Debug("ignoring malformed telemetry line", "line", line)
		return
	}

	for idx, val := range values {
		ch, ok := m.channels[idx]
		if !ok || val == nil {
			continue
		}

		payload := val
		if idx == 0 {
			code, ok := val.(int64)
			if !ok {
				continue
			}
			payload = BoilerState(code)
		}

		if last, ok := m.lastValues.Load(idx); ok && m.almostEqual(last, payload) {
			continue
		}

		if err := m.publisher.PublishReading(Reading{Channel: ch, Value: payload}); err != nil {
			// Not stored: the next frame retries the publish.
			m.logger.Warn("failed to publish reading",
				"channel", ch.Alias, "value", payload, "error", err,
			)

			continue
		}

		m.lastValues.Store(idx, payload)
	}
}

// Reset clears the change-suppression state so every channel republishes on
// the next frame. Used after the publisher reconnects.
func (m *Monitor) Reset() {
	m.lastValues.Clear()
}

// almostEqual compares two payloads, treating floats within epsilon as equal.
func (m *Monitor) almostEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return math.Abs(af-bf) < m.epsilon
	}

	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
