package telnet

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a session.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// LinesSentCount indicates the number of lines written to the device.
	LinesSentCount atomic.Uint64
	// LinesRecvCount indicates the number of lines read from the device.
	LinesRecvCount atomic.Uint64
	// TelemetryRecvCount indicates the number of telemetry lines received.
	TelemetryRecvCount atomic.Uint64
	// DiscardedLineCount indicates the number of unsolicited or stale lines
	// dropped without a consumer.
	DiscardedLineCount atomic.Uint64

	// ConnectCount indicates the number of successful connections.
	ConnectCount atomic.Uint64
	// ConnRetryGauge indicates the number of dial retries in the current
	// reconnect cycle. It resets to zero on a successful connection.
	ConnRetryGauge atomic.Uint32
}

func (m *ConnectionMetrics) incLinesSentCount() {
	m.LinesSentCount.Add(1)
}

func (m *ConnectionMetrics) incLinesRecvCount() {
	m.LinesRecvCount.Add(1)
}

func (m *ConnectionMetrics) incTelemetryRecvCount() {
	m.TelemetryRecvCount.Add(1)
}

func (m *ConnectionMetrics) incDiscardedLineCount() {
	m.DiscardedLineCount.Add(1)
}

func (m *ConnectionMetrics) incConnectCount() {
	m.ConnectCount.Add(1)
}

func (m *ConnectionMetrics) incConnRetryGauge() {
	m.ConnRetryGauge.Add(1)
}

func (m *ConnectionMetrics) resetConnRetryGauge() {
	m.ConnRetryGauge.Store(0)
}
