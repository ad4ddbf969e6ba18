package telnet

import "errors"

// Sentinel errors for the transport session.
var (
	// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
	ErrConnConfigNil = errors.New("telnet: connection config is nil")

	// ErrConnClosed indicates that the connection has been shut down and will
	// not reconnect.
	ErrConnClosed = errors.New("telnet: connection closed")

	// ErrNotConnected indicates that no live stream to the device exists.
	ErrNotConnected = errors.New("telnet: not connected")

	// ErrConnectFailed indicates a network-level failure while establishing
	// the connection (refused, unreachable, dial timeout).
	ErrConnectFailed = errors.New("telnet: connect failed")

	// ErrWriteFailed indicates a transport failure while writing a line.
	// The session transitions to Disconnected when it occurs.
	ErrWriteFailed = errors.New("telnet: write failed")

	// ErrReadFailed indicates a transport failure while reading from the
	// stream. The session transitions to Disconnected when it occurs.
	ErrReadFailed = errors.New("telnet: read failed")

	// ErrPeerClosed indicates that the device closed the connection
	// unexpectedly.
	ErrPeerClosed = errors.New("telnet: connection closed by peer")

	// ErrReplyTimeout indicates that no line arrived within the deadline.
	ErrReplyTimeout = errors.New("telnet: reply timeout")

	// ErrLineTooLong indicates that the device sent more bytes than a single
	// line may carry without a terminator. The stream framing cannot be
	// trusted afterwards.
	ErrLineTooLong = errors.New("telnet: line exceeds maximum length")

	// ErrRetriesExhausted indicates that the reconnect budget was consumed
	// without reaching the device. It is fatal for the affected request, not
	// for the process.
	ErrRetriesExhausted = errors.New("telnet: reconnect retries exhausted")

	// ErrInvalidTransition is returned when an attempt is made to transition
	// the connection state to an invalid state.
	ErrInvalidTransition = errors.New("telnet: invalid state transition")
)
