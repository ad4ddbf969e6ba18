package telnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanopk/nanogate/internal/pool"
	"github.com/nanopk/nanogate/internal/task"
	"github.com/nanopk/nanogate/logger"
)

// TelemetryHandler receives unsolicited telemetry lines from the device.
// It is invoked from the session's receiver goroutine; long-running
// implementations should hand the line off to their own worker.
type TelemetryHandler func(line string)

// Connection represents the session to the device: the single owned TCP
// connection carrying line-oriented text.
//
// It manages dialing and reconnecting with bounded exponential backoff,
// classifies inbound lines into telemetry and command responses, and exposes
// line-level send/receive primitives to the dispatcher.
type Connection struct {
	pctx      context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc
	cfg       *ConnectionConfig
	logger    logger.Logger

	// TCP resources. The invariant is that at most one live net.Conn exists;
	// a fresh dial only happens after the prior handle is fully closed.
	connMutex    sync.Mutex
	conn         net.Conn
	streamCtx    context.Context // cancelled when the current stream drops
	streamCancel context.CancelFunc

	stateMgr *ConnStateMgr
	taskMgr  *task.Manager
	shutdown atomic.Bool

	// Reconnect control. Only one connect loop runs at a time (CAS guard);
	// the generation counter invalidates loops that outlive a Close.
	connectLoopRunning atomic.Bool
	reconnectGen       atomic.Uint64
	retriesExhausted   atomic.Bool

	// respChan buffers inbound response-candidate lines for ReceiveLine.
	respChan chan string

	telemetryHandler TelemetryHandler

	lastActivity atomic.Int64 // unix nanos of the last successful read or write
	metrics      ConnectionMetrics
}

// NewConnection creates a new device session with the given context and
// configuration. It initializes the connection state and task manager;
// call Open to start connecting.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	c := &Connection{
		pctx:     ctx,
		cfg:      cfg,
		logger:   cfg.logger,
		respChan: make(chan string, cfg.responseQueueSize),
		taskMgr:  task.NewManager(ctx, cfg.logger),
	}

	c.createContext()

	c.stateMgr = newConnStateMgr(ctx, c, c.connStateHandler)

	return c, nil
}

// SetTelemetryHandler registers the handler for unsolicited telemetry lines.
// It must be called before Open.
func (c *Connection) SetTelemetryHandler(handler TelemetryHandler) {
	c.telemetryHandler = handler
}

// AddConnStateChangeHandler registers handlers invoked on session state
// changes.
func (c *Connection) AddConnStateChangeHandler(handlers ...ConnStateChangeHandler) {
	c.stateMgr.AddHandler(handlers...)
}

// State returns the current session state.
func (c *Connection) State() ConnState {
	return c.stateMgr.State()
}

// Metrics returns the metrics associated with the session.
func (c *Connection) Metrics() *ConnectionMetrics {
	return &c.metrics
}

// LastActivity returns the time of the last successful read or write on the
// stream, or the zero time if no I/O has happened yet.
func (c *Connection) LastActivity() time.Time {
	nanos := c.lastActivity.Load()
	if nanos == 0 {
		return time.Time{}
	}

	return time.Unix(0, nanos)
}

// Open starts the session's connect loop.
//
// If waitOpened is true, it blocks until the session reaches ConnectedState
// or the session context is cancelled. If waitOpened is false, it initiates
// the connection process and returns immediately.
//
// Open is idempotent with respect to state: calling it while a connect loop
// is already running is a no-op.
func (c *Connection) Open(waitOpened bool) error {
	c.shutdown.Store(false)
	c.retriesExhausted.Store(false)

	c.createContext()
	c.startConnectLoop()

	if waitOpened {
		return c.stateMgr.WaitState(c.ctx, ConnectedState)
	}

	return nil
}

// Close shuts the session down: it stops the connect loop and all tasks and
// closes the stream. Close is best-effort and always succeeds; closing an
// already-broken connection does not raise.
func (c *Connection) Close() error {
	if c.shutdown.Swap(true) {
		return nil // already closed
	}

	// invalidate any connect loop scheduled before the shutdown flag was set
	c.reconnectGen.Add(1)

	c.closeConn(c.cfg.closeTimeout)
	c.stateMgr.ToDisconnected()

	return nil
}

// EnsureConnected brings the session to ConnectedState, kicking the connect
// loop if necessary, and waits up to the configured reconnect budget.
//
// It returns nil when the session is connected, ErrConnClosed after Close,
// and ErrRetriesExhausted when the budget elapses without a connection.
func (c *Connection) EnsureConnected(ctx context.Context) error {
	if c.stateMgr.IsConnected() {
		return nil
	}
	if c.shutdown.Load() {
		return ErrConnClosed
	}

	// A previous cycle may have given up; grant the new request a fresh one.
	c.retriesExhausted.Store(false)
	c.startConnectLoop()

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.reconnectWait)
	defer cancel()

	// The exhausted flag is set before the transition that wakes the wait,
	// so a spent connect cycle fails the request without sitting out the
	// rest of the reconnect budget.
	err := c.stateMgr.WaitUntil(waitCtx, func(s ConnState) bool {
		return s.IsConnected() || c.retriesExhausted.Load()
	})
	if err != nil {
		if c.shutdown.Load() {
			return ErrConnClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if !c.stateMgr.IsConnected() {
		return fmt.Errorf("%w: %s unreachable", ErrRetriesExhausted, c.address())
	}

	return nil
}

// SendLine writes text plus the configured line terminator to the stream.
//
// It returns ErrNotConnected when no live stream exists and ErrWriteFailed
// on a transport failure, which also transitions the session to
// DisconnectedState.
func (c *Connection) SendLine(text string) error {
	c.connMutex.Lock()
	conn := c.conn
	c.connMutex.Unlock()

	if conn == nil || !c.stateMgr.IsConnected() {
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout)); err != nil {
		c.dropStream(conn)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if _, err := conn.Write([]byte(text + c.cfg.lineTerminator)); err != nil {
		c.logger.Error("line write failed", "error", err, "line", text)
		c.dropStream(conn)

		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	c.lastActivity.Store(time.Now().UnixNano())
	c.metrics.incLinesSentCount()

	if c.logger.Level() == logger.DebugLevel {
		c.logger.Debug("line sent", "line", text)
	}

	return nil
}

// ReceiveLine blocks until a response-candidate line is available or the
// timeout elapses, and returns the line with its terminator stripped.
//
// It fails with ErrReplyTimeout when the deadline elapses, ErrPeerClosed when
// the stream drops mid-wait and ErrConnClosed after Close. ctx cancellation
// aborts only this wait.
func (c *Connection) ReceiveLine(ctx context.Context, timeout time.Duration) (string, error) {
	// Prefer a line that already arrived over a racing stream-drop signal.
	select {
	case line := <-c.respChan:
		return line, nil
	default:
	}

	c.connMutex.Lock()
	streamCtx := c.streamCtx
	c.connMutex.Unlock()

	if streamCtx == nil {
		return "", ErrNotConnected
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case line := <-c.respChan:
		return line, nil

	case <-timer.C:
		return "", ErrReplyTimeout

	case <-streamCtx.Done():
		if c.shutdown.Load() {
			return "", ErrConnClosed
		}

		return "", ErrPeerClosed

	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// DiscardStale drops any response-candidate lines that arrived while no
// command was pending (device banners, async status) and returns how many
// were dropped.
func (c *Connection) DiscardStale() int {
	dropped := 0

	for {
		select {
		case line := <-c.respChan:
			c.logger.Debug("discarding unsolicited line", "line", line)
			c.metrics.incDiscardedLineCount()
			dropped++
		default:
			return dropped
		}
	}
}

// Drain waits out the late response line owed by a timed-out command.
//
// The session enters DrainingState for up to the configured drain timeout.
// If the late line arrives it is discarded and the session returns to
// ConnectedState; otherwise the stream cannot be trusted for framing anymore
// and the session forces a reconnect.
func (c *Connection) Drain() {
	if err := c.stateMgr.ToDraining(); err != nil {
		// Not connected anymore: the next dial starts with clean framing.
		return
	}

	timer := pool.GetTimer(c.cfg.drainTimeout)
	defer pool.PutTimer(timer)

	select {
	case line := <-c.respChan:
		c.logger.Debug("late response drained", "line", line)
		c.metrics.incDiscardedLineCount()
		if err := c.stateMgr.ToConnected(); err != nil {
			c.logger.Warn("failed to leave draining state", "error", err)
		}

	case <-timer.C:
		c.logger.Warn("drain timed out, forcing reconnect", "timeout", c.cfg.drainTimeout)
		c.dropStream(nil)

	case <-c.ctx.Done():
	}
}

// connStateHandler reacts to session state changes: on DisconnectedState it
// releases the stream and, unless the session is shutting down or the retry
// budget is spent, schedules a reconnect.
func (c *Connection) connStateHandler(_ *Connection, prevState ConnState, curState ConnState) {
	c.logger.Debug("session state change", "prevState", prevState, "curState", curState)

	if !curState.IsDisconnected() {
		return
	}

	c.closeStream()

	if !c.shutdown.Load() && !c.retriesExhausted.Load() {
		c.startConnectLoop()
	}
}

// startConnectLoop launches the background connect-retry goroutine.
// Only one loop runs at a time (guarded by connectLoopRunning CAS).
func (c *Connection) startConnectLoop() {
	if !c.connectLoopRunning.CompareAndSwap(false, true) {
		return
	}

	gen := c.reconnectGen.Load()

	go c.connectLoop(c.ctx, gen)
}

// connectLoop dials the device with exponential backoff until it succeeds or
// the retry budget is spent. It exits when:
//   - the session context is cancelled (Close was called),
//   - shutdown is set,
//   - the reconnect generation changes (Close was called), or
//   - the configured max attempts are exhausted.
func (c *Connection) connectLoop(ctx context.Context, gen uint64) {
	defer c.connectLoopRunning.Store(false)

	delay := c.cfg.retryBaseDelay
	attempts := 0

	for {
		if c.shutdown.Load() || c.reconnectGen.Load() != gen {
			return
		}

		if err := c.stateMgr.ToConnecting(); err != nil {
			// Someone else brought the session up in the meantime.
			if c.stateMgr.IsConnected() {
				return
			}
		}

		err := c.dial(ctx)
		if err == nil {
			c.metrics.resetConnRetryGauge()
			return
		}

		attempts++
		c.metrics.incConnRetryGauge()

		if c.cfg.retryMaxAttempts > 0 && attempts >= c.cfg.retryMaxAttempts {
			c.logger.Error("reconnect attempts exhausted",
				"address", c.address(), "attempts", attempts, "error", err,
			)
			c.retriesExhausted.Store(true)
			c.stateMgr.ToDisconnected()

			return
		}

		c.logger.Warn("dial failed, retrying",
			"address", c.address(), "attempt", attempts, "retry_in", delay, "error", err,
		)

		timer := time.NewTimer(jitterDelay(delay))

		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-timer.C:
		}

		delay *= 2
		if delay > c.cfg.retryMaxDelay {
			delay = c.cfg.retryMaxDelay
		}
	}
}

// dial performs one connection attempt and, on success, installs the new
// stream and starts its receiver task.
func (c *Connection) dial(ctx context.Context) error {
	dialer := &net.Dialer{KeepAlive: c.cfg.keepAlive}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", c.address())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	c.connMutex.Lock()
	if c.conn != nil {
		// Should not happen: the prior handle is closed before a new dial.
		_ = c.conn.Close()
	}
	c.conn = conn
	c.streamCtx, c.streamCancel = context.WithCancel(c.ctx)
	c.connMutex.Unlock()

	c.lastActivity.Store(time.Now().UnixNano())
	c.metrics.incConnectCount()

	if err := c.taskMgr.Start("receiverTask", c.makeReceiverTask(conn)); err != nil {
		c.logger.Error("failed to start receiver task", "error", err)
		c.closeStream()

		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	if err := c.stateMgr.ToConnected(); err != nil {
		c.logger.Warn("unexpected state on connect", "state", c.stateMgr.State(), "error", err)
	}

	c.logger.Info("connected to device",
		"host", c.cfg.host,
		"port", c.cfg.port,
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	return nil
}

// makeReceiverTask builds the receiver task for one stream. The task reads
// lines until the stream fails, classifying each into telemetry or a
// response candidate.
func (c *Connection) makeReceiverTask(conn net.Conn) task.Func {
	lr := newLineReader(conn, c.cfg.lineTerminator)

	return func() bool {
		line, err := lr.ReadLine()
		if err != nil {
			if c.shutdown.Load() {
				return false
			}

			if errors.Is(err, io.EOF) {
				c.logger.Warn("device closed the connection")
			} else {
				c.logger.Error("line read failed", "error", err)
			}

			c.dropStream(conn)

			return false
		}

		c.lastActivity.Store(time.Now().UnixNano())
		c.metrics.incLinesRecvCount()

		if line == "" {
			return true
		}

		if c.isTelemetryLine(line) {
			c.metrics.incTelemetryRecvCount()
			if c.telemetryHandler != nil {
				c.telemetryHandler(line)
			}

			return true
		}

		c.queueResponse(line)

		return true
	}
}

// isTelemetryLine reports whether the line's first token matches the
// configured telemetry prefix. Telemetry lines are never command responses.
func (c *Connection) isTelemetryLine(line string) bool {
	prefix := c.cfg.telemetryPrefix
	if prefix == "" {
		return false
	}

	if len(line) == len(prefix) {
		return line == prefix
	}

	return len(line) > len(prefix) && line[:len(prefix)] == prefix && line[len(prefix)] == ' '
}

// queueResponse enqueues a response candidate, dropping the oldest queued
// line when the queue is full.
func (c *Connection) queueResponse(line string) {
	select {
	case c.respChan <- line:
		return
	default:
	}

	select {
	case old := <-c.respChan:
		c.logger.Warn("response queue full, dropping oldest line", "line", old)
		c.metrics.incDiscardedLineCount()
	default:
	}

	select {
	case c.respChan <- line:
	default:
	}
}

// dropStream releases the stream after a transport failure and transitions
// the session to DisconnectedState, which schedules a reconnect.
//
// failed identifies the handle the caller observed the failure on; when a
// fresh dial has already replaced it, the new stream is left alone and no
// extra reconnect cycle is triggered. A nil failed drops whatever stream is
// current.
func (c *Connection) dropStream(failed net.Conn) {
	c.connMutex.Lock()
	if failed != nil && c.conn != failed {
		c.connMutex.Unlock()
		return
	}
	c.closeStreamLocked()
	c.connMutex.Unlock()

	c.stateMgr.ToDisconnectedAsync()
}

// closeStream closes the TCP connection and cancels the stream context.
// It is idempotent and never propagates close errors.
func (c *Connection) closeStream() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	c.closeStreamLocked()
}

// closeStreamLocked is closeStream with connMutex already held.
func (c *Connection) closeStreamLocked() {
	if c.conn != nil {
		if tcpConn, ok := c.conn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0)
		}
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("stream close error", "error", err)
		}
		c.conn = nil
	}

	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
}

// closeConn performs the shutdown sequence with a timeout: cancel the session
// context, stop all tasks, close the stream and wait for the goroutines to
// terminate.
func (c *Connection) closeConn(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if c.ctxCancel != nil {
		c.ctxCancel()
	}

	c.taskMgr.Stop()
	c.closeStream()

	go func() {
		c.taskMgr.Wait()
		cancel()
	}()

	<-ctx.Done()

	if errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Debug("session closed")
	} else {
		c.logger.Error("session close timed out", "timeout", timeout)
	}
}

// createContext creates a new session context derived from the parent context.
func (c *Connection) createContext() {
	if c.ctx != nil && c.ctx.Err() == nil {
		return
	}
	c.ctx, c.ctxCancel = context.WithCancel(c.pctx)
}

func (c *Connection) address() string {
	return net.JoinHostPort(c.cfg.host, strconv.Itoa(c.cfg.port))
}

// jitterDelay spreads the backoff delay by ±20% so reconnecting gateways do
// not hammer a recovering device in lockstep.
func jitterDelay(d time.Duration) time.Duration {
	jitter := (rand.Float64()*0.4 - 0.2) * float64(d) //nolint:gosec // timing jitter, not crypto
	return d + time.Duration(jitter)
}
