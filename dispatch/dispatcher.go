package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nanopk/nanogate/alias"
	"github.com/nanopk/nanogate/internal/task"
	"github.com/nanopk/nanogate/logger"
	"github.com/nanopk/nanogate/telnet"
)

// Sentinel errors for the dispatcher.
var (
	// ErrUnknownAlias indicates that the requested alias is not configured.
	// No transport interaction happens for such a request.
	ErrUnknownAlias = errors.New("dispatch: unknown alias")

	// ErrCommandTimeout indicates that no response arrived within the
	// per-command timeout. The outcome is unknown: the device may have
	// applied the command without a timely or recognizable response.
	ErrCommandTimeout = errors.New("dispatch: command timed out, outcome unknown")

	// ErrDispatcherClosed indicates that the dispatcher has been stopped.
	ErrDispatcherClosed = errors.New("dispatch: dispatcher closed")
)

// Resolver resolves an alias into the raw device command.
// *alias.Table satisfies it.
type Resolver interface {
	Resolve(alias string) (string, error)
}

// Session is the transport the dispatcher drives. *telnet.Connection
// satisfies it.
type Session interface {
	EnsureConnected(ctx context.Context) error
	SendLine(text string) error
	ReceiveLine(ctx context.Context, timeout time.Duration) (string, error)
	DiscardStale() int
	Drain()
}

// Stats is a point-in-time snapshot of dispatcher activity.
type Stats struct {
	Submitted  uint64 `json:"submitted"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	QueueDepth int    `json:"queue_depth"`
}

type result struct {
	response string
	err      error
}

type request struct {
	alias      string
	rawCommand string
	submitted  time.Time
	replyCh    chan result // buffered, the worker never blocks on delivery
}

// Dispatcher serializes concurrent caller requests into single-command
// round trips against the Session.
type Dispatcher struct {
	session  Session
	resolver Resolver
	logger   logger.Logger

	replyTimeout time.Duration
	requests     chan *request

	taskMgr *task.Manager
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool

	// needsDrain records that the previous command timed out and its late
	// response must be waited out before the next send. Only the worker
	// goroutine touches it.
	needsDrain bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReplyTimeout sets the per-command response timeout.
// The default is 5 seconds.
func WithReplyTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.replyTimeout = d }
}

// WithQueueSize sets the capacity of the FIFO request queue.
// The default is 16.
func WithQueueSize(n int) Option {
	return func(disp *Dispatcher) { disp.requests = make(chan *request, n) }
}

// WithLogger sets the dispatcher logger.
// The default is the global logger instance.
func WithLogger(l logger.Logger) Option {
	return func(disp *Dispatcher) { disp.logger = l }
}

// New creates a Dispatcher for the given session and alias resolver.
// Call Start before submitting requests.
func New(session Session, resolver Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		session:      session,
		resolver:     resolver,
		logger:       logger.GetLogger(),
		replyTimeout: 5 * time.Second,
		requests:     make(chan *request, 16),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start launches the worker goroutine. It is an error to call Start twice
// without an intervening Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.started.Swap(true) {
		return errors.New("dispatch: already started")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.taskMgr = task.NewManager(d.ctx, d.logger)

	return d.taskMgr.Start("dispatchTask", d.workerTask)
}

// Stop terminates the worker. Requests already queued fail with
// ErrDispatcherClosed; in-flight transport operations are abandoned.
func (d *Dispatcher) Stop() {
	if !d.started.Swap(false) {
		return
	}

	d.cancel()
	d.taskMgr.Stop()
	d.taskMgr.Wait()
}

// Submit resolves the alias, queues the command for the exclusive transport
// section and blocks until the round trip completes, the caller's ctx is
// cancelled, or the dispatcher stops.
//
// An unknown alias fails immediately with ErrUnknownAlias and causes no
// transport interaction. Cancelling ctx abandons only this caller's wait;
// an already-started round trip still runs to completion so the stream
// framing stays intact for the next request.
func (d *Dispatcher) Submit(ctx context.Context, name string) (string, error) {
	if !d.started.Load() {
		return "", ErrDispatcherClosed
	}

	rawCommand, err := d.resolver.Resolve(name)
	if err != nil {
		if errors.Is(err, alias.ErrAliasNotFound) {
			return "", fmt.Errorf("%w: %q", ErrUnknownAlias, name)
		}

		return "", err
	}

	req := &request{
		alias:      name,
		rawCommand: rawCommand,
		submitted:  time.Now(),
		replyCh:    make(chan result, 1),
	}
	d.submitted.Add(1)

	select {
	case d.requests <- req:
	case <-ctx.Done():
		d.failed.Add(1)
		return "", ctx.Err()
	case <-d.ctx.Done():
		d.failed.Add(1)
		return "", ErrDispatcherClosed
	}

	select {
	case res := <-req.replyCh:
		return res.response, res.err
	case <-ctx.Done():
		d.logger.Debug("caller abandoned request", "alias", name, "error", ctx.Err())
		return "", ctx.Err()
	case <-d.ctx.Done():
		return "", ErrDispatcherClosed
	}
}

// Stats returns a snapshot of dispatcher activity.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:  d.submitted.Load(),
		Completed:  d.completed.Load(),
		Failed:     d.failed.Load(),
		QueueDepth: len(d.requests),
	}
}

// workerTask consumes the FIFO queue. Exactly one instance runs; it is the
// exclusive gate around the session.
func (d *Dispatcher) workerTask() bool {
	select {
	case <-d.ctx.Done():
		return false

	case req := <-d.requests:
		res := d.process(req)

		if res.err != nil {
			d.failed.Add(1)
		} else {
			d.completed.Add(1)
		}

		req.replyCh <- res

		return true
	}
}

// process runs one command round trip. It owns the session for the duration.
func (d *Dispatcher) process(req *request) result {
	if d.needsDrain {
		d.session.Drain()
		d.needsDrain = false
	}

	if err := d.session.EnsureConnected(d.ctx); err != nil {
		d.logger.Warn("request failed, session unavailable", "alias", req.alias, "error", err)
		return result{err: err}
	}

	if n := d.session.DiscardStale(); n > 0 {
		d.logger.Debug("discarded stale lines before send", "count", n, "alias", req.alias)
	}

	if err := d.session.SendLine(req.rawCommand); err != nil {
		d.logger.Warn("command send failed", "alias", req.alias, "error", err)
		return result{err: err}
	}

	line, err := d.session.ReceiveLine(d.ctx, d.replyTimeout)
	if err != nil {
		if errors.Is(err, telnet.ErrReplyTimeout) {
			// The device still owes a line; wait it out before the next send.
			d.needsDrain = true
			d.logger.Warn("command timed out",
				"alias", req.alias, "timeout", d.replyTimeout, "waited", time.Since(req.submitted),
			)

			return result{err: fmt.Errorf("%w: %q", ErrCommandTimeout, req.alias)}
		}

		d.logger.Warn("command receive failed", "alias", req.alias, "error", err)

		return result{err: err}
	}

	if d.logger.Level() == logger.DebugLevel {
		d.logger.Debug("command completed",
			"alias", req.alias, "response", line, "elapsed", time.Since(req.submitted),
		)
	}

	return result{response: line}
}
