package telnet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nanopk/nanogate/logger"
)

// ConnState represents the lifecycle stage of the device session.
type ConnState uint32

// Session states.
const (
	// DisconnectedState indicates that no TCP connection to the device exists.
	DisconnectedState ConnState = iota
	// ConnectingState indicates that the connect loop is dialing the device,
	// including the backoff waits between attempts.
	ConnectingState
	// ConnectedState indicates that a live stream exists and commands may be
	// sent.
	ConnectedState
	// DrainingState indicates that the session is waiting out a late response
	// owed by a timed-out command before the next command may be sent.
	DrainingState
)

// IsDisconnected returns if the current state is disconnected.
func (cs ConnState) IsDisconnected() bool { return cs == DisconnectedState }

// IsConnecting returns if the current state is connecting.
func (cs ConnState) IsConnecting() bool { return cs == ConnectingState }

// IsConnected returns if the current state is connected.
func (cs ConnState) IsConnected() bool { return cs == ConnectedState }

// IsDraining returns if the current state is draining.
func (cs ConnState) IsDraining() bool { return cs == DrainingState }

// String returns string representation of the current state.
func (cs ConnState) String() string {
	switch cs {
	case DisconnectedState:
		return "disconnected"
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	case DrainingState:
		return "draining"
	default:
		return "unknown"
	}
}

// ConnStateChangeHandler is invoked when the session state changes.
//
// Note: the handler is invoked in a blocking mode. Take care with
// long-running implementations.
type ConnStateChangeHandler func(conn *Connection, prevState ConnState, newState ConnState)

// ConnStateMgr manages the connection state of a device session.
//
// It provides methods for managing state transitions and notifying listeners
// of state changes. State transitions are safe for concurrent use.
type ConnStateMgr struct {
	mu               sync.Mutex
	cond             *sync.Cond
	state            atomic.Uint32
	conn             *Connection
	logger           logger.Logger
	asyncStateChange chan ConnState
	handlers         []ConnStateChangeHandler
}

// newConnStateMgr creates a new ConnStateMgr initialized to DisconnectedState.
//
// The optional handlers are invoked on every state change.
func newConnStateMgr(ctx context.Context, conn *Connection, handlers ...ConnStateChangeHandler) *ConnStateMgr {
	cs := &ConnStateMgr{
		conn:             conn,
		asyncStateChange: make(chan ConnState, 10),
		handlers:         make([]ConnStateChangeHandler, 0, len(handlers)),
	}
	cs.handlers = append(cs.handlers, handlers...)

	if conn != nil {
		cs.logger = conn.logger
	} else {
		cs.logger = logger.GetLogger()
	}

	cs.state.Store(uint32(DisconnectedState))
	cs.cond = sync.NewCond(&cs.mu)

	go cs.asyncStateChangeTask(ctx)

	return cs
}

// State returns the current connection state.
func (cs *ConnStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// AddHandler adds one or more ConnStateChangeHandler functions to be invoked
// on state changes.
func (cs *ConnStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.handlers = append(cs.handlers, handlers...)
}

// WaitState waits for the connection state to reach the specified state or
// until the context is done. It returns nil if the desired state is reached,
// or an error if the context is cancelled or times out.
func (cs *ConnStateMgr) WaitState(ctx context.Context, state ConnState) error {
	return cs.WaitUntil(ctx, func(s ConnState) bool { return s == state })
}

// WaitUntil waits until condFn reports true for the current state or the
// context is done. condFn is re-evaluated on every state change; it may also
// consult state outside the manager as long as that state is updated before
// the transition that broadcasts the change.
func (cs *ConnStateMgr) WaitUntil(ctx context.Context, condFn func(ConnState) bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if condFn(cs.State()) {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		cs.cond.Broadcast()
	})
	defer stopFunc()

	for !condFn(cs.State()) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			cs.cond.Wait()
		}
	}

	return nil
}

// ToDisconnected transitions the state to DisconnectedState.
// This transition is allowed from any state and represents a connection loss
// or a reset of the session.
func (cs *ConnStateMgr) ToDisconnected() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsDisconnected() {
		return // already disconnected, no need to transition
	}

	// change state to disconnected BEFORE the handlers run
	cs.setState(DisconnectedState)

	cs.invokeHandlers(curState, DisconnectedState)
}

// ToConnecting transitions the state to ConnectingState.
//
// This transition is only allowed from DisconnectedState.
// If the state is already ConnectingState, the function is a no-op.
func (cs *ConnStateMgr) ToConnecting() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsConnecting() {
		return nil
	}

	if !curState.IsDisconnected() {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, ConnectingState)
	cs.setState(ConnectingState)

	return nil
}

// ToConnected transitions the state to ConnectedState.
//
// This transition is allowed from ConnectingState (a dial succeeded) and from
// DrainingState (a late line was drained). If the state is already
// ConnectedState, the function is a no-op.
func (cs *ConnStateMgr) ToConnected() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsConnected() {
		return nil
	}

	if !curState.IsConnecting() && !curState.IsDraining() {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, ConnectedState)
	cs.setState(ConnectedState)

	return nil
}

// ToDraining transitions the state to DrainingState.
//
// This transition is only allowed from ConnectedState.
func (cs *ConnStateMgr) ToDraining() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsDraining() {
		return nil
	}

	if !curState.IsConnected() {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, DrainingState)
	cs.setState(DrainingState)

	return nil
}

// ToDisconnectedAsync transitions the state to DisconnectedState
// asynchronously through a background goroutine.
func (cs *ConnStateMgr) ToDisconnectedAsync() {
	cs.changeStateAsync(DisconnectedState)
}

// ToConnectedAsync transitions the state to ConnectedState asynchronously
// through a background goroutine.
func (cs *ConnStateMgr) ToConnectedAsync() {
	cs.changeStateAsync(ConnectedState)
}

// IsDisconnected returns if the current state is disconnected.
func (cs *ConnStateMgr) IsDisconnected() bool { return cs.State().IsDisconnected() }

// IsConnecting returns if the current state is connecting.
func (cs *ConnStateMgr) IsConnecting() bool { return cs.State().IsConnecting() }

// IsConnected returns if the current state is connected.
func (cs *ConnStateMgr) IsConnected() bool { return cs.State().IsConnected() }

// IsDraining returns if the current state is draining.
func (cs *ConnStateMgr) IsDraining() bool { return cs.State().IsDraining() }

// setState atomically sets the current state and broadcasts a signal to any
// waiting goroutines.
func (cs *ConnStateMgr) setState(newState ConnState) {
	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()
}

// invokeHandlers invokes all registered handlers with the previous and new states.
func (cs *ConnStateMgr) invokeHandlers(prevState ConnState, newState ConnState) {
	for _, handler := range cs.handlers {
		if handler != nil {
			handler(cs.conn, prevState, newState)
		}
	}
}

// changeStateAsync requests a state transition from the background goroutine.
// If the state is the same as the current state, the function is a no-op.
func (cs *ConnStateMgr) changeStateAsync(state ConnState) {
	if cs.State() == state {
		return
	}

	cs.asyncStateChange <- state
}

// asyncStateChangeTask handles state changes in the background.
func (cs *ConnStateMgr) asyncStateChangeTask(ctx context.Context) {
	defer cs.logger.Debug("asyncStateChangeTask terminated")

	for {
		select {
		case <-ctx.Done():
			return

		case desiredState := <-cs.asyncStateChange:
			prevState := cs.State()
			if desiredState == prevState {
				break
			}

			var err error
			switch desiredState {
			case DisconnectedState:
				cs.ToDisconnected()
			case ConnectingState:
				err = cs.ToConnecting()
			case ConnectedState:
				err = cs.ToConnected()
			case DrainingState:
				err = cs.ToDraining()
			}

			if err != nil {
				cs.logger.Error("async state transition failed",
					"method", "asyncStateChangeTask",
					"prevState", prevState, "curState", cs.State(), "desiredState", desiredState,
					"error", err,
				)
				if errors.Is(err, ErrInvalidTransition) {
					cs.asyncStateChange <- DisconnectedState
				}
			}
		}
	}
}
