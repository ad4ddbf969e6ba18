package dispatch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanopk/nanogate/alias"
	"github.com/nanopk/nanogate/logger"
	"github.com/nanopk/nanogate/telnet"
)

func TestMain(m *testing.M) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	logger.SetLevel(logger.ParseLevel(logLevel))

	os.Exit(m.Run())
}

type mapResolver map[string]string

func (r mapResolver) Resolve(name string) (string, error) {
	command, ok := r[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", alias.ErrAliasNotFound, name)
	}

	return command, nil
}

// fakeSession is a scriptable Session that records every transport call and
// asserts that at most one command is in flight at a time.
type fakeSession struct {
	t *testing.T

	mu        sync.Mutex
	sent      []string
	drains    int
	discards  int
	ensures   int
	inFlight  atomic.Int32
	maxDepth  atomic.Int32
	onReceive func(sent string) (string, error)
	onEnsure  func() error
}

func newFakeSession(t *testing.T) *fakeSession {
	return &fakeSession{
		t: t,
		onReceive: func(sent string) (string, error) {
			return "OK", nil
		},
	}
}

func (s *fakeSession) EnsureConnected(_ context.Context) error {
	s.mu.Lock()
	s.ensures++
	onEnsure := s.onEnsure
	s.mu.Unlock()

	if onEnsure != nil {
		return onEnsure()
	}

	return nil
}

func (s *fakeSession) SendLine(text string) error {
	depth := s.inFlight.Add(1)
	if depth > s.maxDepth.Load() {
		s.maxDepth.Store(depth)
	}

	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()

	return nil
}

func (s *fakeSession) ReceiveLine(_ context.Context, _ time.Duration) (string, error) {
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	last := s.sent[len(s.sent)-1]
	onReceive := s.onReceive
	s.mu.Unlock()

	// simulate the device taking a moment to answer
	time.Sleep(time.Millisecond)

	return onReceive(last)
}

func (s *fakeSession) DiscardStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discards++

	return 0
}

func (s *fakeSession) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains++
}

func (s *fakeSession) sentLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.sent...)
}

func (s *fakeSession) transportCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ensures + s.discards + s.drains + len(s.sent)
}

func newTestDispatcher(t *testing.T, session Session, opts ...Option) *Dispatcher {
	t.Helper()

	resolver := mapResolver{
		"hdmi1":  "CMD:SRC1",
		"hdmi2":  "CMD:SRC2",
		"pwr_on": "CMD:PWR_ON",
	}

	d := New(session, resolver, opts...)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	return d
}

func TestSubmit_RoundTrip(t *testing.T) {
	require := require.New(t)

	session := newFakeSession(t)
	session.onReceive = func(sent string) (string, error) {
		require.Equal("CMD:SRC1", sent)
		return "OK", nil
	}

	d := newTestDispatcher(t, session)

	response, err := d.Submit(context.Background(), "hdmi1")
	require.NoError(err)
	require.Equal("OK", response)

	require.Equal([]string{"CMD:SRC1"}, session.sentLines())

	stats := d.Stats()
	require.Equal(uint64(1), stats.Submitted)
	require.Equal(uint64(1), stats.Completed)
	require.Equal(uint64(0), stats.Failed)
}

func TestSubmit_UnknownAlias(t *testing.T) {
	require := require.New(t)

	session := newFakeSession(t)
	d := newTestDispatcher(t, session)

	_, err := d.Submit(context.Background(), "vga")
	require.ErrorIs(err, ErrUnknownAlias)

	// an unknown alias must never touch the transport
	require.Equal(0, session.transportCalls())
}

func TestSubmit_FIFOExclusive(t *testing.T) {
	require := require.New(t)

	session := newFakeSession(t)
	session.onReceive = func(sent string) (string, error) {
		return "OK " + sent, nil
	}

	d := newTestDispatcher(t, session, WithQueueSize(64))

	const callers = 20

	var wg sync.WaitGroup
	wg.Add(callers)

	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()

			name := "hdmi1"
			if i%2 == 1 {
				name = "hdmi2"
			}

			response, err := d.Submit(context.Background(), name)
			require.NoError(err)
			require.Contains(response, "OK CMD:SRC")
		}()
	}

	wg.Wait()

	require.Len(session.sentLines(), callers)
	// the exclusive gate must never overlap two round trips
	require.Equal(int32(1), session.maxDepth.Load())
	require.Equal(uint64(callers), d.Stats().Completed)
}

func TestSubmit_TimeoutThenDrain(t *testing.T) {
	require := require.New(t)

	session := newFakeSession(t)
	session.onReceive = func(sent string) (string, error) {
		if sent == "CMD:PWR_ON" {
			return "", telnet.ErrReplyTimeout
		}

		return "OK", nil
	}

	d := newTestDispatcher(t, session, WithReplyTimeout(50*time.Millisecond))

	_, err := d.Submit(context.Background(), "pwr_on")
	require.ErrorIs(err, ErrCommandTimeout)

	// the next command drains the late line before sending
	response, err := d.Submit(context.Background(), "hdmi1")
	require.NoError(err)
	require.Equal("OK", response)

	session.mu.Lock()
	drains := session.drains
	session.mu.Unlock()
	require.Equal(1, drains)

	stats := d.Stats()
	require.Equal(uint64(1), stats.Failed)
	require.Equal(uint64(1), stats.Completed)
}

func TestSubmit_SessionUnavailable(t *testing.T) {
	require := require.New(t)

	session := newFakeSession(t)
	session.onEnsure = func() error {
		return telnet.ErrRetriesExhausted
	}

	d := newTestDispatcher(t, session)

	_, err := d.Submit(context.Background(), "hdmi1")
	require.ErrorIs(err, telnet.ErrRetriesExhausted)

	// the command must not be written to a dead session
	require.Empty(session.sentLines())
	require.Equal(uint64(1), d.Stats().Failed)
}

func TestSubmit_CallerCancellation(t *testing.T) {
	require := require.New(t)

	release := make(chan struct{})
	session := newFakeSession(t)
	session.onReceive = func(sent string) (string, error) {
		<-release
		return "OK", nil
	}

	d := newTestDispatcher(t, session)

	// occupy the worker
	go func() { _, _ = d.Submit(context.Background(), "hdmi1") }()

	require.Eventually(func() bool {
		return len(session.sentLines()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the second caller gives up while waiting behind the first
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Submit(ctx, "hdmi2")
	require.ErrorIs(err, context.DeadlineExceeded)

	close(release)
}

func TestSubmit_NotStarted(t *testing.T) {
	require := require.New(t)

	d := New(newFakeSession(t), mapResolver{})

	_, err := d.Submit(context.Background(), "hdmi1")
	require.ErrorIs(err, ErrDispatcherClosed)
}

func TestSubmit_AfterStop(t *testing.T) {
	require := require.New(t)

	session := newFakeSession(t)
	d := New(session, mapResolver{"hdmi1": "CMD:SRC1"})
	require.NoError(d.Start(context.Background()))

	response, err := d.Submit(context.Background(), "hdmi1")
	require.NoError(err)
	require.Equal("OK", response)

	d.Stop()

	_, err = d.Submit(context.Background(), "hdmi1")
	require.ErrorIs(err, ErrDispatcherClosed)
}

func TestStart_Twice(t *testing.T) {
	require := require.New(t)

	d := New(newFakeSession(t), mapResolver{})
	require.NoError(d.Start(context.Background()))
	defer d.Stop()

	require.Error(d.Start(context.Background()))
}
