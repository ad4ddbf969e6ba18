package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nanopk/nanogate/logger"
)

func newTestLogger() *logger.MockLogger {
	mockLogger := logger.NewMockLogger()
	mockLogger.On("Debug", mock.Anything, mock.Anything).Return()
	mockLogger.On("Info", mock.Anything, mock.Anything).Return()
	mockLogger.On("Warn", mock.Anything, mock.Anything).Return()
	mockLogger.On("Error", mock.Anything, mock.Anything).Return()

	return mockLogger
}

func TestManager_StartAndStop(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(ctx, newTestLogger())

	var iterations atomic.Int32

	err := mgr.Start("counter", func() bool {
		iterations.Add(1)
		time.Sleep(time.Millisecond)
		return true
	})
	require.NoError(err)
	require.Equal(1, mgr.Count())

	require.Eventually(func() bool {
		return iterations.Load() > 2
	}, 2*time.Second, 5*time.Millisecond)

	mgr.Stop()
	mgr.Wait()

	require.Equal(0, mgr.Count())
}

func TestManager_TaskStopsItself(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), newTestLogger())

	var iterations atomic.Int32

	err := mgr.Start("oneshot", func() bool {
		return iterations.Add(1) < 3
	})
	require.NoError(err)

	require.Eventually(func() bool {
		return mgr.Count() == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(int32(3), iterations.Load())
}

func TestManager_StartWithCleanup(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), newTestLogger())

	cleaned := make(chan struct{})

	err := mgr.StartWithCleanup("cleanup", func() bool {
		return false
	}, func() {
		close(cleaned)
	})
	require.NoError(err)

	select {
	case <-cleaned:
	case <-time.After(2 * time.Second):
		require.Fail("cleanup function not invoked")
	}
}

func TestManager_PanicRecovery(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), newTestLogger())

	err := mgr.Start("panicky", func() bool {
		panic("boom")
	})
	require.NoError(err)

	// the panic terminates the task without crashing the process
	require.Eventually(func() bool {
		return mgr.Count() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_StartInterval(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), newTestLogger())

	var runs atomic.Int32

	ticker, err := mgr.StartInterval("tick", func() bool {
		runs.Add(1)
		return true
	}, 10*time.Millisecond, true)
	require.NoError(err)
	require.NotNil(ticker)

	// runNow fires once immediately, the ticker keeps going
	require.Eventually(func() bool {
		return runs.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	// duplicate names are rejected
	_, err = mgr.StartInterval("tick", func() bool { return true }, 10*time.Millisecond, false)
	require.Error(err)

	require.NoError(mgr.StopInterval("tick"))
	require.Error(mgr.StopInterval("tick"))

	mgr.Stop()
	mgr.Wait()
}

func TestManager_RestartAfterStop(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), newTestLogger())

	require.NoError(mgr.Start("first", func() bool { return true }))

	mgr.Stop()
	mgr.Wait()

	// Wait recreates the context, the manager is reusable
	require.NoError(mgr.Start("second", func() bool { return false }))

	mgr.Stop()
	mgr.Wait()
}

func TestManager_StartAfterStopFails(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), newTestLogger())

	mgr.Stop()

	require.Error(mgr.Start("late", func() bool { return false }))
}
