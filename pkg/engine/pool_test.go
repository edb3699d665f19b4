package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/flightdeck/pkg/flight"
)

// mockExecutor returns scripted outcomes per flight.
type mockExecutor struct {
	mu      sync.Mutex
	runs    map[string]int
	outcome func(id string, run int) (Outcome, error)
	block   chan struct{}
	started chan string
}

func newMockExecutor(outcome func(id string, run int) (Outcome, error)) *mockExecutor {
	return &mockExecutor{
		runs:    make(map[string]int),
		outcome: outcome,
		started: make(chan string, 64),
	}
}

func (m *mockExecutor) Run(ctx context.Context, id string, quiesce <-chan struct{}) (Outcome, error) {
	m.mu.Lock()
	m.runs[id]++
	run := m.runs[id]
	m.mu.Unlock()

	m.started <- id
	if m.block != nil {
		<-m.block
	}
	return m.outcome(id, run)
}

func (m *mockExecutor) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

type statusCall struct {
	id     string
	owner  string
	status flight.Status
}

type mockStatusWriter struct {
	mu    sync.Mutex
	calls []statusCall
}

func (m *mockStatusWriter) UpdateStatus(_ context.Context, id, owner string, status flight.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, statusCall{id: id, owner: owner, status: status})
	return true, nil
}

func (m *mockStatusWriter) get() []statusCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]statusCall(nil), m.calls...)
}

func succeed(string, int) (Outcome, error) {
	return Outcome{Status: flight.StatusSuccess}, nil
}

func TestPoolRejectsSubmitOutsideLifecycle(t *testing.T) {
	pool := NewPool(newMockExecutor(succeed), nil, PoolConfig{Workers: 1})
	assert.ErrorIs(t, pool.Submit("f-1"), ErrPoolNotStarted)

	pool.Start()
	assert.True(t, pool.Shutdown(context.Background()))
	assert.ErrorIs(t, pool.Submit("f-1"), ErrPoolStopped)
	assert.ErrorIs(t, pool.SubmitAfter("f-1", time.Second), ErrPoolStopped)
}

func TestPoolSubmitIsIdempotent(t *testing.T) {
	exec := newMockExecutor(succeed)
	exec.block = make(chan struct{})
	pool := NewPool(exec, nil, PoolConfig{Workers: 2})
	pool.Start()

	require.NoError(t, pool.Submit("f-1"))
	<-exec.started
	require.NoError(t, pool.Submit("f-1"))
	require.NoError(t, pool.SubmitAfter("f-1", time.Millisecond))
	assert.True(t, pool.Active("f-1"))

	close(exec.block)
	require.Eventually(t, func() bool { return pool.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, exec.count("f-1"))
	assert.False(t, pool.Active("f-1"))
	assert.True(t, pool.Shutdown(context.Background()))
}

func TestPoolReschedulesWaitingFlights(t *testing.T) {
	exec := newMockExecutor(func(_ string, run int) (Outcome, error) {
		if run == 1 {
			return Outcome{Status: flight.StatusWaiting, RetryAfter: 20 * time.Millisecond}, nil
		}
		return Outcome{Status: flight.StatusSuccess}, nil
	})
	pool := NewPool(exec, nil, PoolConfig{Workers: 1})
	pool.Start()
	defer pool.Shutdown(context.Background())

	require.NoError(t, pool.Submit("f-wait"))
	require.Eventually(t, func() bool { return pool.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return pool.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, exec.count("f-wait"))
}

func TestPoolRequeuesReadyFlights(t *testing.T) {
	exec := newMockExecutor(func(_ string, run int) (Outcome, error) {
		if run < 3 {
			return Outcome{Status: flight.StatusReady}, nil
		}
		return Outcome{Status: flight.StatusFatal}, nil
	})
	pool := NewPool(exec, nil, PoolConfig{Workers: 1})
	pool.Start()
	defer pool.Shutdown(context.Background())

	require.NoError(t, pool.Submit("f-ready"))
	require.Eventually(t, func() bool { return pool.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, exec.count("f-ready"))
}

func TestPoolDropsFlightsItNoLongerOwns(t *testing.T) {
	exec := newMockExecutor(func(id string, _ int) (Outcome, error) {
		if id == "f-gone" {
			return Outcome{}, flight.NewNotFoundError(id)
		}
		return Outcome{}, ownershipLost(id)
	})
	pool := NewPool(exec, nil, PoolConfig{Workers: 1, ErrorBackoff: time.Millisecond})
	pool.Start()
	defer pool.Shutdown(context.Background())

	require.NoError(t, pool.Submit("f-gone"))
	require.NoError(t, pool.Submit("f-stolen"))
	require.Eventually(t, func() bool { return pool.Stats().Errors == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, exec.count("f-gone"))
	assert.Equal(t, 1, exec.count("f-stolen"))
}

func TestPoolRetriesEngineErrors(t *testing.T) {
	exec := newMockExecutor(func(_ string, run int) (Outcome, error) {
		if run == 1 {
			return Outcome{}, errors.New("database is locked")
		}
		return Outcome{Status: flight.StatusSuccess}, nil
	})
	pool := NewPool(exec, nil, PoolConfig{Workers: 1, ErrorBackoff: 10 * time.Millisecond})
	pool.Start()
	defer pool.Shutdown(context.Background())

	require.NoError(t, pool.Submit("f-1"))
	require.Eventually(t, func() bool { return pool.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), pool.Stats().Errors)
}

func TestPoolQueueFull(t *testing.T) {
	exec := newMockExecutor(succeed)
	exec.block = make(chan struct{})
	pool := NewPool(exec, nil, PoolConfig{Workers: 1, QueueSize: 1})
	pool.Start()
	defer func() {
		close(exec.block)
		pool.Shutdown(context.Background())
	}()

	require.NoError(t, pool.Submit("f-1"))
	<-exec.started
	require.NoError(t, pool.Submit("f-2"))
	assert.ErrorIs(t, pool.Submit("f-3"), ErrQueueFull)
	assert.False(t, pool.Active("f-3"))
}

func TestPoolGracefulShutdown(t *testing.T) {
	status := &mockStatusWriter{}
	exec := newMockExecutor(succeed)
	exec.block = make(chan struct{})
	pool := NewPool(exec, status, PoolConfig{Workers: 1, WorkerID: testWorker})
	pool.Start()

	require.NoError(t, pool.Submit("f-1"))
	<-exec.started
	require.NoError(t, pool.SubmitAfter("f-later", time.Hour))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(exec.block)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, pool.Shutdown(ctx))
	assert.Empty(t, status.get())
	assert.Zero(t, pool.Stats().Waiting)
	assert.Equal(t, 0, exec.count("f-later"))
}

func TestPoolHardShutdownReleasesStuckFlights(t *testing.T) {
	status := &mockStatusWriter{}
	exec := newMockExecutor(succeed)
	exec.block = make(chan struct{})
	defer close(exec.block)
	pool := NewPool(exec, status, PoolConfig{Workers: 1, WorkerID: testWorker, KillGrace: 10 * time.Millisecond})
	pool.Start()

	require.NoError(t, pool.Submit("f-stuck"))
	<-exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, pool.Shutdown(ctx))
	assert.Equal(t, []statusCall{{id: "f-stuck", owner: testWorker, status: flight.StatusReady}}, status.get())
}

// The pool and runner together never leave a flight RUNNING after shutdown.
func TestPoolShutdownLeavesFlightsResumable(t *testing.T) {
	store := newTestStore(t)
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	registry := flight.NewRegistry()
	registry.MustRegister("slow", func(flight.Inputs) (*flight.Definition, error) {
		wait := flight.StepFunc{DoFunc: func(fc *flight.Context) flight.StepResult {
			started <- struct{}{}
			select {
			case <-release:
				return flight.Success()
			case <-fc.Context().Done():
				return flight.Retry(fc.Context().Err())
			}
		}}
		return flight.NewDefinition("slow").
			AddStep("first", wait, nil).
			AddStep("second", wait, nil), nil
	})
	// stubborn ignores cancellation until released
	registry.MustRegister("stubborn", func(flight.Inputs) (*flight.Definition, error) {
		return flight.NewDefinition("stubborn").
			AddStep("block", flight.StepFunc{DoFunc: func(*flight.Context) flight.StepResult {
				started <- struct{}{}
				<-release
				return flight.Success()
			}}, nil), nil
	})
	ctx := context.Background()

	t.Run("graceful", func(t *testing.T) {
		createFlight(t, store, "f-slow", "slow")
		runner := newTestRunner(t, store, registry, nil)
		pool := NewPool(runner, store, PoolConfig{Workers: 1, WorkerID: testWorker})
		pool.Start()
		require.NoError(t, pool.Submit("f-slow"))
		<-started

		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		go func() {
			time.Sleep(20 * time.Millisecond)
			release <- struct{}{}
		}()
		assert.True(t, pool.Shutdown(shutdownCtx))

		rec, err := store.GetFlight(ctx, "f-slow")
		require.NoError(t, err)
		assert.Equal(t, flight.StatusReady, rec.Status)
		assert.Equal(t, 1, rec.StepIndex)
	})

	t.Run("hard", func(t *testing.T) {
		createFlight(t, store, "f-stubborn", "stubborn")
		runner := newTestRunner(t, store, registry, nil)
		pool := NewPool(runner, store, PoolConfig{Workers: 1, WorkerID: testWorker, KillGrace: 10 * time.Millisecond})
		pool.Start()
		require.NoError(t, pool.Submit("f-stubborn"))
		<-started

		shutdownCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.False(t, pool.Shutdown(shutdownCtx))

		rec, err := store.GetFlight(ctx, "f-stubborn")
		require.NoError(t, err)
		assert.Equal(t, flight.StatusReady, rec.Status)
		assert.Equal(t, 0, rec.StepIndex)

		// the step finishes late; its work is recorded, not repeated
		close(release)
		pool.wg.Wait()
		rec, err = store.GetFlight(ctx, "f-stubborn")
		require.NoError(t, err)
		assert.Equal(t, flight.StatusSuccess, rec.Status)
	})
}
