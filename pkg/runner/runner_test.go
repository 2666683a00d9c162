package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingExecutor holds each run until released or its context is cancelled.
type blockingExecutor struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	ctxErrs map[string]error
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		started: make(chan string, 10),
		release: make(chan struct{}),
		ctxErrs: map[string]error{},
	}
}

func (e *blockingExecutor) ExecuteRun(ctx context.Context, runID string) error {
	e.started <- runID
	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		e.ctxErrs[runID] = ctx.Err()
		e.mu.Unlock()
		return ctx.Err()
	}
}

func waitForInactive(t *testing.T, r *Runner, runID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		active := false
		for _, id := range r.ActiveRuns() {
			if id == runID {
				active = true
			}
		}
		if !active {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s still active", runID)
}

func TestLaunchTracksActiveRun(t *testing.T) {
	exec := newBlockingExecutor()
	r := New(exec)

	require.NoError(t, r.Launch("RUN_1"))
	assert.Equal(t, "RUN_1", <-exec.started)
	assert.Equal(t, []string{"RUN_1"}, r.ActiveRuns())

	close(exec.release)
	waitForInactive(t, r, "RUN_1")
	r.Stop()
}

func TestLaunchRejectsDuplicate(t *testing.T) {
	exec := newBlockingExecutor()
	r := New(exec)

	require.NoError(t, r.Launch("RUN_1"))
	<-exec.started

	err := r.Launch("RUN_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already executing")

	close(exec.release)
	r.Stop()
}

func TestCancelStopsRun(t *testing.T) {
	exec := newBlockingExecutor()
	r := New(exec)

	require.NoError(t, r.Launch("RUN_1"))
	<-exec.started

	assert.True(t, r.Cancel("RUN_1"))
	waitForInactive(t, r, "RUN_1")

	exec.mu.Lock()
	assert.ErrorIs(t, exec.ctxErrs["RUN_1"], context.Canceled)
	exec.mu.Unlock()

	assert.False(t, r.Cancel("RUN_1"), "finished run is no longer cancellable")
	r.Stop()
}

func TestStopRefusesNewLaunchesAndDrains(t *testing.T) {
	exec := newBlockingExecutor()
	r := New(exec)

	require.NoError(t, r.Launch("RUN_1"))
	<-exec.started

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	err := r.Launch("RUN_2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutting down")

	close(exec.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after runs drained")
	}
}
