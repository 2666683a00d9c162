// Package runner executes segmentation runs asynchronously and tracks the
// in-flight ones so they can be cancelled and drained on shutdown.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Executor drives one run to a terminal stage.
type Executor interface {
	ExecuteRun(ctx context.Context, runID string) error
}

// Runner launches pipeline executions in background goroutines. Each run
// gets its own cancellable context registered under its id; Stop cancels
// nothing but waits for in-flight runs to finish their terminal write.
type Runner struct {
	executor Executor

	mu         sync.RWMutex
	activeRuns map[string]context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
}

// New creates a runner.
func New(executor Executor) *Runner {
	return &Runner{
		executor:   executor,
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Launch starts executing the run in the background. It fails when the
// runner is draining or the run is already executing.
func (r *Runner) Launch(runID string) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("runner is shutting down")
	}
	if _, active := r.activeRuns[runID]; active {
		r.mu.Unlock()
		return fmt.Errorf("run %s is already executing", runID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.activeRuns[runID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	slog.Info("Launching segmentation run", "run_id", runID)

	go func() {
		defer r.wg.Done()
		defer r.unregister(runID)

		if err := r.executor.ExecuteRun(ctx, runID); err != nil {
			slog.Error("Run execution finished with error", "run_id", runID, "error", err)
			return
		}
		slog.Info("Run execution finished", "run_id", runID)
	}()
	return nil
}

// Cancel cancels an in-flight run. Returns false when the run is not
// executing on this process.
func (r *Runner) Cancel(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cancel, ok := r.activeRuns[runID]; ok {
		cancel()
		return true
	}
	return false
}

// ActiveRuns returns the ids of currently executing runs.
func (r *Runner) ActiveRuns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.activeRuns))
	for id := range r.activeRuns {
		ids = append(ids, id)
	}
	return ids
}

// Stop refuses new launches and waits for in-flight runs to finish. Runs
// keep executing to their terminal write; callers wanting a fast shutdown
// Cancel them first.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	active := len(r.activeRuns)
	r.mu.Unlock()

	if active > 0 {
		slog.Info("Waiting for active runs to complete", "count", active)
	}
	r.wg.Wait()
	slog.Info("Runner stopped")
}

func (r *Runner) unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeRuns, runID)
}
