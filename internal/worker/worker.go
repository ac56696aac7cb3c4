// ============================================================================
// blockseq Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs one project pipeline at a time, each Worker
//           runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (or exit when stopCh closes)
//   2. Run the pipeline with a per-task timeout
//   3. Send result to resultCh (blocking; the controller always drains it)
//   4. Repeat
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ select taskCh / stopCh       │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ executor.Run(task)      │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   Each task gets its own context.WithTimeout derived from the pool context.
//   The pipeline's network and subprocess stages observe it; a task that
//   runs out of time ends as a failed job, never as a hung worker.
//
// Error Handling:
//   A panic inside the pipeline is recovered and reported as a failed job
//   (ErrPanic) so one bad project cannot take down the batch.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/blockseq/internal/pipeline"
	"github.com/ChuLiYu/blockseq/pkg/types"
)

// ErrPanic wraps a recovered panic from a job.
var ErrPanic = errors.New("job panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
	stopCh   <-chan struct{} // Closed by Pool.Stop
	executor Executor
	active   *atomic.Int32 // Shared count of workers inside a task
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, executor Executor, active *atomic.Int32) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		executor: executor,
		active:   active,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(ctx, task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

// execute runs one task under its timeout and converts a panic into a failed outcome.
func (w *Worker) execute(parent context.Context, task Task) (result Result) {
	start := time.Now()
	w.active.Add(1)
	defer w.active.Add(-1)

	ctx := parent
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Worker recovered from panic",
				"worker", w.id, "project_id", string(task.ID), "panic", r, "stack", string(debug.Stack()))
			result = Result{
				ID: task.ID,
				Outcome: pipeline.Outcome{
					ID:     task.ID,
					Status: types.StatusFailed,
					Err:    fmt.Errorf("%w: %v", ErrPanic, r),
				},
				Duration: time.Since(start),
			}
		}
	}()

	outcome := w.executor.Run(ctx, task.ID, task.Progress)
	return Result{ID: task.ID, Outcome: outcome, Duration: time.Since(start)}
}
