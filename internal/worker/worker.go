// ============================================================================
// greenrack Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: One goroutine of a Pool. Runs the pool's Handler for every Task it
//          receives and reports a Result.
//
// Execution model:
//   ┌─────────────────────────────────────┐
//   │  Worker goroutine                   │
//   │  for task := range taskCh           │
//   │    ├─ context with task.Timeout     │
//   │    ├─ handler.Handle(ctx, job)      │
//   │    │    (panic -> error)            │
//   │    └─ resultCh <- Result            │
//   └─────────────────────────────────────┘
//
// The loop ends when the pool closes taskCh; tasks already queued on the
// channel are still executed and reported.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// Worker runs tasks from a shared channel.
type Worker struct {
	id       string
	handler  Handler
	taskCh   <-chan Task
	resultCh chan<- Result
	done     func()
}

func newWorker(id string, handler Handler, taskCh <-chan Task, resultCh chan<- Result, done func()) *Worker {
	return &Worker{
		id:       id,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
		done:     done,
	}
}

// ID returns the worker identifier, "<domain>-<n>".
func (w *Worker) ID() string { return w.id }

// Run executes tasks until taskCh is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		err := w.execute(ctx, task)
		cancel()

		// Result sends block: the pool's consumer drains resultCh until it is closed.
		w.resultCh <- Result{
			JobID:    task.Job.ID,
			Domain:   task.Job.Domain,
			Lease:    task.Job.Lease,
			WorkerID: w.id,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
		w.done()
	}
}

// execute runs the handler, converting a panic into an error. A handler that
// ignores ctx past its deadline is still reported as timed out.
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()

	err = w.handler.Handle(ctx, task.Job)
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
