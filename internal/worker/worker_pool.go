// ============================================================================
// greenrack Worker Pool - concurrent task executor per queue domain
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: A fixed set of Worker goroutines of one domain sharing a task
//          channel and a result channel.
//
//   ┌─────────────┐
//   │ dispatcher  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌──────────────────┐
//   │  Pool(domain)    │
//   │  ┌────────────┐  │
//   │  │ worker -0  │←── taskCh
//   │  │ worker -1  │←── taskCh   ──→ resultCh
//   │  │ worker -n  │←── taskCh
//   │  └────────────┘  │
//   └──────────────────┘
//
// Lifecycle: NewPool -> Start(n) -> Submit / Results -> Stop.
//
// Backpressure:
//   Available() is workers minus tasks submitted and not yet reported. The
//   dispatcher claims a job only when Available() > 0, so a claimed job never
//   waits behind a busy pool while its lease runs. Submit never blocks; a
//   full pool returns ErrPoolFull.
//
// Shutdown:
//   Submit holds the read lock across its send and Stop takes the write lock
//   before closing taskCh, so a send can never hit a closed channel. Stop
//   lets workers finish every task already submitted, then closes resultCh.
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/greenrack/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull is returned when every worker already has a task.
	ErrPoolFull = errors.New("worker pool is full")
)

// ============================================================================
// Types
// ============================================================================

// Pool runs the jobs of one domain.
type Pool struct {
	domain   types.Domain
	handler  Handler
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	wg       sync.WaitGroup
	inflight atomic.Int64
	started  bool
	stopped  bool
	mu       sync.RWMutex
}

// NewPool creates a pool for domain. bufferSize sizes the result channel;
// the task channel is sized to the worker count on Start.
func NewPool(domain types.Domain, handler Handler, bufferSize int) *Pool {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Pool{
		domain:   domain,
		handler:  handler,
		resultCh: make(chan Result, bufferSize),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return fmt.Errorf("pool %s: worker count must be positive, got %d", p.domain, workerCount)
	}

	p.taskCh = make(chan Task, workerCount)
	for i := 0; i < workerCount; i++ {
		w := newWorker(fmt.Sprintf("%s-%d", p.domain, i), p.handler, p.taskCh, p.resultCh,
			func() { p.inflight.Add(-1) })
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit hands a task to the next idle worker without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	for {
		n := p.inflight.Load()
		if n >= int64(len(p.workers)) {
			return ErrPoolFull
		}
		if p.inflight.CompareAndSwap(n, n+1) {
			break
		}
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		p.inflight.Add(-1)
		return ErrPoolFull
	}
}

// Available returns how many more tasks the pool accepts right now.
func (p *Pool) Available() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started || p.stopped {
		return 0
	}
	n := len(p.workers) - int(p.inflight.Load())
	if n < 0 {
		return 0
	}
	return n
}

// InFlight returns the number of submitted tasks not yet reported.
func (p *Pool) InFlight() int { return int(p.inflight.Load()) }

// Results returns the result channel. It is closed by Stop once every
// submitted task has reported.
func (p *Pool) Results() <-chan Result { return p.resultCh }

// ReceiveResult blocks for the next result. ErrPoolClosed means the pool is
// stopped and drained.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop refuses new tasks, waits for submitted ones to finish and closes the
// result channel. Results must be consumed concurrently or fit the buffer.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if !p.started {
		p.mu.Unlock()
		close(p.resultCh)
		return
	}
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// Domain returns the domain the pool serves.
func (p *Pool) Domain() types.Domain { return p.domain }

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
