// ============================================================================
// greenrack Controller - queue coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Ties the JobManager, the WAL, checkpoints and the per-domain
//          worker pools together, and recovers all of them after a crash.
//
// Loops:
//   1. dispatchLoop (one per domain with local workers) - claims due jobs
//      while the domain's pool has an idle worker; woken by Enqueue, by a
//      finished result and by a ticker for delayed retries
//   2. resultLoop (one per pool) - applies handler results
//   3. reclaimLoop - fails running jobs whose lease expired
//   4. snapshotLoop - periodic checkpoint, then WAL rotation
//
// Write-ahead:
//   Every transition is computed in the JobManager and its resulting job image
//   is appended to the WAL under c.mu before the transition is acknowledged
//   to a caller or a job is handed to a worker. If the append fails the
//   transition is rolled back (enqueue, claim, cancel, redrive). Results that
//   cannot be logged stay applied in memory; recovery then sees the job as
//   running and requeues it, so handlers must tolerate a re-run.
//
// Recovery (Start):
//   1. load the checkpoint: jobs -> JobManager, collections -> Checkpointers
//   2. replay the WAL: each record is an idempotent upsert of a job image
//   3. requeue jobs that were running at the crash, logged as REQUEUE
//
// Shutdown (Stop):
//   stop claiming -> drain pools (results still applied) -> final checkpoint
//   -> close the WAL. Jobs leased to remote workers stay running in the
//   checkpoint and are requeued on the next start.
//
// ============================================================================

package controller

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/metrics"
	"github.com/ChuLiYu/greenrack/internal/snapshot"
	"github.com/ChuLiYu/greenrack/internal/storage/wal"
	"github.com/ChuLiYu/greenrack/internal/worker"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// ErrStopped is returned by operations after Stop.
var ErrStopped = errors.New("controller is stopped")

// ============================================================================
// Types
// ============================================================================

// Config tunes the controller.
type Config struct {
	// NodeID names this process. In-process claims are leased to it.
	NodeID string
	// Workers is the local pool size per domain. Domains with zero workers
	// are served only by remote pullers.
	Workers map[types.Domain]int
	Queue   jobmanager.Config

	PollInterval     time.Duration
	ReclaimInterval  time.Duration
	SnapshotInterval time.Duration

	WALPath          string
	WALBufferSize    int
	WALFlushInterval time.Duration

	SnapshotPath    string
	SnapshotBackups int
}

// Checkpointer is a component whose state is stored in the checkpoint next
// to the queue.
type Checkpointer interface {
	SnapshotInto(data *types.SnapshotData)
	RestoreFrom(data *types.SnapshotData)
}

// RecoveryStats describes what Start recovered.
type RecoveryStats struct {
	SnapshotJobs int
	Replayed     int
	Requeued     int
	Duration     time.Duration
}

// Controller coordinates the queue.
type Controller struct {
	mu       sync.Mutex // orders JobManager transitions with their WAL records
	jm       *jobmanager.JobManager
	wal      *wal.WAL
	snapshot *snapshot.Manager
	pools    map[types.Domain]*worker.Pool
	wake     map[types.Domain]chan struct{}
	cps      []Checkpointer
	metrics  *metrics.Collector
	log      logger.Logger
	cfg      Config
	now      func() time.Time

	started   bool
	stopped   bool
	startTime time.Time
	recovery  RecoveryStats

	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	resultWg sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records queue metrics on m.
func WithMetrics(m *metrics.Collector) Option { return func(c *Controller) { c.metrics = m } }

// WithCheckpointers stores the state of cps in every checkpoint.
func WithCheckpointers(cps ...Checkpointer) Option {
	return func(c *Controller) { c.cps = append(c.cps, cps...) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// NewController opens the WAL and builds one pool per domain with workers.
// handler runs every locally dispatched job.
func NewController(cfg Config, handler worker.Handler, log logger.Logger, opts ...Option) (*Controller, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = "local"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 30 * time.Second
	}

	c := &Controller{
		pools:  make(map[types.Domain]*worker.Pool),
		wake:   make(map[types.Domain]chan struct{}),
		log:    log.With(logger.String("component", "controller"), logger.String("node_id", cfg.NodeID)),
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.jm = jobmanager.NewJobManager(cfg.Queue, jobmanager.WithClock(c.now))

	w, err := wal.NewWAL(cfg.WALPath, wal.Options{
		BufferSize:    cfg.WALBufferSize,
		FlushInterval: cfg.WALFlushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	c.wal = w
	c.snapshot = snapshot.NewManager(cfg.SnapshotPath, cfg.SnapshotBackups)

	for _, domain := range types.AllDomains() {
		c.wake[domain] = make(chan struct{}, 1)
		if n := cfg.Workers[domain]; n > 0 {
			c.pools[domain] = worker.NewPool(domain, handler, n)
		}
	}
	return c, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start recovers persisted state and starts the loops.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.startTime = c.now()
	c.mu.Unlock()

	c.log.Info("Starting recovery")
	stats, err := c.recover()
	if err != nil {
		return err
	}
	c.recovery = stats
	c.metrics.SetRecoveryTime(stats.Duration)
	c.log.Info("Recovery completed",
		logger.Duration("duration", stats.Duration),
		logger.Int("snapshot_jobs", stats.SnapshotJobs),
		logger.Int("replayed_events", stats.Replayed),
		logger.Int("requeued_jobs", stats.Requeued))

	for domain, pool := range c.pools {
		if err := pool.Start(c.cfg.Workers[domain]); err != nil {
			return fmt.Errorf("failed to start %s pool: %w", domain, err)
		}
		c.loopWg.Add(1)
		go c.dispatchLoop(domain, pool)
		c.resultWg.Add(1)
		go c.resultLoop(pool)
	}
	c.loopWg.Add(2)
	go c.reclaimLoop()
	go c.snapshotLoop()

	c.log.Info("Controller started", logger.Int("local_pools", len(c.pools)))
	return nil
}

func (c *Controller) recover() (RecoveryStats, error) {
	start := time.Now()
	var stats RecoveryStats

	data, err := c.snapshot.Load()
	if err != nil {
		return stats, fmt.Errorf("failed to load snapshot: %w", err)
	}
	c.jm.Restore(data.Jobs)
	for _, cp := range c.cps {
		cp.RestoreFrom(&data)
	}
	stats.SnapshotJobs = len(data.Jobs)

	err = c.wal.Replay(func(e wal.Event) error {
		c.jm.Apply(e.Job)
		stats.Replayed++
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to replay WAL: %w", err)
	}

	c.mu.Lock()
	requeued := c.jm.RequeueRunning(c.now())
	for _, job := range requeued {
		c.logEvent(wal.EventRequeue, job)
	}
	c.mu.Unlock()
	stats.Requeued = len(requeued)
	stats.Duration = time.Since(start)
	return stats, nil
}

// Stop drains the pools, writes a final checkpoint and closes the WAL.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	wasStarted := c.started
	c.mu.Unlock()

	c.log.Info("Stopping controller")
	close(c.stopCh)
	c.loopWg.Wait()

	for _, pool := range c.pools {
		pool.Stop()
	}
	c.resultWg.Wait()

	if wasStarted {
		if err := c.takeSnapshot(); err != nil {
			c.log.Error("Failed to take final snapshot", logger.Error(err))
		}
	}
	if err := c.wal.Close(); err != nil {
		c.log.Error("Failed to close WAL", logger.Error(err))
	}
	c.log.Info("Controller stopped")
}

// ============================================================================
// Loops
// ============================================================================

func (c *Controller) dispatchLoop(domain types.Domain, pool *worker.Pool) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c.dispatch(domain, pool)
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		case <-c.wake[domain]:
		}
	}
}

// dispatch claims jobs while the pool has idle workers.
func (c *Controller) dispatch(domain types.Domain, pool *worker.Pool) {
	for pool.Available() > 0 {
		select {
		case <-c.stopCh:
			return
		default:
		}

		job, ok := c.claim(domain, c.cfg.NodeID)
		if !ok {
			return
		}
		if err := pool.Submit(worker.Task{Job: job, Timeout: c.lease(job)}); err != nil {
			c.log.Warn("Claimed job not accepted by pool",
				logger.String("job_id", string(job.ID)), logger.Error(err))
			c.release(job.ID)
			return
		}
	}
}

func (c *Controller) resultLoop(pool *worker.Pool) {
	defer c.resultWg.Done()
	for result := range pool.Results() {
		if _, err := c.applyResult(result.Lease, result.JobID, result.Success, result.ErrorString(), result.Duration); err != nil {
			c.log.Warn("Result not applied",
				logger.String("job_id", string(result.JobID)), logger.Error(err))
		}
		c.notify(result.Domain)
	}
}

func (c *Controller) reclaimLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.ReclaimExpired()
			c.jm.PromoteDue(c.now())
			c.metrics.SetJobCounts(c.countsByName())
		}
	}
}

func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				c.log.Error("Failed to take snapshot", logger.Error(err))
			}
		}
	}
}

// ============================================================================
// Transitions
// ============================================================================

// claim leases the next due job of domain to workerID and logs the dispatch.
func (c *Controller) claim(domain types.Domain, workerID string) (types.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return types.Job{}, false
	}

	now := c.now()
	job, ok := c.jm.Claim(domain, workerID, now)
	if !ok {
		return types.Job{}, false
	}
	if err := c.wal.Append(wal.EventDispatch, job, false); err != nil {
		c.log.Error("Failed to append DISPATCH event", logger.String("job_id", string(job.ID)), logger.Error(err))
		if _, rerr := c.jm.Release(job.ID, now); rerr != nil {
			c.log.Error("Failed to release job", logger.String("job_id", string(job.ID)), logger.Error(rerr))
		}
		return types.Job{}, false
	}
	c.metrics.RecordDispatch(string(domain))
	return job, true
}

// release returns a claimed job to the queue without charging an attempt.
func (c *Controller) release(id types.JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, err := c.jm.Release(id, c.now())
	if err != nil {
		c.log.Error("Failed to release job", logger.String("job_id", string(id)), logger.Error(err))
		return
	}
	c.logEvent(wal.EventRequeue, job)
}

// applyResult records a handler outcome reported under lease.
func (c *Controller) applyResult(lease string, id types.JobID, success bool, cause string, took time.Duration) (types.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	if success {
		job, err := c.jm.Complete(id, lease, now)
		if err != nil {
			return job, err
		}
		c.logEvent(wal.EventAck, job)
		c.metrics.RecordCompleted(string(job.Domain), took)
		c.log.Debug("Job completed",
			logger.String("job_id", string(id)),
			logger.String("type", job.Type),
			logger.Duration("duration", took))
		return job, nil
	}

	if cause == "" {
		cause = "handler failed"
	}
	job, err := c.jm.Fail(id, lease, cause, now)
	var exhausted *apperr.JobExhaustedError
	switch {
	case errors.As(err, &exhausted):
		c.logEvent(wal.EventDead, job)
		c.metrics.RecordFailed(string(job.Domain), false)
		c.log.Warn("Job dead-lettered",
			logger.String("job_id", string(id)),
			logger.String("type", job.Type),
			logger.Int("attempts", job.Attempt),
			logger.String("last_error", cause))
		return job, nil
	case err != nil:
		return job, err
	}
	c.logEvent(wal.EventRetry, job)
	c.metrics.RecordFailed(string(job.Domain), true)
	c.log.Debug("Job scheduled for retry",
		logger.String("job_id", string(id)),
		logger.Int("attempt", job.Attempt),
		logger.Int64("next_run_at", job.NextRunAt),
		logger.String("error", cause))
	return job, nil
}

// ReclaimExpired fails every running job whose lease has ended.
func (c *Controller) ReclaimExpired() []types.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := c.jm.ReclaimExpired(c.now())
	for _, job := range expired {
		eventType := wal.EventTimeout
		if job.Status == types.StatusDeadLettered {
			eventType = wal.EventDead
		}
		c.logEvent(eventType, job)
		c.metrics.RecordReclaimed(string(job.Domain))
		c.log.Warn("Lease expired",
			logger.String("job_id", string(job.ID)),
			logger.String("status", string(job.Status)),
			logger.Int("attempt", job.Attempt))
	}
	return expired
}

// logEvent appends a record for a transition that cannot be rolled back.
// Caller holds c.mu.
func (c *Controller) logEvent(t wal.EventType, job types.Job) {
	if err := c.wal.Append(t, job, false); err != nil {
		c.log.Error("Failed to append WAL event",
			logger.String("event", string(t)),
			logger.String("job_id", string(job.ID)),
			logger.Error(err))
	}
}

func (c *Controller) lease(job types.Job) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	return c.jm.Config().VisibilityTimeout
}

func (c *Controller) notify(domain types.Domain) {
	ch, ok := c.wake[domain]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ============================================================================
// Checkpoint
// ============================================================================

// takeSnapshot writes a checkpoint and rotates the WAL. c.mu is held
// throughout so no record lands in the log being rotated away.
func (c *Controller) takeSnapshot() error {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	data := types.SnapshotData{
		Jobs:    c.jm.Snapshot(),
		LastSeq: c.wal.LastSeq(),
	}
	for _, cp := range c.cps {
		cp.SnapshotInto(&data)
	}
	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := c.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	c.log.Info("Snapshot taken",
		logger.Duration("duration", time.Since(start)),
		logger.Int("jobs", len(data.Jobs)),
		logger.Uint64("last_seq", data.LastSeq))
	return nil
}

// Checkpoint writes a checkpoint now.
func (c *Controller) Checkpoint() error { return c.takeSnapshot() }

// ============================================================================
// Public operations
// ============================================================================

// Enqueue accepts a job. The ENQUEUE record is flushed before it returns.
func (c *Controller) Enqueue(job types.Job) (types.Job, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return types.Job{}, ErrStopped
	}
	stored, err := c.jm.Enqueue(job)
	if err != nil {
		c.mu.Unlock()
		return types.Job{}, err
	}
	if err := c.wal.Append(wal.EventEnqueue, stored, true); err != nil {
		c.jm.Remove(stored.ID)
		c.mu.Unlock()
		return types.Job{}, fmt.Errorf("failed to append ENQUEUE event: %w", err)
	}
	c.mu.Unlock()

	c.metrics.RecordEnqueue(string(stored.Domain))
	c.notify(stored.Domain)
	return stored, nil
}

// Cancel stops a queued or retrying job. Running jobs return
// jobmanager.ErrJobRunning; terminal jobs are returned unchanged.
func (c *Controller) Cancel(id types.JobID) (types.Job, error) {
	return c.operatorAction(id, wal.EventCancel, c.jm.Cancel)
}

// Redrive requeues a dead-lettered job with its attempts reset.
func (c *Controller) Redrive(id types.JobID) (types.Job, error) {
	job, err := c.operatorAction(id, wal.EventRedrive, c.jm.Redrive)
	if err == nil {
		c.notify(job.Domain)
	}
	return job, err
}

func (c *Controller) operatorAction(id types.JobID, t wal.EventType, apply func(types.JobID, time.Time) (types.Job, error)) (types.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, err := c.jm.Get(id)
	if err != nil {
		return types.Job{}, err
	}
	job, err := apply(id, c.now())
	if err != nil {
		return types.Job{}, err
	}
	if job.Status == prev.Status {
		return job, nil
	}
	if err := c.wal.Append(t, job, true); err != nil {
		c.jm.Apply(prev)
		return types.Job{}, fmt.Errorf("failed to append %s event: %w", t, err)
	}
	c.log.Info("Operator action applied",
		logger.String("event", string(t)),
		logger.String("job_id", string(id)),
		logger.String("status", string(job.Status)))
	return job, nil
}

// Get returns one job.
func (c *Controller) Get(id types.JobID) (types.Job, error) { return c.jm.Get(id) }

// List returns jobs matching f, oldest first.
func (c *Controller) List(f jobmanager.Filter) []types.Job { return c.jm.List(f) }

// Stats counts jobs per domain and status.
func (c *Controller) Stats() map[types.Domain]map[types.JobStatus]int { return c.jm.Stats() }

func (c *Controller) countsByName() map[string]map[string]int {
	out := make(map[string]map[string]int)
	for domain, byStatus := range c.jm.Stats() {
		row := make(map[string]int, len(byStatus))
		for status, n := range byStatus {
			row[string(status)] = n
		}
		out[string(domain)] = row
	}
	return out
}

// Counts is Stats keyed by plain strings.
func (c *Controller) Counts() map[string]map[string]int { return c.countsByName() }

// Uptime is the time since Start.
func (c *Controller) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0
	}
	return c.now().Sub(c.startTime)
}

// Recovery returns what the last Start recovered.
func (c *Controller) Recovery() RecoveryStats { return c.recovery }

// LocalDomains lists the domains served by in-process pools.
func (c *Controller) LocalDomains() []types.Domain {
	out := make([]types.Domain, 0, len(c.pools))
	for d := range c.pools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
