// ============================================================================
// greenrack Job Manager - queue state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Owns every Job and its transitions. Partitioned by domain so each
// domain's workers only ever claim their own work.
//
// State machine:
//
//	queued ──Claim──> running ──Complete──> succeeded
//	   ^                 │
//	   │                 ├─Fail / visibility timeout, attempt < max──> retrying
//	   │                 │                                               │
//	   └─────────────────┼──────────── backoff elapsed (promote) ────────┘
//	                     └─Fail / visibility timeout, attempt == max──> dead_lettered
//
//	queued|retrying ──Cancel──> cancelled
//	dead_lettered ──Redrive──> queued (attempts reset)
//
// Leases:
//   Every claim issues a fresh lease token "<worker>/<epoch>.<seq>" stored on
//   the job. Complete and Fail must present the current token, so a result
//   from a lease that was reclaimed and re-issued, even to the same worker,
//   is rejected.
//
// Concurrency:
//   One RWMutex guards all maps. Claim checks and transitions under the write
//   lock, so of N concurrent claimers exactly one receives a given job.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateJob is returned when the id, or the dedupe key of a live job, is taken.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotRunning is returned when a result arrives for a job the caller does not hold.
	ErrNotRunning = errors.New("job is not running")
	// ErrJobRunning is returned when cancelling a claimed job; cancellation is cooperative.
	ErrJobRunning = errors.New("job is running")
	// ErrNotDeadLettered is returned when redriving a job that is not dead-lettered.
	ErrNotDeadLettered = errors.New("job is not dead-lettered")
)

// ============================================================================
// Types
// ============================================================================

// Config bounds retries and claims.
type Config struct {
	MaxAttempts       int           // default for jobs enqueued without their own
	BaseBackoff       time.Duration // delay after the first failure
	MaxBackoff        time.Duration // backoff cap
	VisibilityTimeout time.Duration // claim lease for jobs without a Timeout
}

// DefaultConfig returns 3 attempts, 2s doubling backoff capped at 5m and a 30s lease.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseBackoff:       2 * time.Second,
		MaxBackoff:        5 * time.Minute,
		VisibilityTimeout: 30 * time.Second,
	}
}

// Filter selects jobs in List. Zero fields match everything.
type Filter struct {
	Domain types.Domain
	Status types.JobStatus
}

// Matches reports whether j passes the filter.
func (f Filter) Matches(j *types.Job) bool {
	if f.Domain != "" && j.Domain != f.Domain {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}

// JobManager holds the jobs of every domain.
type JobManager struct {
	mu      sync.RWMutex
	cfg     Config
	jobs    map[types.JobID]*types.Job
	queues  map[types.Domain][]types.JobID // queued and retrying, FIFO
	running map[types.JobID]*types.Job
	dedupe  map[string]types.JobID
	now     func() time.Time

	leaseEpoch string
	leaseSeq   uint64
}

// Option configures a JobManager.
type Option func(*JobManager)

// WithClock replaces time.Now for enqueue timestamps.
func WithClock(now func() time.Time) Option { return func(jm *JobManager) { jm.now = now } }

// NewJobManager creates an empty manager. Zero config fields take their defaults.
func NewJobManager(cfg Config, opts ...Option) *JobManager {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	jm := &JobManager{cfg: cfg, now: time.Now, leaseEpoch: strconv.FormatInt(time.Now().UnixNano(), 36)}
	jm.reset()
	for _, o := range opts {
		o(jm)
	}
	return jm
}

func (jm *JobManager) reset() {
	jm.jobs = make(map[types.JobID]*types.Job)
	jm.queues = make(map[types.Domain][]types.JobID)
	jm.running = make(map[types.JobID]*types.Job)
	jm.dedupe = make(map[string]types.JobID)
}

// Config returns the effective configuration.
func (jm *JobManager) Config() Config { return jm.cfg }

// Backoff returns the delay before retry number attempt: base*2^(attempt-1), capped.
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	if d > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return d
}

// ============================================================================
// Enqueue
// ============================================================================

// Enqueue validates job and adds it as queued. A NextRunAt in the future
// delays the first claim. The stored job is returned.
func (jm *JobManager) Enqueue(job types.Job) (types.Job, error) {
	if job.ID == "" {
		return types.Job{}, apperr.Invalid("id", "is required")
	}
	if !job.Domain.Valid() {
		return types.Job{}, apperr.Invalid("domain", "unknown domain %q", job.Domain)
	}
	if job.Type == "" {
		return types.Job{}, apperr.Invalid("type", "is required")
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return types.Job{}, fmt.Errorf("%w: id %s", ErrDuplicateJob, job.ID)
	}
	if holder, ok := jm.liveDedupeHolder(job.DedupeKey); ok {
		return types.Job{}, fmt.Errorf("%w: dedupe key %s held by %s", ErrDuplicateJob, job.DedupeKey, holder)
	}

	nowMs := jm.now().UnixMilli()
	j := clone(&job)
	j.Status = types.StatusQueued
	j.Attempt = 0
	j.WorkerID = ""
	j.Deadline = nil
	j.LastError = ""
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = jm.cfg.MaxAttempts
	}
	if j.CreatedAt == 0 {
		j.CreatedAt = nowMs
	}
	if j.NextRunAt == 0 {
		j.NextRunAt = j.CreatedAt
	}
	j.UpdatedAt = nowMs

	jm.jobs[j.ID] = &j
	jm.queues[j.Domain] = append(jm.queues[j.Domain], j.ID)
	if j.DedupeKey != "" {
		jm.dedupe[j.DedupeKey] = j.ID
	}
	return clone(&j), nil
}

// liveDedupeHolder returns the non-terminal job holding key. Caller holds mu.
func (jm *JobManager) liveDedupeHolder(key string) (types.JobID, bool) {
	if key == "" {
		return "", false
	}
	id, ok := jm.dedupe[key]
	if !ok {
		return "", false
	}
	if held, exists := jm.jobs[id]; exists && !held.Status.Terminal() {
		return id, true
	}
	return "", false
}

// ============================================================================
// Claim / Complete / Fail
// ============================================================================

// Claim hands the oldest due job of domain to workerID under a new lease.
// Due retries of the domain are promoted to queued first. ok is false when
// nothing is due.
func (jm *JobManager) Claim(domain types.Domain, workerID string, now time.Time) (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	nowMs := now.UnixMilli()
	jm.promoteLocked(domain, nowMs)
	queue := jm.queues[domain]
	for i, id := range queue {
		job := jm.jobs[id]
		if job.NextRunAt > nowMs {
			continue
		}
		jm.queues[domain] = append(queue[:i:i], queue[i+1:]...)

		lease := jm.cfg.VisibilityTimeout
		if job.Timeout > 0 {
			lease = job.Timeout
		}
		deadline := now.Add(lease).UnixMilli()
		jm.leaseSeq++
		job.Status = types.StatusRunning
		job.WorkerID = workerID
		job.Lease = fmt.Sprintf("%s/%s.%d", workerID, jm.leaseEpoch, jm.leaseSeq)
		job.Deadline = &deadline
		job.UpdatedAt = nowMs
		jm.running[id] = job
		return clone(job), true
	}
	return types.Job{}, false
}

// PromoteDue moves every retrying job whose backoff has elapsed back to
// queued and returns how many moved.
func (jm *JobManager) PromoteDue(now time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	n := 0
	for domain := range jm.queues {
		n += jm.promoteLocked(domain, now.UnixMilli())
	}
	return n
}

func (jm *JobManager) promoteLocked(domain types.Domain, nowMs int64) int {
	n := 0
	for _, id := range jm.queues[domain] {
		job := jm.jobs[id]
		if job.Status == types.StatusRetrying && job.NextRunAt <= nowMs {
			job.Status = types.StatusQueued
			job.UpdatedAt = nowMs
			n++
		}
	}
	return n
}

// Due reports how many jobs of domain could be claimed at now.
func (jm *JobManager) Due(domain types.Domain, now time.Time) int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	nowMs := now.UnixMilli()
	n := 0
	for _, id := range jm.queues[domain] {
		if jm.jobs[id].NextRunAt <= nowMs {
			n++
		}
	}
	return n
}

// Complete marks a running job succeeded. A non-empty lease must be the one
// issued by the current claim, so a late result from a reclaimed lease is
// rejected.
func (jm *JobManager) Complete(id types.JobID, lease string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.heldBy(id, lease)
	if err != nil {
		return types.Job{}, err
	}
	delete(jm.running, id)
	job.Status = types.StatusSucceeded
	job.Lease = ""
	job.Deadline = nil
	job.LastError = ""
	job.UpdatedAt = now.UnixMilli()
	return clone(job), nil
}

// Fail records a failed attempt. Below MaxAttempts the job waits out its
// backoff as retrying; otherwise it is dead-lettered and a
// *apperr.JobExhaustedError is returned alongside the updated job.
func (jm *JobManager) Fail(id types.JobID, lease string, cause string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.heldBy(id, lease)
	if err != nil {
		return types.Job{}, err
	}
	return jm.failLocked(job, cause, now)
}

func (jm *JobManager) failLocked(job *types.Job, cause string, now time.Time) (types.Job, error) {
	delete(jm.running, job.ID)
	job.Attempt++
	job.LastError = cause
	job.Deadline = nil
	job.WorkerID = ""
	job.Lease = ""
	job.UpdatedAt = now.UnixMilli()

	if job.Attempt >= job.MaxAttempts {
		job.Status = types.StatusDeadLettered
		return clone(job), &apperr.JobExhaustedError{JobID: string(job.ID), Attempts: job.Attempt, LastError: cause}
	}

	job.Status = types.StatusRetrying
	job.NextRunAt = now.Add(Backoff(jm.cfg, job.Attempt)).UnixMilli()
	jm.queues[job.Domain] = append(jm.queues[job.Domain], job.ID)
	return clone(job), nil
}

func (jm *JobManager) heldBy(id types.JobID, lease string) (*types.Job, error) {
	job, exists := jm.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != types.StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, job.Status)
	}
	if lease != "" && job.Lease != lease {
		return nil, fmt.Errorf("%w: lease %s of %s was superseded", ErrNotRunning, lease, id)
	}
	return job, nil
}

// ============================================================================
// Leases
// ============================================================================

// ReclaimExpired fails every running job whose lease ended before now and
// returns the updated jobs.
func (jm *JobManager) ReclaimExpired(now time.Time) []types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	nowMs := now.UnixMilli()
	var expired []*types.Job
	for _, job := range jm.running {
		if job.Deadline != nil && *job.Deadline < nowMs {
			expired = append(expired, job)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })

	out := make([]types.Job, 0, len(expired))
	for _, job := range expired {
		updated, _ := jm.failLocked(job, "visibility timeout expired", now)
		out = append(out, updated)
	}
	return out
}

// Extend renews the lease of every job workerID holds and returns how many it renewed.
func (jm *JobManager) Extend(workerID string, now time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	n := 0
	for _, job := range jm.running {
		if job.WorkerID != workerID {
			continue
		}
		lease := jm.cfg.VisibilityTimeout
		if job.Timeout > 0 {
			lease = job.Timeout
		}
		deadline := now.Add(lease).UnixMilli()
		job.Deadline = &deadline
		job.UpdatedAt = now.UnixMilli()
		n++
	}
	return n
}

// RequeueRunning returns every running job to the queue without charging an
// attempt. Used on recovery, when no worker survived to report.
func (jm *JobManager) RequeueRunning(now time.Time) []types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	ids := make([]types.JobID, 0, len(jm.running))
	for id := range jm.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]types.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, jm.releaseLocked(jm.running[id], now))
	}
	return out
}

// Release hands a claimed job back to the queue without charging an attempt.
// Used when the claim could not be handed to a worker.
func (jm *JobManager) Release(id types.JobID, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.running[id]
	if !ok {
		if _, exists := jm.jobs[id]; !exists {
			return types.Job{}, ErrJobNotFound
		}
		return types.Job{}, ErrNotRunning
	}
	return jm.releaseLocked(job, now), nil
}

func (jm *JobManager) releaseLocked(job *types.Job, now time.Time) types.Job {
	delete(jm.running, job.ID)
	job.Status = types.StatusQueued
	job.WorkerID = ""
	job.Lease = ""
	job.Deadline = nil
	job.NextRunAt = now.UnixMilli()
	job.UpdatedAt = now.UnixMilli()
	jm.queues[job.Domain] = append(jm.queues[job.Domain], job.ID)
	return clone(job)
}

// Remove deletes a job outright. Enqueue rollback only.
func (jm *JobManager) Remove(id types.JobID) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return false
	}
	jm.removeQueued(job)
	delete(jm.running, id)
	delete(jm.jobs, id)
	if job.DedupeKey != "" && jm.dedupe[job.DedupeKey] == id {
		delete(jm.dedupe, job.DedupeKey)
	}
	return true
}

// ============================================================================
// Operator actions
// ============================================================================

// Cancel stops a job that has not been claimed.
func (jm *JobManager) Cancel(id types.JobID, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	switch job.Status {
	case types.StatusRunning:
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobRunning, id)
	case types.StatusQueued, types.StatusRetrying:
	default:
		return clone(job), nil
	}
	jm.removeQueued(job)
	job.Status = types.StatusCancelled
	job.UpdatedAt = now.UnixMilli()
	return clone(job), nil
}

// Redrive puts a dead-lettered job back in the queue with its attempts reset.
func (jm *JobManager) Redrive(id types.JobID, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != types.StatusDeadLettered {
		return types.Job{}, fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, id, job.Status)
	}
	if holder, ok := jm.liveDedupeHolder(job.DedupeKey); ok {
		return types.Job{}, fmt.Errorf("%w: dedupe key %s held by %s", ErrDuplicateJob, job.DedupeKey, holder)
	}
	job.Status = types.StatusQueued
	job.Attempt = 0
	job.LastError = ""
	job.NextRunAt = now.UnixMilli()
	job.UpdatedAt = now.UnixMilli()
	jm.queues[job.Domain] = append(jm.queues[job.Domain], id)
	if job.DedupeKey != "" {
		jm.dedupe[job.DedupeKey] = id
	}
	return clone(job), nil
}

func (jm *JobManager) removeQueued(job *types.Job) {
	queue := jm.queues[job.Domain]
	for i, qid := range queue {
		if qid == job.ID {
			jm.queues[job.Domain] = append(queue[:i:i], queue[i+1:]...)
			return
		}
	}
}

// ============================================================================
// Queries
// ============================================================================

// Get returns a copy of one job.
func (jm *JobManager) Get(id types.JobID) (types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, exists := jm.jobs[id]
	if !exists {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return clone(job), nil
}

// List returns matching jobs, oldest first.
func (jm *JobManager) List(f Filter) []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, 0)
	for _, job := range jm.jobs {
		if f.Matches(job) {
			out = append(out, clone(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats counts jobs per domain and status.
func (jm *JobManager) Stats() map[types.Domain]map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := make(map[types.Domain]map[types.JobStatus]int)
	for _, d := range types.AllDomains() {
		stats[d] = make(map[types.JobStatus]int)
	}
	for _, job := range jm.jobs {
		stats[job.Domain][job.Status]++
	}
	return stats
}

// ============================================================================
// Snapshot and recovery
// ============================================================================

// Snapshot deep-copies every job.
func (jm *JobManager) Snapshot() map[types.JobID]*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		c := clone(job)
		out[id] = &c
	}
	return out
}

// Restore replaces all state with jobs. Queue order follows NextRunAt then CreatedAt.
func (jm *JobManager) Restore(jobs map[types.JobID]*types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.reset()
	ordered := make([]*types.Job, 0, len(jobs))
	for _, job := range jobs {
		c := clone(job)
		ordered = append(ordered, &c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].NextRunAt != ordered[j].NextRunAt {
			return ordered[i].NextRunAt < ordered[j].NextRunAt
		}
		if ordered[i].CreatedAt != ordered[j].CreatedAt {
			return ordered[i].CreatedAt < ordered[j].CreatedAt
		}
		return ordered[i].ID < ordered[j].ID
	})
	for _, job := range ordered {
		jm.place(job)
	}
}

// Apply upserts a job image recorded in the write-ahead log. Replaying the
// same image twice leaves the same state.
func (jm *JobManager) Apply(job types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if old, exists := jm.jobs[job.ID]; exists {
		delete(jm.running, old.ID)
		jm.removeQueued(old)
	}
	c := clone(&job)
	jm.place(&c)
}

// place indexes job by status. Caller holds mu and has removed any older image.
func (jm *JobManager) place(job *types.Job) {
	jm.jobs[job.ID] = job
	switch job.Status {
	case types.StatusQueued, types.StatusRetrying:
		jm.queues[job.Domain] = append(jm.queues[job.Domain], job.ID)
	case types.StatusRunning:
		jm.running[job.ID] = job
	}
	if job.DedupeKey != "" && !job.Status.Terminal() {
		jm.dedupe[job.DedupeKey] = job.ID
	} else if job.DedupeKey != "" {
		if _, held := jm.dedupe[job.DedupeKey]; !held {
			jm.dedupe[job.DedupeKey] = job.ID
		}
	}
}

func clone(j *types.Job) types.Job {
	c := *j
	if j.Payload != nil {
		c.Payload = make(map[string]interface{}, len(j.Payload))
		for k, v := range j.Payload {
			c.Payload[k] = v
		}
	}
	if j.Deadline != nil {
		d := *j.Deadline
		c.Deadline = &d
	}
	return c
}
