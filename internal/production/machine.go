// ============================================================================
// greenrack Production Stage Machine
// ============================================================================
//
// Package: internal/production
// File: machine.go
// Purpose: Moves batches through the growth stages one step at a time and
// schedules a production job for every stage task.
//
// Stage order:
//
//	SEED -> GERMINATE -> LIGHT -> HARVEST -> PACK -> COMPLETED
//
// Task lifecycle:
//
//	pending ──MarkRunning──> running ──CompleteStage──> completed
//	   │                                                   │
//	   └──Cancel──> cancelled            next task created, job enqueued
//
// Ordering:
//   The next stage's job is enqueued only after the completed task, the
//   advanced batch and the new task are saved. All transitions run under one
//   mutex, so two completions of the same task cannot both succeed. The
//   repository has no transactions: when a later write fails, the images
//   read at the start are written back so the task can be completed again.
//
// ============================================================================

package production

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/metrics"
	"github.com/ChuLiYu/greenrack/internal/store"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// JobTypeStageDue is the production job scheduled for every stage task.
const JobTypeStageDue = "stage_due"

// JobTypeDispatch is the delivery job enqueued for a new delivery.
const JobTypeDispatch = "dispatch"

// Queue is the part of the job queue the machine uses.
type Queue interface {
	Enqueue(job types.Job) (types.Job, error)
	Cancel(id types.JobID) (types.Job, error)
}

// Reservations releases rack capacity held by a batch.
type Reservations interface {
	Release(ctx context.Context, reservationID string) error
}

// Deliveries creates delivery jobs for finished batches.
type Deliveries interface {
	GetOrder(ctx context.Context, id string) (types.Order, error)
	SaveDeliveryJob(ctx context.Context, j types.DeliveryJob) error
}

// Config tunes the machine.
type Config struct {
	// AutoDelivery creates a delivery job when a batch linked to an order completes.
	AutoDelivery bool
	// StaleSlack multiplies a stage's expected duration; tasks overdue by
	// more than that are stale. Values below 1 are treated as 1.
	StaleSlack float64
	Durations  types.StageDurations
}

// StartRequest describes a new batch.
type StartRequest struct {
	// BatchID is generated when empty.
	BatchID       string `json:"batch_id,omitempty"`
	CropType      string `json:"crop_type"`
	Quantity      int    `json:"quantity"`
	RackID        string `json:"rack_id"`
	ReservationID string `json:"reservation_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
}

// Transition is the outcome of CompleteStage.
type Transition struct {
	Batch     types.Batch           `json:"batch"`
	Completed types.ProductionTask  `json:"completed"`
	Next      *types.ProductionTask `json:"next,omitempty"`
	Delivery  *types.DeliveryJob    `json:"delivery,omitempty"`
}

// CompletionListener is told about every batch that reaches COMPLETED.
type CompletionListener func(ctx context.Context, b types.Batch)

// Machine is the production stage machine.
type Machine struct {
	mu sync.Mutex

	repo         store.ProductionRepository
	queue        Queue
	reservations Reservations
	deliveries   Deliveries
	cfg          Config

	listeners []CompletionListener
	log       logger.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithMetrics records stage completions on m.
func WithMetrics(m *metrics.Collector) Option { return func(p *Machine) { p.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Machine) { p.now = now } }

// WithCompletionListener adds l to the batch completion hook.
func WithCompletionListener(l CompletionListener) Option {
	return func(p *Machine) { p.listeners = append(p.listeners, l) }
}

// NewMachine creates a Machine. reservations and deliveries may be nil.
func NewMachine(repo store.ProductionRepository, queue Queue, reservations Reservations, deliveries Deliveries, cfg Config, log logger.Logger, opts ...Option) *Machine {
	if cfg.Durations == nil {
		cfg.Durations = types.DefaultStageDurations()
	}
	if cfg.StaleSlack < 1 {
		cfg.StaleSlack = 1
	}
	m := &Machine{
		repo:         repo,
		queue:        queue,
		reservations: reservations,
		deliveries:   deliveries,
		cfg:          cfg,
		log:          log.With(logger.String("component", "production")),
		now:          time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ============================================================================
// Transitions
// ============================================================================

// ValidateTransition accepts only the immediate successor of from.
func ValidateTransition(from, to types.Stage) error {
	next, ok := from.Next()
	if !ok {
		return &apperr.StageTransitionError{From: string(from), To: string(to), Reason: "stage has no successor"}
	}
	if to != next {
		return &apperr.StageTransitionError{From: string(from), To: string(to), Reason: fmt.Sprintf("only %s may follow %s", next, from)}
	}
	return nil
}

// Start creates a batch in SEED with its first task due now and enqueues
// the task's production job.
func (m *Machine) Start(ctx context.Context, req StartRequest) (types.Batch, types.ProductionTask, error) {
	switch {
	case req.CropType == "":
		return types.Batch{}, types.ProductionTask{}, apperr.Invalid("crop_type", "is required")
	case req.Quantity <= 0:
		return types.Batch{}, types.ProductionTask{}, apperr.Invalid("quantity", "must be positive")
	case req.RackID == "":
		return types.Batch{}, types.ProductionTask{}, apperr.Invalid("rack_id", "is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.BatchID == "" {
		req.BatchID = types.NewID("batch")
	} else if _, err := m.repo.GetBatch(ctx, req.BatchID); err == nil {
		return types.Batch{}, types.ProductionTask{}, apperr.Invalid("batch_id", "batch %s already exists", req.BatchID)
	}

	now := m.now()
	batch := types.Batch{
		ID:             req.BatchID,
		CropType:       req.CropType,
		Quantity:       req.Quantity,
		Stage:          types.StageSeed,
		EnteredStageAt: now,
		RackID:         req.RackID,
		ReservationID:  req.ReservationID,
		OrderID:        req.OrderID,
		CreatedAt:      now,
	}
	task := m.newTask(batch.ID, types.StageSeed, now, now)

	// task before batch: a failed start must leave no batch under this id
	if err := m.repo.SaveTask(ctx, task); err != nil {
		return types.Batch{}, types.ProductionTask{}, fmt.Errorf("save task: %w", err)
	}
	if err := m.repo.SaveBatch(ctx, batch); err != nil {
		orphan := task
		orphan.Status = types.TaskCancelled
		m.rollback(ctx, orphan, nil)
		return types.Batch{}, types.ProductionTask{}, fmt.Errorf("save batch: %w", err)
	}
	m.schedule(task)

	m.log.Info("Batch started",
		logger.String("batch_id", batch.ID),
		logger.String("crop", batch.CropType),
		logger.Int("quantity", batch.Quantity),
		logger.String("rack_id", batch.RackID))
	return batch, task, nil
}

// rollback writes back images saved by a transition that failed part way.
func (m *Machine) rollback(ctx context.Context, task types.ProductionTask, batch *types.Batch) {
	if batch != nil {
		if err := m.repo.SaveBatch(ctx, *batch); err != nil {
			m.log.Error("Failed to restore batch", logger.String("batch_id", batch.ID), logger.Error(err))
		}
	}
	if err := m.repo.SaveTask(ctx, task); err != nil {
		m.log.Error("Failed to restore task", logger.String("task_id", task.ID), logger.Error(err))
	}
}

// MarkRunning records that a worker picked up a pending task. Marking a
// running task again is a no-op.
func (m *Machine) MarkRunning(ctx context.Context, taskID string) (types.ProductionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, batch, err := m.load(ctx, taskID)
	if err != nil {
		return types.ProductionTask{}, err
	}
	if task.Status == types.TaskRunning {
		return task, nil
	}
	if err := m.checkOpen(task, batch); err != nil {
		return types.ProductionTask{}, err
	}

	now := m.now()
	task.Status = types.TaskRunning
	task.StartedAt = &now
	if err := m.repo.SaveTask(ctx, task); err != nil {
		return types.ProductionTask{}, fmt.Errorf("save task: %w", err)
	}
	return task, nil
}

// CompleteStage completes taskID and advances its batch by exactly one stage.
// Completing a task twice, a task of a finished or cancelled batch, or a
// task whose stage is no longer the batch's stage fails with
// StageTransitionError and changes nothing.
func (m *Machine) CompleteStage(ctx context.Context, taskID, notes string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, batch, err := m.load(ctx, taskID)
	if err != nil {
		return Transition{}, err
	}
	if err := m.checkOpen(task, batch); err != nil {
		return Transition{}, err
	}
	next, _ := batch.Stage.Next()
	if err := ValidateTransition(batch.Stage, next); err != nil {
		return Transition{}, err
	}

	prevTask, prevBatch := task, batch
	now := m.now()
	task.Status = types.TaskCompleted
	task.CompletedAt = &now
	task.NeedsReview = false
	if notes != "" {
		task.Notes = notes
	}
	if task.StartedAt == nil {
		task.StartedAt = &now
	}

	completedStage := batch.Stage
	out := Transition{Completed: task}

	switch {
	case batch.CancelRequested && !next.Terminal():
		batch.CancelledAt = &now
	default:
		batch.Stage = next
		batch.EnteredStageAt = now
	}

	if err := m.repo.SaveTask(ctx, task); err != nil {
		return Transition{}, fmt.Errorf("save task: %w", err)
	}
	if err := m.repo.SaveBatch(ctx, batch); err != nil {
		m.rollback(ctx, prevTask, nil)
		return Transition{}, fmt.Errorf("save batch: %w", err)
	}

	switch {
	case batch.CancelledAt != nil:
		m.releaseReservation(ctx, batch)
		m.log.Info("Batch stopped after cancel request",
			logger.String("batch_id", batch.ID),
			logger.String("stage", string(completedStage)))

	case batch.Stage.Terminal():
		out.Delivery = m.onCompleted(ctx, batch)

	default:
		nextTask := m.newTask(batch.ID, batch.Stage, now, now.Add(m.cfg.Durations.For(batch.CropType, batch.Stage)))
		if err := m.repo.SaveTask(ctx, nextTask); err != nil {
			m.rollback(ctx, prevTask, &prevBatch)
			return Transition{}, fmt.Errorf("save next task: %w", err)
		}
		m.schedule(nextTask)
		out.Next = &nextTask
		m.log.Info("Stage completed",
			logger.String("batch_id", batch.ID),
			logger.String("from", string(completedStage)),
			logger.String("to", string(batch.Stage)),
			logger.Time("next_due", nextTask.ScheduledFor))
	}

	m.metrics.RecordStageCompleted(string(completedStage))
	out.Batch = batch
	return out, nil
}

// Cancel stops a batch. A pending task is cancelled together with its
// queued job and the batch is cancelled at once. A running task is left to
// finish; CompleteStage then stops the batch instead of advancing it, unless
// the running stage was PACK.
func (m *Machine) Cancel(ctx context.Context, batchID string) (types.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, err := m.repo.GetBatch(ctx, batchID)
	if err != nil {
		return types.Batch{}, err
	}
	if !batch.Active() {
		return types.Batch{}, &apperr.StageTransitionError{BatchID: batchID, From: string(batch.Stage), Reason: "batch is no longer in production"}
	}
	if batch.CancelRequested {
		return batch, nil
	}

	tasks, err := m.repo.ListTasks(ctx, store.TaskFilter{BatchID: batchID})
	if err != nil {
		return types.Batch{}, fmt.Errorf("list tasks: %w", err)
	}

	now := m.now()
	batch.CancelRequested = true
	running := false
	for _, t := range tasks {
		switch t.Status {
		case types.TaskRunning:
			running = true
		case types.TaskPending:
			t.Status = types.TaskCancelled
			if err := m.repo.SaveTask(ctx, t); err != nil {
				return types.Batch{}, fmt.Errorf("save task: %w", err)
			}
			m.cancelJob(t)
		}
	}
	if !running {
		batch.CancelledAt = &now
	}
	if err := m.repo.SaveBatch(ctx, batch); err != nil {
		return types.Batch{}, fmt.Errorf("save batch: %w", err)
	}
	if batch.CancelledAt != nil {
		m.releaseReservation(ctx, batch)
	}

	m.log.Info("Batch cancel requested",
		logger.String("batch_id", batchID),
		logger.Bool("immediate", !running))
	return batch, nil
}

// Archive marks a COMPLETED batch as delivered and out of the forecast.
// Archiving twice is a no-op.
func (m *Machine) Archive(ctx context.Context, batchID string) (types.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, err := m.repo.GetBatch(ctx, batchID)
	if err != nil {
		return types.Batch{}, err
	}
	if batch.ArchivedAt != nil {
		return batch, nil
	}
	if !batch.Stage.Terminal() {
		return types.Batch{}, &apperr.StageTransitionError{BatchID: batchID, From: string(batch.Stage), Reason: "only COMPLETED batches can be archived"}
	}
	now := m.now()
	batch.ArchivedAt = &now
	if err := m.repo.SaveBatch(ctx, batch); err != nil {
		return types.Batch{}, fmt.Errorf("save batch: %w", err)
	}
	return batch, nil
}

// ============================================================================
// Queries
// ============================================================================

// GetBatch returns one batch.
func (m *Machine) GetBatch(ctx context.Context, id string) (types.Batch, error) {
	return m.repo.GetBatch(ctx, id)
}

// GetTask returns one task.
func (m *Machine) GetTask(ctx context.Context, id string) (types.ProductionTask, error) {
	return m.repo.GetTask(ctx, id)
}

// ListTasks returns the tasks matching f.
func (m *Machine) ListTasks(ctx context.Context, f store.TaskFilter) ([]types.ProductionTask, error) {
	return m.repo.ListTasks(ctx, f)
}

// ExpectedDuration is the expected duration of stage for crop.
func (m *Machine) ExpectedDuration(crop string, stage types.Stage) time.Duration {
	return m.cfg.Durations.For(crop, stage)
}

// ============================================================================
// Internal
// ============================================================================

func (m *Machine) newTask(batchID string, stage types.Stage, now, due time.Time) types.ProductionTask {
	return types.ProductionTask{
		ID:           types.NewID("task"),
		BatchID:      batchID,
		Stage:        stage,
		Status:       types.TaskPending,
		ScheduledFor: due,
		JobID:        types.JobID(types.NewID("job")),
		CreatedAt:    now,
	}
}

func (m *Machine) load(ctx context.Context, taskID string) (types.ProductionTask, types.Batch, error) {
	if taskID == "" {
		return types.ProductionTask{}, types.Batch{}, apperr.Invalid("task_id", "is required")
	}
	task, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return types.ProductionTask{}, types.Batch{}, err
	}
	batch, err := m.repo.GetBatch(ctx, task.BatchID)
	if err != nil {
		return types.ProductionTask{}, types.Batch{}, err
	}
	return task, batch, nil
}

// checkOpen rejects work on a task that is already closed or stale.
func (m *Machine) checkOpen(task types.ProductionTask, batch types.Batch) error {
	reject := func(reason string) error {
		return &apperr.StageTransitionError{BatchID: batch.ID, TaskID: task.ID, From: string(batch.Stage), Reason: reason}
	}
	switch {
	case !task.Status.Active():
		return reject(fmt.Sprintf("task is %s", task.Status))
	case batch.Stage.Terminal():
		return reject("batch is already COMPLETED")
	case batch.CancelledAt != nil:
		return reject("batch is cancelled")
	case task.Stage != batch.Stage:
		return reject(fmt.Sprintf("task is for %s but batch is in %s", task.Stage, batch.Stage))
	}
	return nil
}

func stageJob(task types.ProductionTask) types.Job {
	return types.Job{
		ID:     task.JobID,
		Domain: types.DomainProduction,
		Type:   JobTypeStageDue,
		Payload: map[string]interface{}{
			"task_id":  task.ID,
			"batch_id": task.BatchID,
			"stage":    string(task.Stage),
		},
		DedupeKey: "stage_due:" + task.ID,
		NextRunAt: task.ScheduledFor.UnixMilli(),
	}
}

// schedule enqueues the task's job. A failure leaves the task pending for
// SweepStale to pick up.
func (m *Machine) schedule(task types.ProductionTask) {
	if _, err := m.queue.Enqueue(stageJob(task)); err != nil {
		m.log.Warn("Failed to enqueue stage job",
			logger.String("task_id", task.ID),
			logger.String("job_id", string(task.JobID)),
			logger.Error(err))
	}
}

func (m *Machine) cancelJob(task types.ProductionTask) {
	if task.JobID == "" {
		return
	}
	_, err := m.queue.Cancel(task.JobID)
	switch {
	case err == nil, errors.Is(err, jobmanager.ErrJobNotFound):
	case errors.Is(err, jobmanager.ErrJobRunning):
		// The worker's MarkRunning will see the cancelled task and stop.
		m.log.Debug("Stage job already claimed", logger.String("job_id", string(task.JobID)))
	default:
		m.log.Warn("Failed to cancel stage job", logger.String("job_id", string(task.JobID)), logger.Error(err))
	}
}

func (m *Machine) releaseReservation(ctx context.Context, b types.Batch) {
	if m.reservations == nil || b.ReservationID == "" {
		return
	}
	if err := m.reservations.Release(ctx, b.ReservationID); err != nil {
		m.log.Warn("Failed to release reservation",
			logger.String("batch_id", b.ID),
			logger.String("reservation_id", b.ReservationID),
			logger.Error(err))
	}
}

// onCompleted is the batch completion hook.
func (m *Machine) onCompleted(ctx context.Context, b types.Batch) *types.DeliveryJob {
	m.releaseReservation(ctx, b)
	m.log.Info("Batch completed", logger.String("batch_id", b.ID), logger.String("crop", b.CropType))

	var created *types.DeliveryJob
	if m.cfg.AutoDelivery && b.OrderID != "" && m.deliveries != nil {
		dj, err := m.createDelivery(ctx, b)
		if err != nil {
			m.log.Warn("Failed to create delivery job",
				logger.String("batch_id", b.ID),
				logger.String("order_id", b.OrderID),
				logger.Error(err))
		} else {
			created = &dj
		}
	}
	for _, l := range m.listeners {
		l(ctx, b)
	}
	return created
}

func (m *Machine) createDelivery(ctx context.Context, b types.Batch) (types.DeliveryJob, error) {
	order, err := m.deliveries.GetOrder(ctx, b.OrderID)
	if err != nil {
		return types.DeliveryJob{}, err
	}
	now := m.now()
	dj := types.DeliveryJob{
		ID:           types.NewID("delivery"),
		OrderID:      order.ID,
		BatchID:      b.ID,
		ScheduledFor: order.DeliveryDate,
		Status:       types.DeliveryPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.deliveries.SaveDeliveryJob(ctx, dj); err != nil {
		return types.DeliveryJob{}, err
	}

	job := types.Job{
		ID:        types.JobID(types.NewID("job")),
		Domain:    types.DomainDelivery,
		Type:      JobTypeDispatch,
		Payload:   map[string]interface{}{"delivery_job_id": dj.ID, "order_id": order.ID},
		DedupeKey: "dispatch:" + dj.ID,
	}
	if _, err := m.queue.Enqueue(job); err != nil {
		m.log.Warn("Failed to enqueue dispatch job", logger.String("delivery_job_id", dj.ID), logger.Error(err))
	}
	return dj, nil
}
