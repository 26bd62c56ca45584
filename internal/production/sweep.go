package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/store"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// SweepReport lists what SweepStale did.
type SweepReport struct {
	Requeued []string `json:"requeued"`
	Flagged  []string `json:"flagged"`
}

// StaleAfter is the instant after which task counts as stale: its
// scheduled time plus the stage's expected duration times the slack factor.
func (m *Machine) StaleAfter(crop string, task types.ProductionTask) time.Time {
	expected := m.cfg.Durations.For(crop, task.Stage)
	return task.ScheduledFor.Add(time.Duration(float64(expected) * m.cfg.StaleSlack))
}

// SweepStale finds overdue open tasks. A pending task gets its production
// job enqueued again; a live job for the task is left alone. A running task
// is flagged NeedsReview for an operator, once.
func (m *Machine) SweepStale(ctx context.Context) (SweepReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report SweepReport
	now := m.now()
	batches := make(map[string]types.Batch)

	for _, status := range []types.TaskStatus{types.TaskPending, types.TaskRunning} {
		tasks, err := m.repo.ListTasks(ctx, store.TaskFilter{Status: status})
		if err != nil {
			return report, fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, task := range tasks {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			batch, ok := batches[task.BatchID]
			if !ok {
				if batch, err = m.repo.GetBatch(ctx, task.BatchID); err != nil {
					m.log.Warn("Task without batch", logger.String("task_id", task.ID), logger.Error(err))
					continue
				}
				batches[batch.ID] = batch
			}
			if !batch.Active() || !now.After(m.StaleAfter(batch.CropType, task)) {
				continue
			}

			if task.Status == types.TaskPending {
				requeued, err := m.requeue(ctx, task, now)
				if err != nil {
					return report, err
				}
				if requeued {
					report.Requeued = append(report.Requeued, task.ID)
				}
				continue
			}

			if task.NeedsReview {
				continue
			}
			task.NeedsReview = true
			if err := m.repo.SaveTask(ctx, task); err != nil {
				return report, fmt.Errorf("save task: %w", err)
			}
			report.Flagged = append(report.Flagged, task.ID)
			m.log.Warn("Running task is stale, needs review",
				logger.String("task_id", task.ID),
				logger.String("batch_id", task.BatchID),
				logger.String("stage", string(task.Stage)),
				logger.Time("scheduled_for", task.ScheduledFor))
		}
	}

	if len(report.Requeued)+len(report.Flagged) > 0 {
		m.log.Info("Stale sweep finished",
			logger.Int("requeued", len(report.Requeued)),
			logger.Int("flagged", len(report.Flagged)))
	}
	return report, nil
}

// requeue enqueues a fresh job for a pending task. false means the task's
// dedupe key is still held by a live job.
func (m *Machine) requeue(ctx context.Context, task types.ProductionTask, now time.Time) (bool, error) {
	task.JobID = types.JobID(types.NewID("job"))
	job := stageJob(task)
	job.NextRunAt = now.UnixMilli()

	if _, err := m.queue.Enqueue(job); err != nil {
		if errors.Is(err, jobmanager.ErrDuplicateJob) {
			return false, nil
		}
		m.log.Warn("Failed to requeue stale task", logger.String("task_id", task.ID), logger.Error(err))
		return false, nil
	}
	if err := m.repo.SaveTask(ctx, task); err != nil {
		return true, fmt.Errorf("save task: %w", err)
	}
	m.log.Info("Stale task requeued",
		logger.String("task_id", task.ID),
		logger.String("job_id", string(task.JobID)))
	return true, nil
}
