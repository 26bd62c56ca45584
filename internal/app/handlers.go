package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/automation"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/notify"
	"github.com/ChuLiYu/greenrack/internal/production"
	"github.com/ChuLiYu/greenrack/internal/worker"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// CrewRecipient addresses notifications meant for the grow crew.
const CrewRecipient = "crew"

// registerHandlers binds a handler for every job type the process produces.
func (a *App) registerHandlers() {
	a.Registry.RegisterFunc(production.JobTypeStageDue, a.stageDue)
	a.Registry.RegisterFunc(production.JobTypeDispatch, a.dispatch)
	a.Registry.RegisterFunc(notify.JobType, notify.JobHandler(a.Notifier))

	h := automation.NewHandlers(a.Controller, a.Forecast, a.Orders, a.window, a.cfg.Automation.LowStockThreshold, a.log)
	h.Register(a.Registry)
}

// stageDue opens a task whose stage is due and tells the crew. The stage is
// completed later by the crew through the API. A task that was completed or
// cancelled in the meantime is not an error.
func (a *App) stageDue(ctx context.Context, job types.Job) error {
	taskID := job.PayloadString("task_id")
	if taskID == "" {
		return apperr.Invalid("task_id", "is required")
	}
	task, err := a.Production.MarkRunning(ctx, taskID)
	switch {
	case apperr.IsStageTransition(err):
		a.log.Debug("Stage job for closed task skipped",
			logger.String("task_id", taskID), logger.Error(err))
		return nil
	case err != nil:
		return err
	}

	return a.notify(job.ID, notify.Message{
		Topic:     production.JobTypeStageDue,
		Recipient: CrewRecipient,
		Data: map[string]string{
			"batch_id":      task.BatchID,
			"task_id":       task.ID,
			"stage":         string(task.Stage),
			"scheduled_for": task.ScheduledFor.UTC().Format(time.RFC3339),
		},
	}, "notify:stage_due:"+task.ID)
}

// dispatch hands a pending delivery job to the courier and tells the customer.
func (a *App) dispatch(ctx context.Context, job types.Job) error {
	id := job.PayloadString("delivery_job_id")
	if id == "" {
		return apperr.Invalid("delivery_job_id", "is required")
	}
	dj, err := a.Orders.GetDeliveryJob(ctx, id)
	if err != nil {
		return err
	}
	if dj.Status != types.DeliveryPending {
		return nil
	}
	order, err := a.Orders.GetOrder(ctx, dj.OrderID)
	if err != nil {
		return fmt.Errorf("order of delivery job %s: %w", id, err)
	}

	dj.Status = types.DeliveryDispatched
	dj.UpdatedAt = time.Now()
	if err := a.Orders.SaveDeliveryJob(ctx, dj); err != nil {
		return fmt.Errorf("save delivery job: %w", err)
	}
	a.log.Info("Delivery dispatched",
		logger.String("delivery_job_id", id),
		logger.String("order_id", order.ID))

	return a.notify(job.ID, notify.Message{
		Topic:     "delivery_dispatched",
		Recipient: order.Customer,
		Data: map[string]string{
			"delivery_job_id": dj.ID,
			"order_id":        order.ID,
			"product":         order.Product,
			"quantity":        strconv.Itoa(order.Quantity),
			"scheduled_for":   dj.ScheduledFor.UTC().Format(time.RFC3339),
		},
	}, "notify:dispatch:"+dj.ID)
}

// batchCompleted fires the batch_completed trigger for a batch that left PACK.
func (a *App) batchCompleted(ctx context.Context, b types.Batch) {
	_, err := a.Automation.Fire(ctx, automation.Trigger{
		Type: automation.TriggerBatchCompleted,
		Payload: map[string]interface{}{
			"batch_id":  b.ID,
			"crop_type": b.CropType,
			"quantity":  strconv.Itoa(b.Quantity),
			"order_id":  b.OrderID,
		},
	})
	if err != nil {
		a.log.Warn("Failed to fire batch_completed",
			logger.String("batch_id", b.ID), logger.Error(err))
	}
}

func (a *App) notify(source types.JobID, msg notify.Message, key string) error {
	msg.OccurredAt = time.Now().UTC()
	job, err := notify.NewJob(msg, key)
	if err != nil {
		return err
	}
	if _, err := a.Controller.Enqueue(job); err != nil && !errors.Is(err, jobmanager.ErrDuplicateJob) {
		return fmt.Errorf("enqueue notification for %s: %w", source, err)
	}
	return nil
}

// WorkerRegistry is the handler set of a remote worker process. Only
// notification jobs carry everything they need in their payload, so they are
// the ones a worker without access to the master's state can run.
func WorkerRegistry(n notify.Notifier) *worker.Registry {
	reg := worker.NewRegistry()
	reg.RegisterFunc(notify.JobType, notify.JobHandler(n))
	return reg
}
