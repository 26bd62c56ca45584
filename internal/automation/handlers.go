package automation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/delivery"
	"github.com/ChuLiYu/greenrack/internal/forecast"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/notify"
	"github.com/ChuLiYu/greenrack/internal/worker"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// Forecaster projects inventory for a delivery date.
type Forecaster interface {
	Forecast(ctx context.Context, date time.Time) ([]forecast.ProductForecast, error)
}

// DeliveryLookup reads delivery jobs and their orders.
type DeliveryLookup interface {
	GetDeliveryJob(ctx context.Context, id string) (types.DeliveryJob, error)
	GetOrder(ctx context.Context, id string) (types.Order, error)
}

// Handlers executes automation jobs. Each handler ends by enqueueing
// notification jobs, so a failing notifier never fails the automation step.
type Handlers struct {
	queue      Queue
	forecaster Forecaster
	deliveries DeliveryLookup
	window     delivery.Window
	lowStock   int
	log        logger.Logger
	now        func() time.Time
}

// NewHandlers creates the automation handlers. Products whose available
// quantity is at or below lowStock are reported by inventory_check.
func NewHandlers(queue Queue, f Forecaster, d DeliveryLookup, w delivery.Window, lowStock int, log logger.Logger) *Handlers {
	return &Handlers{
		queue:      queue,
		forecaster: f,
		deliveries: d,
		window:     w,
		lowStock:   lowStock,
		log:        log.With(logger.String("component", "automation")),
		now:        time.Now,
	}
}

// Register binds every automation job type on reg.
func (h *Handlers) Register(reg *worker.Registry) {
	reg.RegisterFunc(TriggerSubscriptionCycle, h.subscriptionCycle)
	reg.RegisterFunc(TriggerInventoryCheck, h.inventoryCheck)
	reg.RegisterFunc(TriggerDeliveryReminder, h.deliveryReminder)
	reg.RegisterFunc(TriggerBatchCompleted, h.batchCompleted)
}

func (h *Handlers) subscriptionCycle(ctx context.Context, job types.Job) error {
	sub := job.PayloadString("subscription_id")
	if sub == "" {
		return apperr.Invalid("subscription_id", "is required")
	}
	return h.send(job, notify.Message{
		Topic: TriggerSubscriptionCycle,
		Data: map[string]string{
			"subscription_id": sub,
			"cycle_date":      job.PayloadString("cycle_date"),
		},
	}, "")
}

func (h *Handlers) inventoryCheck(ctx context.Context, job types.Job) error {
	date := delivery.NextDeliveryDate(h.now(), h.window)
	if raw := job.PayloadString("date"); raw != "" {
		d, err := time.ParseInLocation("2006-01-02", raw, h.window.Location)
		if err != nil {
			return apperr.Invalid("date", "expected YYYY-MM-DD: %v", err)
		}
		date = delivery.Normalize(d, h.window)
	}

	rows, err := h.forecaster.Forecast(ctx, date)
	if err != nil {
		return fmt.Errorf("forecast %s: %w", date.Format("2006-01-02"), err)
	}
	low := 0
	for _, row := range rows {
		if row.Available > h.lowStock {
			continue
		}
		low++
		day := date.Format("2006-01-02")
		err := h.send(job, notify.Message{
			Topic: "low_stock",
			Data: map[string]string{
				"product":       row.Product,
				"delivery_date": day,
				"available":     strconv.Itoa(row.Available),
				"committed":     strconv.Itoa(row.Committed),
			},
		}, "low_stock:"+row.Product+":"+day)
		if err != nil {
			return err
		}
	}
	h.log.Info("Inventory checked",
		logger.Time("delivery_date", date),
		logger.Int("products", len(rows)),
		logger.Int("low", low))
	return nil
}

func (h *Handlers) deliveryReminder(ctx context.Context, job types.Job) error {
	id := job.PayloadString("delivery_job_id")
	if id == "" {
		return apperr.Invalid("delivery_job_id", "is required")
	}
	dj, err := h.deliveries.GetDeliveryJob(ctx, id)
	if err != nil {
		return err
	}
	msg := notify.Message{
		Topic: TriggerDeliveryReminder,
		Data: map[string]string{
			"delivery_job_id": dj.ID,
			"scheduled_for":   dj.ScheduledFor.Format(time.RFC3339),
		},
	}
	if order, err := h.deliveries.GetOrder(ctx, dj.OrderID); err == nil {
		msg.Recipient = order.Customer
		msg.Data["product"] = order.Product
		msg.Data["quantity"] = strconv.Itoa(order.Quantity)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return h.send(job, msg, "")
}

func (h *Handlers) batchCompleted(ctx context.Context, job types.Job) error {
	batch := job.PayloadString("batch_id")
	if batch == "" {
		return apperr.Invalid("batch_id", "is required")
	}
	data := map[string]string{"batch_id": batch}
	for _, k := range []string{"crop_type", "order_id"} {
		if v := job.PayloadString(k); v != "" {
			data[k] = v
		}
	}
	return h.send(job, notify.Message{Topic: TriggerBatchCompleted, Data: data}, "")
}

// send enqueues msg as a notification job. The dedupe key defaults to one
// derived from the automation job, so a re-run job does not notify twice
// while the first notification is still pending.
func (h *Handlers) send(job types.Job, msg notify.Message, key string) error {
	if key == "" {
		key = "notify:" + string(job.ID)
		if job.DedupeKey != "" {
			key = "notify:" + job.DedupeKey
		}
	}
	msg.OccurredAt = h.now().UTC()
	n, err := notify.NewJob(msg, key)
	if err != nil {
		return err
	}
	if _, err := h.queue.Enqueue(n); err != nil && !errors.Is(err, jobmanager.ErrDuplicateJob) {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}
