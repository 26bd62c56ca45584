// Package store holds the persisted collections: batches, production tasks,
// orders and delivery jobs. Jobs and reservations are owned by the queue and
// the capacity service and are checkpointed by them.
package store

import (
	"context"
	"time"

	"github.com/ChuLiYu/greenrack/pkg/types"
)

// TaskFilter selects production tasks. Zero fields match everything.
type TaskFilter struct {
	Status  types.TaskStatus
	BatchID string
}

// OrderFilter selects orders. A zero DeliveryDate matches every date.
type OrderFilter struct {
	Status       types.OrderStatus
	Product      string
	DeliveryDate time.Time
}

// ProductionRepository persists batches and their tasks.
type ProductionRepository interface {
	SaveBatch(ctx context.Context, b types.Batch) error
	GetBatch(ctx context.Context, id string) (types.Batch, error)
	ListBatches(ctx context.Context) ([]types.Batch, error)

	SaveTask(ctx context.Context, t types.ProductionTask) error
	GetTask(ctx context.Context, id string) (types.ProductionTask, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]types.ProductionTask, error)
}

// OrderBook persists orders and the delivery jobs that fulfil them.
type OrderBook interface {
	SaveOrder(ctx context.Context, o types.Order) error
	GetOrder(ctx context.Context, id string) (types.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]types.Order, error)

	SaveDeliveryJob(ctx context.Context, j types.DeliveryJob) error
	GetDeliveryJob(ctx context.Context, id string) (types.DeliveryJob, error)
	// ListDeliveryJobs joins each delivery job with its order, sorted by
	// scheduled-for ascending then creation time descending.
	ListDeliveryJobs(ctx context.Context) ([]types.DeliveryJobView, error)
}

// Matches reports whether o passes the filter.
func (f OrderFilter) Matches(o types.Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Product != "" && o.Product != f.Product {
		return false
	}
	if !f.DeliveryDate.IsZero() && !o.DeliveryDate.Equal(f.DeliveryDate) {
		return false
	}
	return true
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t types.ProductionTask) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.BatchID != "" && t.BatchID != f.BatchID {
		return false
	}
	return true
}
