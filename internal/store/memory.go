package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// Memory is an in-process document store with one map per collection.
// Values are copied in and out so callers never share mutable records.
type Memory struct {
	mu           sync.RWMutex
	batches      map[string]types.Batch
	tasks        map[string]types.ProductionTask
	orders       map[string]types.Order
	deliveryJobs map[string]types.DeliveryJob
}

var (
	_ ProductionRepository = (*Memory)(nil)
	_ OrderBook            = (*Memory)(nil)
)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		batches:      make(map[string]types.Batch),
		tasks:        make(map[string]types.ProductionTask),
		orders:       make(map[string]types.Order),
		deliveryJobs: make(map[string]types.DeliveryJob),
	}
}

// ====================
// Batches
// ====================

func (m *Memory) SaveBatch(_ context.Context, b types.Batch) error {
	if b.ID == "" {
		return apperr.Invalid("batch.id", "is required")
	}
	m.mu.Lock()
	m.batches[b.ID] = b
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (types.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return types.Batch{}, apperr.NotFound("batch", id)
	}
	return b, nil
}

// ListBatches returns every batch ordered by creation time.
func (m *Memory) ListBatches(_ context.Context) ([]types.Batch, error) {
	m.mu.RLock()
	out := make([]types.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ====================
// Production tasks
// ====================

func (m *Memory) SaveTask(_ context.Context, t types.ProductionTask) error {
	if t.ID == "" {
		return apperr.Invalid("task.id", "is required")
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (types.ProductionTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return types.ProductionTask{}, apperr.NotFound("production task", id)
	}
	return t, nil
}

// ListTasks returns matching tasks ordered by scheduled-for time.
func (m *Memory) ListTasks(_ context.Context, f TaskFilter) ([]types.ProductionTask, error) {
	m.mu.RLock()
	var out []types.ProductionTask
	for _, t := range m.tasks {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	return out, nil
}

// ====================
// Orders
// ====================

func (m *Memory) SaveOrder(_ context.Context, o types.Order) error {
	if o.ID == "" {
		return apperr.Invalid("order.id", "is required")
	}
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return types.Order{}, apperr.NotFound("order", id)
	}
	return o, nil
}

func (m *Memory) ListOrders(_ context.Context, f OrderFilter) ([]types.Order, error) {
	m.mu.RLock()
	var out []types.Order
	for _, o := range m.orders {
		if f.Matches(o) {
			out = append(out, o)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ====================
// Delivery jobs
// ====================

func (m *Memory) SaveDeliveryJob(_ context.Context, j types.DeliveryJob) error {
	if j.ID == "" {
		return apperr.Invalid("delivery_job.id", "is required")
	}
	if j.Courier != nil {
		courier := make(map[string]string, len(j.Courier))
		for k, v := range j.Courier {
			courier[k] = v
		}
		j.Courier = courier
	}
	m.mu.Lock()
	m.deliveryJobs[j.ID] = j
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDeliveryJob(_ context.Context, id string) (types.DeliveryJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.deliveryJobs[id]
	if !ok {
		return types.DeliveryJob{}, apperr.NotFound("delivery job", id)
	}
	return j, nil
}

// ListDeliveryJobs joins delivery jobs to orders by order id. A job whose
// order is missing is still listed with a nil Order.
func (m *Memory) ListDeliveryJobs(_ context.Context) ([]types.DeliveryJobView, error) {
	m.mu.RLock()
	out := make([]types.DeliveryJobView, 0, len(m.deliveryJobs))
	for _, j := range m.deliveryJobs {
		v := types.DeliveryJobView{DeliveryJob: j}
		if o, ok := m.orders[j.OrderID]; ok {
			order := o
			v.Order = &order
		}
		out = append(out, v)
	}
	m.mu.RUnlock()
	SortDeliveryJobs(out)
	return out, nil
}

// SortDeliveryJobs orders views by scheduled-for ascending, then creation
// time descending.
func SortDeliveryJobs(views []types.DeliveryJobView) {
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if !a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.ScheduledFor.Before(b.ScheduledFor)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// ====================
// Checkpointing
// ====================

// SnapshotInto copies every collection into data.
func (m *Memory) SnapshotInto(data *types.SnapshotData) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data.Batches = make(map[string]*types.Batch, len(m.batches))
	for id, b := range m.batches {
		b := b
		data.Batches[id] = &b
	}
	data.Tasks = make(map[string]*types.ProductionTask, len(m.tasks))
	for id, t := range m.tasks {
		t := t
		data.Tasks[id] = &t
	}
	data.Orders = make(map[string]*types.Order, len(m.orders))
	for id, o := range m.orders {
		o := o
		data.Orders[id] = &o
	}
	data.DeliveryJobs = make(map[string]*types.DeliveryJob, len(m.deliveryJobs))
	for id, j := range m.deliveryJobs {
		j := j
		data.DeliveryJobs[id] = &j
	}
}

// RestoreFrom replaces every collection with the contents of data.
func (m *Memory) RestoreFrom(data *types.SnapshotData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = make(map[string]types.Batch, len(data.Batches))
	for id, b := range data.Batches {
		m.batches[id] = *b
	}
	m.tasks = make(map[string]types.ProductionTask, len(data.Tasks))
	for id, t := range data.Tasks {
		m.tasks[id] = *t
	}
	m.orders = make(map[string]types.Order, len(data.Orders))
	for id, o := range data.Orders {
		m.orders[id] = *o
	}
	m.deliveryJobs = make(map[string]types.DeliveryJob, len(data.DeliveryJobs))
	for id, j := range data.DeliveryJobs {
		m.deliveryJobs[id] = *j
	}
}
