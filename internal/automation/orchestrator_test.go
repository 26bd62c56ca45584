package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

type failingQueue struct{ err error }

func (q failingQueue) Enqueue(types.Job) (types.Job, error) { return types.Job{}, q.err }

func newTestOrchestrator() (*Orchestrator, *jobmanager.JobManager, *MemoryDedupe) {
	jm := jobmanager.NewJobManager(jobmanager.DefaultConfig())
	dd := NewMemoryDedupe(nil)
	return NewOrchestrator(jm, dd, time.Hour, logger.NewNop()), jm, dd
}

func TestDedupeKey(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		want    string
	}{
		{
			name:    "subscription identity",
			trigger: Trigger{Type: TriggerSubscriptionCycle, Payload: map[string]interface{}{"subscription_id": "sub-1", "cycle_date": "2026-10-16", "note": "x"}},
			want:    "subscription_cycle:sub-1:2026-10-16",
		},
		{
			name:    "inventory date",
			trigger: Trigger{Type: TriggerInventoryCheck, Payload: map[string]interface{}{"date": "2026-10-16"}},
			want:    "inventory_check:2026-10-16",
		},
		{
			name:    "batch id",
			trigger: Trigger{Type: TriggerBatchCompleted, Payload: map[string]interface{}{"batch_id": "batch-7"}},
			want:    "batch_completed:batch-7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DedupeKey(tt.trigger)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDedupeKeyFallsBackToPayloadHash(t *testing.T) {
	a, err := DedupeKey(Trigger{Type: TriggerSubscriptionCycle, Payload: map[string]interface{}{"subscription_id": "sub-1", "plan": "weekly"}})
	require.NoError(t, err)
	b, err := DedupeKey(Trigger{Type: TriggerSubscriptionCycle, Payload: map[string]interface{}{"plan": "weekly", "subscription_id": "sub-1"}})
	require.NoError(t, err)
	c, err := DedupeKey(Trigger{Type: TriggerSubscriptionCycle, Payload: map[string]interface{}{"subscription_id": "sub-2", "plan": "weekly"}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "subscription_cycle:sha256:")
}

func TestFireDeduplicates(t *testing.T) {
	o, jm, _ := newTestOrchestrator()
	ctx := context.Background()
	trigger := Trigger{Type: TriggerSubscriptionCycle, Payload: map[string]interface{}{"subscription_id": "sub-1", "cycle_date": "2026-10-16"}}

	first, err := o.Fire(ctx, trigger)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	require.NotEmpty(t, first.JobID)

	second, err := o.Fire(ctx, trigger)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.JobID)

	jobs := jm.List(jobmanager.Filter{Domain: types.DomainAutomation})
	require.Len(t, jobs, 1)
	assert.Equal(t, TriggerSubscriptionCycle, jobs[0].Type)
	assert.Equal(t, "subscription_cycle:sub-1:2026-10-16", jobs[0].DedupeKey)
	assert.Equal(t, "sub-1", jobs[0].PayloadString("subscription_id"))
}

func TestConcurrentFireEnqueuesOnce(t *testing.T) {
	o, jm, _ := newTestOrchestrator()
	trigger := Trigger{Type: TriggerInventoryCheck, Payload: map[string]interface{}{"date": "2026-10-16"}}

	var wg sync.WaitGroup
	var mu sync.Mutex
	enqueued := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Fire(context.Background(), trigger)
			assert.NoError(t, err)
			if !res.Duplicate {
				mu.Lock()
				enqueued++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, enqueued)
	assert.Len(t, jm.List(jobmanager.Filter{Domain: types.DomainAutomation}), 1)
}

func TestFireUnknownTypeIgnored(t *testing.T) {
	o, jm, dd := newTestOrchestrator()
	res, err := o.Fire(context.Background(), Trigger{Type: "harvest_party", Payload: map[string]interface{}{"x": 1}})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Empty(t, jm.List(jobmanager.Filter{}))
	assert.Equal(t, 0, dd.Len())

	_, err = o.Fire(context.Background(), Trigger{})
	assert.True(t, apperr.IsValidation(err))
}

func TestFireEnqueueFailureForgetsKey(t *testing.T) {
	dd := NewMemoryDedupe(nil)
	boom := errors.New("queue stopped")
	o := NewOrchestrator(failingQueue{err: boom}, dd, time.Hour, logger.NewNop())
	trigger := Trigger{Type: TriggerBatchCompleted, Payload: map[string]interface{}{"batch_id": "b1"}}

	_, err := o.Fire(context.Background(), trigger)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, dd.Len())

	// A retried webhook succeeds once the queue is back.
	jm := jobmanager.NewJobManager(jobmanager.DefaultConfig())
	o.queue = jm
	res, err := o.Fire(context.Background(), trigger)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestFireQueueDedupeCountsAsDuplicate(t *testing.T) {
	jm := jobmanager.NewJobManager(jobmanager.DefaultConfig())
	trigger := Trigger{Type: TriggerBatchCompleted, Payload: map[string]interface{}{"batch_id": "b1"}}

	// Two processes with separate memory stores share one queue.
	a := NewOrchestrator(jm, NewMemoryDedupe(nil), time.Hour, logger.NewNop())
	b := NewOrchestrator(jm, NewMemoryDedupe(nil), time.Hour, logger.NewNop())

	_, err := a.Fire(context.Background(), trigger)
	require.NoError(t, err)
	res, err := b.Fire(context.Background(), trigger)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestKnownTypes(t *testing.T) {
	assert.Equal(t, []string{"batch_completed", "delivery_reminder", "inventory_check", "subscription_cycle"}, KnownTypes())
}
