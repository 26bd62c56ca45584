package production

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/capacity"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/store"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

// jmQueue adapts a JobManager to the Queue interface.
type jmQueue struct {
	jm  *jobmanager.JobManager
	now func() time.Time
}

func (q *jmQueue) Enqueue(job types.Job) (types.Job, error) { return q.jm.Enqueue(job) }
func (q *jmQueue) Cancel(id types.JobID) (types.Job, error) { return q.jm.Cancel(id, q.now()) }

type fixture struct {
	m     *Machine
	mem   *store.Memory
	jm    *jobmanager.JobManager
	racks *capacity.Service
	now   *time.Time
	done  []string
}

func newFixture(t *testing.T, autoDelivery bool) *fixture {
	t.Helper()
	now := time.Date(2026, time.October, 12, 8, 0, 0, 0, time.UTC)
	f := &fixture{now: &now, mem: store.NewMemory()}
	clock := func() time.Time { return *f.now }

	f.jm = jobmanager.NewJobManager(jobmanager.DefaultConfig(), jobmanager.WithClock(clock))
	f.racks = capacity.NewService(logger.NewNop(), capacity.WithClock(clock))
	require.NoError(t, f.racks.SetCapacity("rack-a", 10))

	f.m = NewMachine(f.mem, &jmQueue{jm: f.jm, now: clock}, f.racks, f.mem, Config{
		AutoDelivery: autoDelivery,
		StaleSlack:   1.5,
	}, logger.NewNop(),
		WithClock(clock),
		WithCompletionListener(func(_ context.Context, b types.Batch) { f.done = append(f.done, b.ID) }))
	return f
}

func (f *fixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func (f *fixture) reserve(t *testing.T, amount int) string {
	t.Helper()
	res, err := f.racks.Reserve(context.Background(), "rack-a",
		types.Window{Start: *f.now, End: f.now.Add(14 * 24 * time.Hour)}, amount, "")
	require.NoError(t, err)
	return res.ID
}

func (f *fixture) job(t *testing.T, id types.JobID) types.Job {
	t.Helper()
	j, err := f.jm.Get(id)
	require.NoError(t, err)
	return j
}

// ============================================================================
// Tests
// ============================================================================

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to types.Stage
		ok       bool
	}{
		{types.StageSeed, types.StageGerminate, true},
		{types.StageGerminate, types.StageLight, true},
		{types.StagePack, types.StageCompleted, true},
		{types.StageSeed, types.StagePack, false},
		{types.StageSeed, types.StageHarvest, false},
		{types.StageHarvest, types.StageLight, false},
		{types.StageLight, types.StageLight, false},
		{types.StageCompleted, types.StageSeed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperr.IsStageTransition(err), "got %v", err)
		})
	}
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, true)
	tests := []struct {
		name string
		req  StartRequest
	}{
		{"missing crop", StartRequest{Quantity: 4, RackID: "rack-a"}},
		{"zero quantity", StartRequest{CropType: "radish", RackID: "rack-a"}},
		{"missing rack", StartRequest{CropType: "radish", Quantity: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.m.Start(context.Background(), tt.req)
			assert.True(t, apperr.IsValidation(err))
		})
	}
	batches, err := f.mem.ListBatches(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestStartSchedulesFirstTask(t *testing.T) {
	f := newFixture(t, true)
	batch, task, err := f.m.Start(context.Background(), StartRequest{CropType: "radish", Quantity: 4, RackID: "rack-a"})
	require.NoError(t, err)

	assert.Equal(t, types.StageSeed, batch.Stage)
	assert.Equal(t, *f.now, batch.EnteredStageAt)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, types.StageSeed, task.Stage)
	assert.Equal(t, *f.now, task.ScheduledFor)

	job := f.job(t, task.JobID)
	assert.Equal(t, types.DomainProduction, job.Domain)
	assert.Equal(t, JobTypeStageDue, job.Type)
	assert.Equal(t, "stage_due:"+task.ID, job.DedupeKey)
	assert.Equal(t, task.ID, job.PayloadString("task_id"))
	assert.Equal(t, "SEED", job.PayloadString("stage"))
	assert.Equal(t, f.now.UnixMilli(), job.NextRunAt)
}

func TestFullLifecycleCreatesDelivery(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	delivery := time.Date(2026, time.October, 30, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.mem.SaveOrder(ctx, types.Order{ID: "order-1", Product: "radish", Quantity: 4, DeliveryDate: delivery, Status: types.OrderConfirmed}))

	resID := f.reserve(t, 4)
	batch, task, err := f.m.Start(ctx, StartRequest{CropType: "radish", Quantity: 4, RackID: "rack-a", ReservationID: resID, OrderID: "order-1"})
	require.NoError(t, err)

	durations := types.DefaultStageDurations()
	var tr Transition
	for _, stage := range []types.Stage{types.StageSeed, types.StageGerminate, types.StageLight, types.StageHarvest} {
		f.advance(time.Hour)
		tr, err = f.m.CompleteStage(ctx, task.ID, "done "+string(stage))
		require.NoError(t, err, stage)
		next, _ := stage.Next()
		assert.Equal(t, next, tr.Batch.Stage)
		require.NotNil(t, tr.Next)
		assert.Equal(t, next, tr.Next.Stage)
		assert.Equal(t, f.now.Add(durations.For("radish", next)), tr.Next.ScheduledFor)
		assert.Equal(t, types.StatusQueued, f.job(t, tr.Next.JobID).Status)
		task = *tr.Next
	}

	tr, err = f.m.CompleteStage(ctx, task.ID, "packed")
	require.NoError(t, err)
	assert.Equal(t, types.StageCompleted, tr.Batch.Stage)
	assert.Nil(t, tr.Next)
	require.NotNil(t, tr.Delivery)
	assert.Equal(t, delivery, tr.Delivery.ScheduledFor)
	assert.Equal(t, types.DeliveryPending, tr.Delivery.Status)
	assert.Equal(t, []string{batch.ID}, f.done)

	res, err := f.racks.Get(resID)
	require.NoError(t, err)
	assert.False(t, res.Active())

	dispatch := f.jm.List(jobmanager.Filter{Domain: types.DomainDelivery})
	require.Len(t, dispatch, 1)
	assert.Equal(t, JobTypeDispatch, dispatch[0].Type)
	assert.Equal(t, tr.Delivery.ID, dispatch[0].PayloadString("delivery_job_id"))

	tasks, err := f.m.ListTasks(ctx, store.TaskFilter{BatchID: batch.ID})
	require.NoError(t, err)
	assert.Len(t, tasks, 5)

	archived, err := f.m.Archive(ctx, batch.ID)
	require.NoError(t, err)
	require.NotNil(t, archived.ArchivedAt)
	again, err := f.m.Archive(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, archived, again)
}

func TestArchiveRequiresCompletedBatch(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	batch, _, err := f.m.Start(ctx, StartRequest{BatchID: "batch-fixed", CropType: "radish", Quantity: 1, RackID: "rack-a"})
	require.NoError(t, err)
	assert.Equal(t, "batch-fixed", batch.ID)

	_, err = f.m.Archive(ctx, batch.ID)
	assert.True(t, apperr.IsStageTransition(err))

	_, _, err = f.m.Start(ctx, StartRequest{BatchID: "batch-fixed", CropType: "radish", Quantity: 1, RackID: "rack-a"})
	assert.True(t, apperr.IsValidation(err))
}

func TestAutoDeliveryDisabled(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.mem.SaveOrder(ctx, types.Order{ID: "order-1", Product: "radish", DeliveryDate: f.now.Add(240 * time.Hour)}))

	batch, task, err := f.m.Start(ctx, StartRequest{CropType: "radish", Quantity: 4, RackID: "rack-a", OrderID: "order-1"})
	require.NoError(t, err)
	for {
		tr, err := f.m.CompleteStage(ctx, task.ID, "")
		require.NoError(t, err)
		if tr.Next == nil {
			assert.Nil(t, tr.Delivery)
			break
		}
		task = *tr.Next
	}
	views, err := f.mem.ListDeliveryJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.Equal(t, []string{batch.ID}, f.done)
}

func TestCompleteStageTwice(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	batch, task, err := f.m.Start(ctx, StartRequest{CropType: "radish", Quantity: 4, RackID: "rack-a"})
	require.NoError(t, err)

	_, err = f.m.CompleteStage(ctx, task.ID, "")
	require.NoError(t, err)
	before, err := f.m.GetBatch(ctx, batch.ID)
	require.NoError(t, err)

	_, err = f.m.CompleteStage(ctx, task.ID, "again")
	var ste *apperr.StageTransitionError
	require.True(t, errors.As(err, &ste))
	assert.Equal(t, task.ID, ste.TaskID)

	after, err := f.m.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, types.StageGerminate, after.Stage)
}

// flakyRepo fails writes selected by the test.
type flakyRepo struct {
	*store.Memory
	failBatch bool
	failTask  func(types.ProductionTask) bool
}

var errDiskFull = errors.New("disk full")

func (r *flakyRepo) SaveBatch(ctx context.Context, b types.Batch) error {
	if r.failBatch {
		return errDiskFull
	}
	return r.Memory.SaveBatch(ctx, b)
}

func (r *flakyRepo) SaveTask(ctx context.Context, t types.ProductionTask) error {
	if r.failTask != nil && r.failTask(t) {
		return errDiskFull
	}
	return r.Memory.SaveTask(ctx, t)
}

func (f *fixture) useRepo(repo store.ProductionRepository) {
	clock := func() time.Time { return *f.now }
	f.m = NewMachine(repo, &jmQueue{jm: f.jm, now: clock}, f.racks, f.mem,
		Config{AutoDelivery: true, StaleSlack: 1.5}, logger.NewNop(), WithClock(clock))
}

func TestStartWriteFailureAllowsRetry(t *testing.T) {
	f := newFixture(t, true)
	repo := &flakyRepo{Memory: f.mem, failBatch: true}
	f.useRepo(repo)
	ctx := context.Background()
	req := StartRequest{BatchID: "batch-1", CropType: "radish", Quantity: 4, RackID: "rack-a"}

	_, _, err := f.m.Start(ctx, req)
	require.ErrorIs(t, err, errDiskFull)
	_, err = f.mem.GetBatch(ctx, "batch-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	pending, err := f.mem.ListTasks(ctx, store.TaskFilter{Status: types.TaskPending})
	require.NoError(t, err)
	assert.Empty(t, pending, "the task written before the batch is cancelled")
	assert.Empty(t, f.jm.List(jobmanager.Filter{}), "nothing is scheduled")

	repo.failBatch = false
	batch, task, err := f.m.Start(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "batch-1", batch.ID)
	assert.Equal(t, types.TaskPending, task.Status)
}

func TestCompleteStageWriteFailureLeavesTaskOpen(t *testing.T) {
	tests := []struct {
		name      string
		failBatch bool
		failTask  func(types.ProductionTask) bool
	}{
		{name: "batch write fails", failBatch: true},
		{name: "next task write fails", failTask: func(t types.ProductionTask) bool {
			return t.Stage == types.StageGerminate
		}},
		{name: "completed task write fails", failTask: func(t types.ProductionTask) bool {
			return t.Status == types.TaskCompleted
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			repo := &flakyRepo{Memory: f.mem}
			f.useRepo(repo)
			ctx := context.Background()
			batch, task, err := f.m.Start(ctx, StartRequest{CropType: "radish", Quantity: 4, RackID: "rack-a"})
			require.NoError(t, err)

			repo.failBatch, repo.failTask = tt.failBatch, tt.failTask
			_, err = f.m.CompleteStage(ctx, task.ID, "")
			require.ErrorIs(t, err, errDiskFull)

			got, err := f.mem.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, types.TaskPending, got.Status)
			assert.Nil(t, got.CompletedAt)
			b, err := f.mem.GetBatch(ctx, batch.ID)
			require.NoError(t, err)
			assert.Equal(t, types.StageSeed, b.Stage)
			assert.Equal(t, batch.EnteredStageAt, b.EnteredStageAt)

			repo.failBatch, repo.failTask = false, nil
			tr, err := f.m.CompleteStage(ctx, task.ID, "")
			require.NoError(t, err)
			assert.Equal(t, types.StageGerminate, tr.Batch.Stage)
			require.NotNil(t, tr.Next)
			tasks, err := f.mem.ListTasks(ctx, store.TaskFilter{BatchID: batch.ID})
			require.NoError(t, err)
			assert.Len(t, tasks, 2)
		})
	}
}

func TestCompleteStaleTaskRejected(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	batch, _, err := f.m.Start(ctx, StartRequest{CropType: "radish", Quantity: 4, RackID: "rack-a"})
	require.NoError(t, err)

	// A pending task left over for a stage the batch is not in.
	stray := types.ProductionTask{ID: "task-stray", BatchID: batch.ID, Stage: types.StageHarvest, Status: types.TaskPending}
	require.NoError(t, f.mem.SaveTask(ctx, stray))

	_, err = f.m.CompleteStage(ctx, stray.ID, "")
	assert.True(t, apperr.IsStageTransition(err))
	got, err := f.m.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageSeed, got.Stage)

	_, err = f.m.CompleteStage(ctx, "task-missing", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMarkRunning(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, task, err := f.m.Start(ctx, StartRequest{CropType: "radish", Quantity: 4, RackID: "rack-a"})
	require.NoError(t, err)

	running, err := f.m.MarkRunning(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, running.Status)
	require.NotNil(t, running.StartedAt)

	again, err := f.m.MarkRunning(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, running, again)

	tr, err := f.m.CompleteStage(ctx, task.ID, "")
	require.NoError(t, err)
	_, err = f.m.MarkRunning(ctx, task.ID)
	assert.True(t, apperr.IsStageTransition(err))
	assert.Equal(t, types.TaskPending, tr.Next.Status)
}

func TestCancelPendingBatch(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	resID := f.reserve(t, 6)
	batch, task, err := f.m.Start(ctx, StartRequest{CropType: "radish", Quantity: 6, RackID: "rack-a", ReservationID: resID})
	require.NoError(t, err)

	cancelled, err := f.m.Cancel(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.CancelRequested)
	require.NotNil(t, cancelled.CancelledAt)

	got, err := f.m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, got.Status)
	assert.Equal(t, types.StatusCancelled, f.job(t, task.JobID).Status)

	res, err := f.racks.Get(resID)
	require.NoError(t, err)
	assert.False(t, res.Active())

	_, err = f.m.MarkRunning(ctx, task.ID)
	assert.True(t, apperr.IsStageTransition(err))
	_, err = f.m.Cancel(ctx, batch.ID)
	assert.True(t, apperr.IsStageTransition(err))
}

func TestCancelRunningBatchIsCooperative(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	resID := f.reserve(t, 6)
	batch, task, err := f.m.Start(ctx, StartRequest{CropType: "radish", Quantity: 6, RackID: "rack-a", ReservationID: resID})
	require.NoError(t, err)
	_, err = f.m.MarkRunning(ctx, task.ID)
	require.NoError(t, err)

	flagged, err := f.m.Cancel(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, flagged.CancelRequested)
	assert.Nil(t, flagged.CancelledAt)
	res, err := f.racks.Get(resID)
	require.NoError(t, err)
	assert.True(t, res.Active())

	tr, err := f.m.CompleteStage(ctx, task.ID, "finished seeding")
	require.NoError(t, err)
	assert.Nil(t, tr.Next)
	assert.Equal(t, types.StageSeed, tr.Batch.Stage)
	require.NotNil(t, tr.Batch.CancelledAt)
	assert.Equal(t, types.TaskCompleted, tr.Completed.Status)

	res, err = f.racks.Get(resID)
	require.NoError(t, err)
	assert.False(t, res.Active())
	tasks, err := f.m.ListTasks(ctx, store.TaskFilter{BatchID: batch.ID})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	// Pending task whose job was lost.
	_, lost, err := f.m.Start(ctx, StartRequest{CropType: "radish", Quantity: 2, RackID: "rack-a"})
	require.NoError(t, err)
	_, err = f.jm.Cancel(lost.JobID, *f.now)
	require.NoError(t, err)

	// Pending task whose job is still queued.
	_, live, err := f.m.Start(ctx, StartRequest{CropType: "radish", Quantity: 2, RackID: "rack-a"})
	require.NoError(t, err)

	// Running task nobody finished.
	_, stuck, err := f.m.Start(ctx, StartRequest{CropType: "radish", Quantity: 2, RackID: "rack-a"})
	require.NoError(t, err)
	_, err = f.m.MarkRunning(ctx, stuck.ID)
	require.NoError(t, err)

	report, err := f.m.SweepStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Requeued)
	assert.Empty(t, report.Flagged)

	// SEED for radish is 1h; slack 1.5 makes the tasks stale after 90m.
	f.advance(91 * time.Minute)
	report, err = f.m.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{lost.ID}, report.Requeued)
	assert.Equal(t, []string{stuck.ID}, report.Flagged)

	requeued, err := f.m.GetTask(ctx, lost.ID)
	require.NoError(t, err)
	assert.NotEqual(t, lost.JobID, requeued.JobID)
	assert.Equal(t, types.StatusQueued, f.job(t, requeued.JobID).Status)

	unchanged, err := f.m.GetTask(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, live.JobID, unchanged.JobID)

	flagged, err := f.m.GetTask(ctx, stuck.ID)
	require.NoError(t, err)
	assert.True(t, flagged.NeedsReview)

	report, err = f.m.SweepStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Requeued)
	assert.Empty(t, report.Flagged)
}
