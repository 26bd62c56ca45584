package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	queuev1 "github.com/ChuLiYu/greenrack/api/queue/v1"
	"github.com/ChuLiYu/greenrack/internal/controller"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/worker"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

type harness struct {
	ctrl   *controller.Controller
	srv    *Server
	conn   *grpc.ClientConn
	client *queuev1.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	ctrl, err := controller.NewController(controller.Config{
		NodeID: "master",
		Queue: jobmanager.Config{
			MaxAttempts:       2,
			BaseBackoff:       time.Millisecond,
			MaxBackoff:        time.Millisecond,
			VisibilityTimeout: time.Minute,
		},
		SnapshotInterval: time.Hour,
		WALPath:          filepath.Join(dir, "queue.wal"),
		SnapshotPath:     filepath.Join(dir, "snapshot.json"),
	}, worker.NewRegistry(), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	srv := NewServer(ctrl, logger.NewNop(), time.Minute)
	gs := NewGRPCServer(srv)
	lis := bufconn.Listen(1 << 20)
	go gs.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
		ctrl.Stop()
	})
	return &harness{ctrl: ctrl, srv: srv, conn: conn, client: queuev1.NewClient(conn)}
}

func TestSubmitPollAcknowledge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	submitted, err := h.client.Submit(ctx, &queuev1.SubmitRequest{Jobs: []types.Job{
		{ID: "n1", Domain: types.DomainNotification, Type: "notify", Payload: map[string]interface{}{"to": "ops@farm"}},
		{Domain: types.DomainNotification, Type: "notify"},
		{ID: "bad", Domain: "bakery", Type: "notify"},
	}})
	require.NoError(t, err)
	require.Len(t, submitted.Accepted, 2)
	assert.Equal(t, types.JobID("n1"), submitted.Accepted[0])
	assert.Contains(t, submitted.Rejected["bad"], "domain")

	polled, err := h.client.Poll(ctx, &queuev1.PollRequest{WorkerID: "w1", Domain: types.DomainNotification, MaxJobs: 1})
	require.NoError(t, err)
	require.Len(t, polled.Jobs, 1)
	job := polled.Jobs[0]
	assert.Equal(t, types.JobID("n1"), job.ID)
	assert.Equal(t, types.StatusRunning, job.Status)
	assert.Equal(t, "ops@farm", job.PayloadString("to"))
	require.NotNil(t, job.Deadline)

	require.NotEmpty(t, job.Lease)

	_, err = h.client.Acknowledge(ctx, &queuev1.AckRequest{WorkerID: "w2", JobID: "n1", Lease: job.Lease, Success: true})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "another worker cannot present the lease")

	ack, err := h.client.Acknowledge(ctx, &queuev1.AckRequest{WorkerID: "w1", JobID: "n1", Lease: job.Lease, Success: true, DurationMs: 12})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, ack.Status)

	_, err = h.client.Acknowledge(ctx, &queuev1.AckRequest{WorkerID: "w1", JobID: "n1", Lease: job.Lease, Success: true})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = h.client.Acknowledge(ctx, &queuev1.AckRequest{WorkerID: "w1", JobID: "ghost", Success: true})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestFailedAckRetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ctrl.Enqueue(types.Job{ID: "d1", Domain: types.DomainDelivery, Type: "dispatch"})
	require.NoError(t, err)

	first, err := h.client.Poll(ctx, &queuev1.PollRequest{WorkerID: "w1", Domain: types.DomainDelivery, MaxJobs: 5})
	require.NoError(t, err)
	require.Len(t, first.Jobs, 1)
	ack, err := h.client.Acknowledge(ctx, &queuev1.AckRequest{WorkerID: "w1", JobID: "d1", Lease: first.Jobs[0].Lease, Error: "courier api 503"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRetrying, ack.Status)

	var polled *queuev1.PollResponse
	require.Eventually(t, func() bool {
		polled, err = h.client.Poll(ctx, &queuev1.PollRequest{WorkerID: "w1", Domain: types.DomainDelivery, MaxJobs: 5})
		return err == nil && len(polled.Jobs) == 1
	}, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, first.Jobs[0].Lease, polled.Jobs[0].Lease)
	ack, err = h.client.Acknowledge(ctx, &queuev1.AckRequest{WorkerID: "w1", JobID: "d1", Lease: polled.Jobs[0].Lease, Error: "courier api 503"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadLettered, ack.Status)
}

func TestValidationAndStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Poll(ctx, &queuev1.PollRequest{Domain: types.DomainProduction})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = h.client.Poll(ctx, &queuev1.PollRequest{WorkerID: "w1", Domain: "bakery"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = h.client.Heartbeat(ctx, &queuev1.HeartbeatRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.ctrl.Enqueue(types.Job{ID: "p1", Domain: types.DomainProduction, Type: "stage_due"})
	require.NoError(t, err)
	_, err = h.client.Poll(ctx, &queuev1.PollRequest{WorkerID: "w2", Domain: types.DomainProduction, MaxJobs: 1})
	require.NoError(t, err)

	hb, err := h.client.Heartbeat(ctx, &queuev1.HeartbeatRequest{WorkerID: "w2", Load: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, hb.Extended)
	info, ok := h.srv.Worker("w2")
	require.True(t, ok)
	assert.Equal(t, 1, info.Load)

	st, err := h.client.Status(ctx, &queuev1.StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Counts["production"]["running"])
	assert.Equal(t, []string{"w2"}, st.Workers)
}

func TestWorkerRegistryExpires(t *testing.T) {
	srv := NewServer(nil, logger.NewNop(), time.Second)
	now := time.Date(2026, time.October, 15, 9, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return now }

	srv.touch("w1", 2)
	srv.touch("w2", -1)
	assert.Equal(t, []string{"w1", "w2"}, srv.LiveWorkers())

	now = now.Add(600 * time.Millisecond)
	srv.touch("w2", -1)
	now = now.Add(600 * time.Millisecond)
	assert.Equal(t, []string{"w2"}, srv.LiveWorkers())
	_, ok := srv.Worker("w1")
	assert.False(t, ok)
}

func TestHealthService(t *testing.T) {
	h := newHarness(t)
	resp, err := healthpb.NewHealthClient(h.conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: queuev1.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestRemotePullerEndToEnd(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := h.ctrl.Enqueue(types.Job{ID: types.JobID(id), Domain: types.DomainAutomation, Type: "inventory_check"})
		require.NoError(t, err)
	}

	reg := worker.NewRegistry()
	reg.RegisterFunc("inventory_check", func(context.Context, types.Job) error { return nil })
	source := worker.NewGrpcJobSource(h.conn, "remote-7")
	assert.Equal(t, "remote-7", source.WorkerID())

	p := worker.NewPuller(source, reg, worker.PullerConfig{
		NodeID:            "remote-7",
		Workers:           map[types.Domain]int{types.DomainAutomation: 2},
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.ctrl.Stats()[types.DomainAutomation][types.StatusSucceeded] == 3
	}, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, h.srv.LiveWorkers(), "remote-7")
}
