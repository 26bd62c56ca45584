// Package server exposes the job queue to remote workers over gRPC.
package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	queuev1 "github.com/ChuLiYu/greenrack/api/queue/v1"
	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/controller"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// maxPollBatch caps how many jobs one Poll may lease.
const maxPollBatch = 100

// Queue is the part of the controller the service calls.
type Queue interface {
	Poll(ctx context.Context, workerID string, domain types.Domain, maxJobs int) ([]types.Job, error)
	Acknowledge(ctx context.Context, workerID string, id types.JobID, lease string, success bool, cause string, took time.Duration) (types.Job, error)
	Heartbeat(ctx context.Context, workerID string) int
	Enqueue(job types.Job) (types.Job, error)
	Counts() map[string]map[string]int
	Uptime() time.Duration
}

// Server implements queuev1.QueueServiceServer.
type Server struct {
	queue Queue
	log   logger.Logger
	lease time.Duration
	now   func() time.Time

	// Worker registry
	mu      sync.RWMutex
	workers map[string]*WorkerInfo
}

// WorkerInfo tracks a remote worker seen through Poll or Heartbeat.
type WorkerInfo struct {
	NodeID     string
	Load       int
	LastSeen   time.Time
	ExpiryTime time.Time
}

// NewServer creates the service. Workers silent for longer than lease drop
// out of Status.
func NewServer(queue Queue, log logger.Logger, lease time.Duration) *Server {
	if lease <= 0 {
		lease = 10 * time.Second
	}
	return &Server{
		queue:   queue,
		log:     log.With(logger.String("component", "grpc")),
		lease:   lease,
		now:     time.Now,
		workers: make(map[string]*WorkerInfo),
	}
}

// NewGRPCServer builds a grpc.Server carrying the queue service, the
// standard health service and request logging.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(srv.logUnary))
	gs := grpc.NewServer(opts...)
	queuev1.RegisterQueueServiceServer(gs, srv)

	hs := health.NewServer()
	hs.SetServingStatus(queuev1.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []logger.Field{
		logger.String("method", info.FullMethod),
		logger.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.log.Warn("RPC failed", append(fields, logger.Error(err))...)
	} else {
		s.log.Debug("RPC served", fields...)
	}
	return resp, err
}

// Poll leases due jobs of one domain to the caller.
func (s *Server) Poll(ctx context.Context, req *queuev1.PollRequest) (*queuev1.PollResponse, error) {
	if req.WorkerID == "" {
		return nil, status.Error(codes.InvalidArgument, "worker_id is required")
	}
	if !req.Domain.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown domain %q", req.Domain)
	}
	n := req.MaxJobs
	if n <= 0 {
		n = 1
	}
	if n > maxPollBatch {
		n = maxPollBatch
	}
	s.touch(req.WorkerID, -1)

	jobs, err := s.queue.Poll(ctx, req.WorkerID, req.Domain, n)
	if err != nil {
		return nil, toStatus(err)
	}
	return &queuev1.PollResponse{Jobs: jobs}, nil
}

// Acknowledge applies a worker's result.
func (s *Server) Acknowledge(ctx context.Context, req *queuev1.AckRequest) (*queuev1.AckResponse, error) {
	if req.WorkerID == "" || req.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "worker_id and job_id are required")
	}
	s.touch(req.WorkerID, -1)

	job, err := s.queue.Acknowledge(ctx, req.WorkerID, req.JobID, req.Lease, req.Success, req.Error,
		time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		return nil, toStatus(err)
	}
	return &queuev1.AckResponse{Status: job.Status}, nil
}

// Heartbeat renews the caller's leases and its registry entry.
func (s *Server) Heartbeat(ctx context.Context, req *queuev1.HeartbeatRequest) (*queuev1.HeartbeatResponse, error) {
	if req.WorkerID == "" {
		return nil, status.Error(codes.InvalidArgument, "worker_id is required")
	}
	s.touch(req.WorkerID, req.Load)
	return &queuev1.HeartbeatResponse{Extended: s.queue.Heartbeat(ctx, req.WorkerID)}, nil
}

// Submit enqueues jobs. Each job is accepted or rejected on its own.
func (s *Server) Submit(_ context.Context, req *queuev1.SubmitRequest) (*queuev1.SubmitResponse, error) {
	resp := &queuev1.SubmitResponse{Accepted: make([]types.JobID, 0, len(req.Jobs))}
	for _, job := range req.Jobs {
		if job.ID == "" {
			job.ID = types.JobID(types.NewID("job"))
		}
		stored, err := s.queue.Enqueue(job)
		if err != nil {
			if resp.Rejected == nil {
				resp.Rejected = make(map[string]string)
			}
			resp.Rejected[string(job.ID)] = err.Error()
			continue
		}
		resp.Accepted = append(resp.Accepted, stored.ID)
	}
	return resp, nil
}

// Status reports job counts and the live workers.
func (s *Server) Status(context.Context, *queuev1.StatusRequest) (*queuev1.StatusResponse, error) {
	return &queuev1.StatusResponse{
		Counts:        s.queue.Counts(),
		UptimeSeconds: s.queue.Uptime().Seconds(),
		Workers:       s.LiveWorkers(),
	}, nil
}

// ============================================================================
// Worker registry
// ============================================================================

// touch registers or refreshes workerID. load < 0 keeps the recorded load.
func (s *Server) touch(workerID string, load int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	info, ok := s.workers[workerID]
	if !ok {
		info = &WorkerInfo{NodeID: workerID}
		s.workers[workerID] = info
		s.log.Info("Worker registered", logger.String("worker_id", workerID))
	}
	info.LastSeen = now
	info.ExpiryTime = now.Add(s.lease)
	if load >= 0 {
		info.Load = load
	}
}

// LiveWorkers lists workers seen within the lease, sorted, and forgets the rest.
func (s *Server) LiveWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]string, 0, len(s.workers))
	for id, info := range s.workers {
		if now.After(info.ExpiryTime) {
			delete(s.workers, id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Worker returns the registry entry of workerID.
func (s *Server) Worker(workerID string) (WorkerInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.workers[workerID]
	if !ok {
		return WorkerInfo{}, false
	}
	return *info, true
}

func toStatus(err error) error {
	switch {
	case apperr.IsValidation(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, jobmanager.ErrNotRunning):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, jobmanager.ErrDuplicateJob):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, controller.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
