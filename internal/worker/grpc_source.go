package worker

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	queuev1 "github.com/ChuLiYu/greenrack/api/queue/v1"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// GrpcJobSource is a JobSource backed by a remote master.
type GrpcJobSource struct {
	client   *queuev1.Client
	workerID string
}

// NewGrpcJobSource wraps an established connection. workerID identifies this
// process to the master; leases are held under it.
func NewGrpcJobSource(conn grpc.ClientConnInterface, workerID string) *GrpcJobSource {
	return &GrpcJobSource{
		client:   queuev1.NewClient(conn),
		workerID: workerID,
	}
}

// WorkerID returns the identity leases are held under.
func (s *GrpcJobSource) WorkerID() string { return s.workerID }

// Poll claims jobs from the master.
func (s *GrpcJobSource) Poll(ctx context.Context, domain types.Domain, maxJobs int) ([]types.Job, error) {
	resp, err := s.client.Poll(ctx, &queuev1.PollRequest{
		WorkerID: s.workerID,
		Domain:   domain,
		MaxJobs:  maxJobs,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc poll failed: %w", err)
	}
	return resp.Jobs, nil
}

// Acknowledge reports a result to the master.
func (s *GrpcJobSource) Acknowledge(ctx context.Context, result Result) error {
	_, err := s.client.Acknowledge(ctx, &queuev1.AckRequest{
		WorkerID:   s.workerID,
		JobID:      result.JobID,
		Lease:      result.Lease,
		Success:    result.Success,
		Error:      result.ErrorString(),
		DurationMs: result.Duration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("rpc ack failed: %w", err)
	}
	return nil
}

// Heartbeat renews this worker's leases on the master. nodeID is ignored in
// favour of the identity the source was built with.
func (s *GrpcJobSource) Heartbeat(ctx context.Context, _ string, load int) error {
	if _, err := s.client.Heartbeat(ctx, &queuev1.HeartbeatRequest{WorkerID: s.workerID, Load: load}); err != nil {
		return fmt.Errorf("rpc heartbeat failed: %w", err)
	}
	return nil
}
