package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/worker"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// ============================================================================
// Remote worker operations
// ============================================================================

// Poll claims up to maxJobs due jobs of domain for workerID. Each is logged
// as DISPATCH and leased until the visibility timeout (or the job's own
// timeout) unless a Heartbeat renews it.
func (c *Controller) Poll(ctx context.Context, workerID string, domain types.Domain, maxJobs int) ([]types.Job, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	jobs := make([]types.Job, 0, maxJobs)
	for len(jobs) < maxJobs {
		if err := ctx.Err(); err != nil {
			return jobs, err
		}
		job, ok := c.claim(domain, workerID)
		if !ok {
			break
		}
		jobs = append(jobs, job)
	}
	if len(jobs) > 0 {
		c.log.Debug("Jobs leased to remote worker",
			logger.String("worker_id", workerID),
			logger.String("domain", string(domain)),
			logger.Int("count", len(jobs)))
	}
	return jobs, nil
}

// Acknowledge applies a result reported by workerID under the lease it was
// polled with and returns the job's new state. A lease that is not workerID's,
// or that was reclaimed since, gets jobmanager.ErrNotRunning.
func (c *Controller) Acknowledge(_ context.Context, workerID string, id types.JobID, lease string, success bool, cause string, took time.Duration) (types.Job, error) {
	if !strings.HasPrefix(lease, workerID+"/") {
		return types.Job{}, fmt.Errorf("%w: %s holds no lease %q on %s", jobmanager.ErrNotRunning, workerID, lease, id)
	}
	job, err := c.applyResult(lease, id, success, cause, took)
	if err == nil {
		c.notify(job.Domain)
	}
	return job, err
}

// Heartbeat renews every lease held by workerID and returns how many.
func (c *Controller) Heartbeat(_ context.Context, workerID string) int {
	return c.jm.Extend(workerID, c.now())
}

// ============================================================================
// worker.JobSource adapter
// ============================================================================

// Source returns a worker.JobSource that claims in this process under workerID.
func (c *Controller) Source(workerID string) worker.JobSource {
	return &localSource{c: c, workerID: workerID}
}

type localSource struct {
	c        *Controller
	workerID string
}

func (s *localSource) Poll(ctx context.Context, domain types.Domain, maxJobs int) ([]types.Job, error) {
	return s.c.Poll(ctx, s.workerID, domain, maxJobs)
}

func (s *localSource) Acknowledge(ctx context.Context, result worker.Result) error {
	_, err := s.c.Acknowledge(ctx, s.workerID, result.JobID, result.Lease, result.Success, result.ErrorString(), result.Duration)
	return err
}

func (s *localSource) Heartbeat(ctx context.Context, _ string, _ int) error {
	s.c.Heartbeat(ctx, s.workerID)
	return nil
}
