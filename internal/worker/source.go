// ============================================================================
// greenrack Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples a Pool from where its jobs come from.
//
//   - In-process: the controller claims from its JobManager and feeds its own
//     pools directly.
//   - Remote worker: GrpcJobSource pulls from a master over gRPC and a Puller
//     drives local pools from it.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/greenrack/pkg/types"
)

// JobSource hands out jobs and takes their results.
type JobSource interface {
	// Poll claims up to maxJobs due jobs of domain. An empty slice means
	// nothing is due.
	Poll(ctx context.Context, domain types.Domain, maxJobs int) ([]types.Job, error)

	// Acknowledge reports the outcome of a job returned by Poll.
	Acknowledge(ctx context.Context, result Result) error

	// Heartbeat renews the leases of every job this node holds. load is the
	// number of tasks currently running.
	Heartbeat(ctx context.Context, nodeID string, load int) error
}
