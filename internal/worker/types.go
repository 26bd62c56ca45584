package worker

import (
	"time"

	"github.com/ChuLiYu/greenrack/pkg/types"
)

// Task is one claimed job handed to a pool.
type Task struct {
	Job     types.Job     // claimed job image
	Timeout time.Duration // handler deadline; zero means no deadline
}

// Result is the outcome of one Task.
type Result struct {
	JobID    types.JobID
	Domain   types.Domain
	Lease    string        // Job.Lease of the claim that was run
	WorkerID string        // pool worker that ran it, "<domain>-<n>"
	Success  bool          // handler returned nil
	Error    error         // handler error, timeout or recovered panic
	Duration time.Duration // wall time spent in the handler
}

// ErrorString returns the failure message, or "" on success.
func (r Result) ErrorString() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Error()
}
