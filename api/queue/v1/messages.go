// Package queuev1 defines the pull protocol remote workers use to claim and
// acknowledge jobs. Messages travel as google.protobuf.Struct values so the
// service needs no generated code.
package queuev1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/greenrack/pkg/types"
)

// PollRequest asks for up to MaxJobs due jobs of one domain.
type PollRequest struct {
	WorkerID string       `json:"worker_id"`
	Domain   types.Domain `json:"domain"`
	MaxJobs  int          `json:"max_jobs"`
}

// PollResponse carries the claimed jobs. Each is leased to the caller.
type PollResponse struct {
	Jobs []types.Job `json:"jobs"`
}

// AckRequest reports the outcome of one claimed job.
type AckRequest struct {
	WorkerID   string      `json:"worker_id"`
	JobID      types.JobID `json:"job_id"`
	Lease      string      `json:"lease"` // Job.Lease as polled
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// AckResponse returns the job status after the result was applied.
type AckResponse struct {
	Status types.JobStatus `json:"status"`
}

// HeartbeatRequest renews the leases of every job WorkerID holds.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	Load     int    `json:"load"`
}

// HeartbeatResponse reports how many leases were renewed.
type HeartbeatResponse struct {
	Extended int `json:"extended"`
}

// SubmitRequest enqueues jobs on the master.
type SubmitRequest struct {
	Jobs []types.Job `json:"jobs"`
}

// SubmitResponse lists the accepted job ids and the per-job rejections.
type SubmitResponse struct {
	Accepted []types.JobID     `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

// StatusRequest asks for queue counts.
type StatusRequest struct{}

// StatusResponse carries job counts per domain and status.
type StatusResponse struct {
	Counts        map[string]map[string]int `json:"counts"`
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Workers       []string                  `json:"workers,omitempty"`
}

// Encode converts a message into a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// Decode fills v from a Struct produced by Encode.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
