// Package types defines the core domain model shared by every greenrack component.
package types

import (
	"time"

	"github.com/google/uuid"
)

// JobID uniquely identifies a queued unit of work.
type JobID string

// JobStatus is the lifecycle state of a Job.
type JobStatus string

// Job states. succeeded, dead_lettered and cancelled are terminal.
const (
	StatusQueued       JobStatus = "queued"        // eligible for claim once NextRunAt has passed
	StatusRunning      JobStatus = "running"       // claimed by exactly one worker
	StatusSucceeded    JobStatus = "succeeded"     // handler reported success
	StatusRetrying     JobStatus = "retrying"      // failed, waiting out its backoff
	StatusDeadLettered JobStatus = "dead_lettered" // retries exhausted, needs an operator
	StatusCancelled    JobStatus = "cancelled"     // cancelled before it was claimed
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusDeadLettered || s == StatusCancelled
}

// Domain partitions the queue; each domain has its own workers.
type Domain string

const (
	DomainProduction   Domain = "production"
	DomainDelivery     Domain = "delivery"
	DomainNotification Domain = "notification"
	DomainAutomation   Domain = "automation"
)

// AllDomains lists every queue domain in dispatch order.
func AllDomains() []Domain {
	return []Domain{DomainProduction, DomainDelivery, DomainNotification, DomainAutomation}
}

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	for _, known := range AllDomains() {
		if d == known {
			return true
		}
	}
	return false
}

// Job is one unit of work owned by the job queue. Workers claim and release it.
type Job struct {
	// identity and data
	ID        JobID                  `json:"id"`
	Domain    Domain                 `json:"domain"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	DedupeKey string                 `json:"dedupe_key,omitempty"`

	// state tracking
	Status      JobStatus `json:"status"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`

	// timing, Unix milliseconds like the rest of the queue
	NextRunAt int64         `json:"next_run_at"`
	Timeout   time.Duration `json:"timeout"`
	Deadline  *int64        `json:"deadline_ms,omitempty"`
	CreatedAt int64         `json:"created_at"`
	UpdatedAt int64         `json:"updated_at"`

	WorkerID string `json:"worker_id,omitempty"`
	// Lease identifies the current claim; results must present it.
	Lease string `json:"lease,omitempty"`
}

// PayloadString returns a string payload field, or "" when absent.
func (j Job) PayloadString(key string) string {
	if j.Payload == nil {
		return ""
	}
	if v, ok := j.Payload[key].(string); ok {
		return v
	}
	return ""
}

// NewID returns a random identifier with the given prefix.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// SnapshotData is the persisted checkpoint of queue state and domain collections.
type SnapshotData struct {
	Jobs         map[JobID]*Job             `json:"jobs"`
	Batches      map[string]*Batch          `json:"batches,omitempty"`
	Tasks        map[string]*ProductionTask `json:"tasks,omitempty"`
	Orders       map[string]*Order          `json:"orders,omitempty"`
	DeliveryJobs map[string]*DeliveryJob    `json:"delivery_jobs,omitempty"`
	Reservations []RackReservation          `json:"reservations,omitempty"`
	RackCapacity map[string]int             `json:"rack_capacity,omitempty"`
	SchemaVer    int                        `json:"schema_ver"`
	LastSeq      uint64                     `json:"last_seq"`
}
