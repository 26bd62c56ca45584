package wal

import "github.com/ChuLiYu/greenrack/pkg/types"

// ============================================================================
// WAL Type Definitions
// ============================================================================

// EventType names the queue transition an event records.
type EventType string

const (
	EventEnqueue  EventType = "ENQUEUE"  // job accepted
	EventDispatch EventType = "DISPATCH" // job claimed by a worker
	EventAck      EventType = "ACK"      // handler succeeded
	EventRetry    EventType = "RETRY"    // failed attempt, waiting out backoff
	EventTimeout  EventType = "TIMEOUT"  // lease expired without a result
	EventDead     EventType = "DEAD"     // retries exhausted
	EventCancel   EventType = "CANCEL"   // cancelled before claim
	EventRedrive  EventType = "REDRIVE"  // dead letter put back by an operator
	EventRequeue  EventType = "REQUEUE"  // claim released without charging an attempt
)

// Event is one log record. Job holds the complete image of the job after the
// transition, so replay is an upsert and never depends on earlier records.
type Event struct {
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	JobID     types.JobID `json:"job_id"`
	Job       types.Job   `json:"job"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds
	Checksum  uint32      `json:"checksum"`
}

// EventHandler applies one replayed event. Returning an error aborts Replay.
type EventHandler func(event Event) error
