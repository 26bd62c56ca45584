// Package apperr defines the error taxonomy shared by greenrack components.
//
// Validation and domain-invariant errors are returned synchronously to the
// caller. Transient infrastructure errors are retried by the job layer;
// exhausted jobs surface as JobExhaustedError.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")

// NotFound wraps ErrNotFound with the kind and id of the missing record.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// ValidationError reports malformed or missing input. No state was mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CapacityExceededError reports a reservation that would oversell a rack.
type CapacityExceededError struct {
	RackID      string
	WindowStart time.Time
	WindowEnd   time.Time
	Committed   int
	Requested   int
	Total       int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("rack %s capacity exceeded: committed %d + requested %d > total %d (%.1f%% used)",
		e.RackID, e.Committed, e.Requested, e.Total, e.UtilizationPercent())
}

// UtilizationPercent is the share of total capacity already committed.
func (e *CapacityExceededError) UtilizationPercent() float64 {
	if e.Total <= 0 {
		return 100
	}
	return float64(e.Committed) / float64(e.Total) * 100
}

// StageTransitionError reports a transition that violates stage order or
// targets a terminal batch. The operation was a no-op.
type StageTransitionError struct {
	BatchID string
	TaskID  string
	From    string
	To      string
	Reason  string
}

func (e *StageTransitionError) Error() string {
	switch {
	case e.To != "":
		return fmt.Sprintf("stage transition %s -> %s rejected for batch %s: %s", e.From, e.To, e.BatchID, e.Reason)
	case e.TaskID != "":
		return fmt.Sprintf("task %s of batch %s cannot complete: %s", e.TaskID, e.BatchID, e.Reason)
	default:
		return fmt.Sprintf("batch %s: %s", e.BatchID, e.Reason)
	}
}

// JobExhaustedError reports a job moved to the dead-letter state.
type JobExhaustedError struct {
	JobID     string
	Attempts  int
	LastError string
}

func (e *JobExhaustedError) Error() string {
	return fmt.Sprintf("job %s dead-lettered after %d attempts: %s", e.JobID, e.Attempts, e.LastError)
}

// ExternalServiceError wraps a failure of a notification or courier collaborator.
// It never rolls back the scheduling state that triggered the call.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsStageTransition reports whether err carries a StageTransitionError.
func IsStageTransition(err error) bool {
	var s *StageTransitionError
	return errors.As(err, &s)
}
