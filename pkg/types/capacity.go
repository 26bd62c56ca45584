package types

import (
	"errors"
	"time"
)

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate reports a malformed window.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return errors.New("window start and end are required")
	}
	if !w.End.After(w.Start) {
		return errors.New("window end must be after start")
	}
	return nil
}

// Overlaps reports whether the two half-open intervals intersect.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Contains reports whether t lies inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// RackReservation commits part of a rack's capacity for a window.
type RackReservation struct {
	ID         string     `json:"id"`
	RackID     string     `json:"rack_id"`
	Window     Window     `json:"window"`
	Amount     int        `json:"amount"`
	Total      int        `json:"total"`
	BatchID    string     `json:"batch_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the reservation still holds capacity.
func (r RackReservation) Active() bool { return r.ReleasedAt == nil }
