package wal

// ============================================================================
// WAL helpers
// ============================================================================

import (
	"fmt"
	"io"
	"time"
)

// GetLastEvent scans the log at path and returns its newest intact record.
// ErrEmptyWAL is returned when the file holds none.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// Stats summarizes a log file.
type Stats struct {
	TotalEvents int
	EventTypes  map[EventType]int
	FirstSeq    uint64
	LastSeq     uint64
}

// CountEvents scans the log at path. A missing file counts as empty.
func CountEvents(path string) (Stats, error) {
	stats := Stats{EventTypes: make(map[EventType]int)}
	err := replayFile(path, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		return nil
	})
	return stats, err
}

// ValidateWAL checks every checksum and that sequence numbers are contiguous.
func ValidateWAL(path string) error {
	var lastSeq uint64
	return replayFile(path, func(e Event) error {
		if lastSeq != 0 && e.Seq != lastSeq+1 {
			return fmt.Errorf("wal: sequence gap: %d follows %d", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// DumpWAL writes one human-readable line per record to out.
func DumpWAL(path string, out io.Writer) error {
	return replayFile(path, func(e Event) error {
		_, err := fmt.Fprintf(out, "[seq:%d] %-8s %s %s/%s attempt=%d status=%s at %s\n",
			e.Seq, e.Type, e.JobID, e.Job.Domain, e.Job.Type, e.Job.Attempt, e.Job.Status,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339))
		return err
	})
}
