package wal

// ============================================================================
// WAL Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch indicates a record whose content does not match its checksum.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates the log holds no events.
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates an operation on a closed log.
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError reports the failing record.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError reports a record that cannot be decoded.
type CorruptionError struct {
	Seq    uint64 // last good sequence number before the damage
	Offset int64  // byte offset of the damaged record
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
