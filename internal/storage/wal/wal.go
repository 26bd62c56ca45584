package wal

// ============================================================================
// Write-Ahead Log
// Responsibilities:
// 1. Append job transitions to an append-only JSON-lines file
// 2. Replay them on startup to rebuild the queue after a crash
// 3. Rotate after a snapshot so replay starts from the checkpoint
// 4. Batch writes: buffer records and flush on size, age or demand
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/greenrack/pkg/types"
)

// FileInterface is the subset of *os.File the log writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options tune batching.
type Options struct {
	BufferSize    int           // flush once this many records are buffered
	FlushInterval time.Duration // flush buffered records at least this often
	SyncOnAppend  bool          // flush and fsync every record
}

// WAL is a write-ahead log instance.
type WAL struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	closed  bool

	buffer        []Event
	lastFlushTime time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWAL opens or creates the log at path and resumes numbering after its
// last record. A background goroutine flushes the buffer every FlushInterval.
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Millisecond
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create directory: %w", err)
		}
	}

	var seq uint64
	last, err := GetLastEvent(path)
	switch {
	case err == nil:
		seq = last.Seq
	case errors.Is(err, ErrEmptyWAL), errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	w := &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go w.flushLoop()
	return w, nil
}

// Append records a transition. The record is on disk when Append returns if
// force is set, SyncOnAppend is configured, or the buffer filled up;
// otherwise within FlushInterval.
func (w *WAL) Append(eventType EventType, job types.Job, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     job.ID,
		Job:       job,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	if force || w.opts.SyncOnAppend || len(w.buffer) >= w.opts.BufferSize {
		return w.flushLocked()
	}
	return nil
}

// Flush writes and syncs every buffered record.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay reads every record from the start of the file, verifies it and
// calls handler in sequence order. A torn final record, left by a crash
// mid-write, ends the replay without error.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil && !errors.Is(err, ErrWALClosed) {
		return err
	}
	return replayFile(w.path, handler)
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for {
		offset := decoder.InputOffset()
		var event Event
		err := decoder.Decode(&event)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return fmt.Errorf("wal: apply seq=%d: %w", event.Seq, err)
		}
		lastSeq = event.Seq
	}
}

// Rotate flushes, moves the current file aside with a timestamp suffix and
// starts an empty log. Numbering restarts at 1.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.lastFlushTime = time.Now()
	return nil
}

// Close flushes and closes the file. A closed WAL cannot be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	err := w.flushLocked()
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// LastSeq returns the sequence number of the newest record.
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// ============================================================================
// Internal
// ============================================================================

func (w *WAL) flushLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed && len(w.buffer) > 0 && time.Since(w.lastFlushTime) >= w.opts.FlushInterval {
				// an error here resurfaces on the next forced flush
				_ = w.flushLocked()
			}
			w.mu.Unlock()
		}
	}
}

// flushLocked writes the buffer and fsyncs. Caller holds w.mu.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for i, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			w.buffer = append(w.buffer[:0], w.buffer[i:]...)
			return fmt.Errorf("wal: write seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}
