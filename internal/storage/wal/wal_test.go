package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/greenrack/pkg/types"
)

func testJob(id string, status types.JobStatus) types.Job {
	return types.Job{
		ID:      types.JobID(id),
		Domain:  types.DomainProduction,
		Type:    "stage_due",
		Status:  status,
		Payload: map[string]interface{}{"task_id": "t1", "attempts": 2},
		Timeout: 30 * time.Second,
	}
}

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal", "queue.wal")
	w, err := NewWAL(path, Options{BufferSize: 2, FlushInterval: time.Hour})
	require.NoError(t, err)
	return w, path
}

func replayAll(t *testing.T, w *WAL) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := newTestWAL(t)
	defer w.Close()

	require.NoError(t, w.Append(EventEnqueue, testJob("j1", types.StatusQueued), false))
	require.NoError(t, w.Append(EventDispatch, testJob("j1", types.StatusRunning), false))
	require.NoError(t, w.Append(EventAck, testJob("j1", types.StatusSucceeded), true))

	events := replayAll(t, w)
	require.Len(t, events, 3)
	assert.Equal(t, []EventType{EventEnqueue, EventDispatch, EventAck},
		[]EventType{events[0].Type, events[1].Type, events[2].Type})
	assert.Equal(t, uint64(3), events[2].Seq)
	assert.Equal(t, types.StatusSucceeded, events[2].Job.Status)
	assert.Equal(t, "t1", events[2].Job.Payload["task_id"])
	assert.Equal(t, uint64(3), w.LastSeq())
}

func TestReplayFlushesBufferedRecords(t *testing.T) {
	w, _ := newTestWAL(t)
	defer w.Close()

	require.NoError(t, w.Append(EventEnqueue, testJob("j1", types.StatusQueued), false))
	assert.Len(t, replayAll(t, w), 1)
}

func TestReopenResumesSequence(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append(EventEnqueue, testJob("j1", types.StatusQueued), false))
	require.NoError(t, w.Append(EventEnqueue, testJob("j2", types.StatusQueued), false))
	require.NoError(t, w.Close())

	reopened, err := NewWAL(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.LastSeq())

	require.NoError(t, reopened.Append(EventEnqueue, testJob("j3", types.StatusQueued), true))
	require.NoError(t, ValidateWAL(path))
}

func TestReplayDetectsTampering(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append(EventEnqueue, testJob("j1", types.StatusQueued), true))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"queued"`), []byte(`"running"`), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	err = replayFile(path, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReplayToleratesTornTail(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append(EventEnqueue, testJob("j1", types.StatusQueued), true))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"ACK","job_id":"j1","job":{"id":"j1"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEvents)

	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last.Seq)
}

func TestRotateStartsEmptyLog(t *testing.T) {
	w, path := newTestWAL(t)
	defer w.Close()

	require.NoError(t, w.Append(EventEnqueue, testJob("j1", types.StatusQueued), false))
	require.NoError(t, w.Rotate())
	assert.Equal(t, uint64(0), w.LastSeq())
	assert.Empty(t, replayAll(t, w))

	backups, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	require.NoError(t, w.Append(EventEnqueue, testJob("j2", types.StatusQueued), true))
	events := replayAll(t, w)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Seq)
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(EventEnqueue, testJob("j1", types.StatusQueued), true), ErrWALClosed)
	assert.NoError(t, w.Close(), "second close is a no-op")
}

func TestDumpAndStats(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append(EventEnqueue, testJob("j1", types.StatusQueued), false))
	require.NoError(t, w.Append(EventDead, testJob("j1", types.StatusDeadLettered), true))
	require.NoError(t, w.Close())

	var out bytes.Buffer
	require.NoError(t, DumpWAL(path, &out))
	assert.Contains(t, out.String(), "[seq:2] DEAD")
	assert.Contains(t, out.String(), "production/stage_due")

	stats, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEvents)
	assert.Equal(t, 1, stats.EventTypes[EventDead])
	assert.Equal(t, uint64(1), stats.FirstSeq)
}
