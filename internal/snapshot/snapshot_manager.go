package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize queue state and the domain collections into one JSON checkpoint
// 2. Write atomically (temp file, fsync, rename) so a crash never leaves a torn file
// 3. Verify the schema version on load
// 4. Pair with the WAL: the checkpoint records the last sequence it covers
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/greenrack/pkg/types"
)

// SchemaVersion is the checkpoint format written by this build.
const SchemaVersion = 2

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager reads and writes one checkpoint file.
type Manager struct {
	path        string
	keepBackups int
	mu          sync.Mutex
}

// NewManager creates a manager for path. keepBackups older checkpoints are
// retained next to it; zero keeps none.
func NewManager(path string, keepBackups int) *Manager {
	return &Manager{path: path, keepBackups: keepBackups}
}

// Write stores data atomically, stamping the schema version.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	if m.keepBackups > 0 && m.exists() {
		backup := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backup); err != nil {
			return fmt.Errorf("failed to back up snapshot: %w", err)
		}
		m.pruneBackups()
	}

	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, jsonBytes); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m *Manager) pruneBackups() {
	backups, err := filepath.Glob(m.path + ".2*")
	if err != nil || len(backups) <= m.keepBackups {
		return
	}
	sort.Strings(backups)
	for _, old := range backups[:len(backups)-m.keepBackups] {
		os.Remove(old)
	}
}

// Load reads the checkpoint. A missing file is a first start and yields an
// empty state.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SnapshotData{
				Jobs:      make(map[types.JobID]*types.Job),
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	return data, nil
}

// Exists reports whether a checkpoint has been written.
func (m *Manager) Exists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists()
}

func (m *Manager) exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the checkpoint path.
func (m *Manager) GetPath() string {
	return m.path
}
