// Package snapshot implements periodic full-state persistence for the
// default Repository: an atomic temp-file-plus-rename write and a
// schema-version guard on load, covering the full Repository surface
// (Jobs, Robots, Schedules, Triggers).
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/falconrpa/orchestrator/pkg/types"
)

const schemaVersion = 1

var (
	ErrCorrupted   = errors.New("snapshot: file is corrupted")
	ErrIncompatible = errors.New("snapshot: schema version is incompatible")
	ErrNotFound    = errors.New("snapshot: file not found")
)

// Manager persists and restores types.SnapshotData.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the snapshot file: write to a temp file, then
// rename, so a crash mid-write never leaves a half-written snapshot.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = schemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Load reads the snapshot file, returning an empty initialized SnapshotData
// if none exists yet (first startup).
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptySnapshot(), nil
		}
		return data, fmt.Errorf("snapshot: read: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	if data.SchemaVer != schemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatible, data.SchemaVer, schemaVersion)
	}

	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	if data.Robots == nil {
		data.Robots = make(map[types.RobotID]*types.Robot)
	}
	if data.Schedules == nil {
		data.Schedules = make(map[string]*types.Schedule)
	}
	if data.Triggers == nil {
		data.Triggers = make(map[string]*types.Trigger)
	}

	return data, nil
}

func emptySnapshot() types.SnapshotData {
	return types.SnapshotData{
		Jobs:      make(map[types.JobID]*types.Job),
		Robots:    make(map[types.RobotID]*types.Robot),
		Schedules: make(map[string]*types.Schedule),
		Triggers:  make(map[string]*types.Trigger),
		SchemaVer: schemaVersion,
	}
}

// Exists reports whether a snapshot file is present on disk.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path (for tests and diagnostics).
func (m *Manager) GetPath() string { return m.path }

// WriteWithBackup renames any existing snapshot aside before writing the
// new one, so an operator can recover the prior generation by hand.
func (m *Manager) WriteWithBackup(data types.SnapshotData) error {
	if m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405"))
		m.mu.Lock()
		err := os.Rename(m.path, backupPath)
		m.mu.Unlock()
		if err != nil {
			return fmt.Errorf("snapshot: backup old snapshot: %w", err)
		}
	}
	return m.Write(data)
}
