package vm

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// SnapshotEntry describes one stored snapshot.
type SnapshotEntry struct {
	Name        string    `json:"name"`
	VMName      string    `json:"vm_name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	Format      string    `json:"format"`
	Size        int64     `json:"size"`     // Compressed size in bytes
	Checksum    string    `json:"checksum"` // SHA256 of the snapshot file
}

// SnapshotData holds all snapshots for a VM.
type SnapshotData struct {
	Snapshots []SnapshotEntry `json:"snapshots"`
}

// SnapshotManager stores machine snapshots under a data directory.
type SnapshotManager struct {
	baseDir string
}

// NewSnapshotManager creates a new snapshot manager.
func NewSnapshotManager(baseDir string) *SnapshotManager {
	return &SnapshotManager{baseDir: baseDir}
}

// snapshotsDir returns the snapshots directory for a VM.
func (m *SnapshotManager) snapshotsDir(vmName string) string {
	return filepath.Join(m.baseDir, vmName, "snapshots")
}

// snapshotsFile returns the snapshots metadata file path for a VM.
func (m *SnapshotManager) snapshotsFile(vmName string) string {
	return filepath.Join(m.baseDir, vmName, "snapshots.json")
}

// SnapshotPath returns the path to a specific snapshot file.
func (m *SnapshotManager) SnapshotPath(vmName, snapshotName string) string {
	return filepath.Join(m.snapshotsDir(vmName), snapshotName+".snap.zst")
}

// Load reads the snapshot metadata from disk.
func (m *SnapshotManager) Load(vmName string) (*SnapshotData, error) {
	data, err := os.ReadFile(m.snapshotsFile(vmName))
	if err != nil {
		if os.IsNotExist(err) {
			return &SnapshotData{Snapshots: []SnapshotEntry{}}, nil
		}
		return nil, fmt.Errorf("read snapshots: %w", err)
	}

	var snapshots SnapshotData
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, fmt.Errorf("parse snapshots: %w", err)
	}

	return &snapshots, nil
}

// Save writes the snapshot metadata to disk atomically.
func (m *SnapshotManager) Save(vmName string, data *SnapshotData) error {
	if err := os.MkdirAll(filepath.Join(m.baseDir, vmName), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshots: %w", err)
	}

	if err := renameio.WriteFile(m.snapshotsFile(vmName), jsonData, 0644); err != nil {
		return fmt.Errorf("write snapshots: %w", err)
	}
	return nil
}

// CreateSnapshot writes a snapshot of machine and records it. The
// machine must be paused or not yet started.
func (m *SnapshotManager) CreateSnapshot(machine *Machine, snapshotName, description string) (*SnapshotEntry, error) {
	vmName := machine.Name()

	data, err := m.Load(vmName)
	if err != nil {
		return nil, err
	}
	for _, snap := range data.Snapshots {
		if snap.Name == snapshotName {
			return nil, fmt.Errorf("%w: %q", ErrSnapshotExists, snapshotName)
		}
	}

	if err := os.MkdirAll(m.snapshotsDir(vmName), 0755); err != nil {
		return nil, fmt.Errorf("create snapshots dir: %w", err)
	}

	snapPath := m.SnapshotPath(vmName, snapshotName)
	f, err := renameio.NewPendingFile(snapPath, renameio.WithPermissions(0644))
	if err != nil {
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Cleanup()

	h := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(f, h)}
	if err := machine.Snapshot(counter); err != nil {
		return nil, err
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return nil, fmt.Errorf("finalize snapshot: %w", err)
	}

	entry := SnapshotEntry{
		Name:        snapshotName,
		VMName:      vmName,
		Description: description,
		CreatedAt:   time.Now(),
		Format:      SnapshotFormat,
		Size:        counter.n,
		Checksum:    fmt.Sprintf("%x", h.Sum(nil)),
	}
	data.Snapshots = append(data.Snapshots, entry)

	if err := m.Save(vmName, data); err != nil {
		os.Remove(snapPath)
		return nil, err
	}
	return &entry, nil
}

// ListSnapshots returns all snapshots for a VM.
func (m *SnapshotManager) ListSnapshots(vmName string) ([]SnapshotEntry, error) {
	data, err := m.Load(vmName)
	if err != nil {
		return nil, err
	}
	return data.Snapshots, nil
}

// GetSnapshot returns a specific snapshot.
func (m *SnapshotManager) GetSnapshot(vmName, snapshotName string) (*SnapshotEntry, error) {
	data, err := m.Load(vmName)
	if err != nil {
		return nil, err
	}

	for _, snap := range data.Snapshots {
		if snap.Name == snapshotName {
			return &snap, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrSnapshotNotFound, snapshotName)
}

// RestoreSnapshot verifies a snapshot and loads it into machine.
func (m *SnapshotManager) RestoreSnapshot(machine *Machine, snapshotName string) error {
	if err := m.VerifySnapshot(machine.Name(), snapshotName); err != nil {
		return err
	}

	f, err := os.Open(m.SnapshotPath(machine.Name(), snapshotName))
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	return machine.Restore(f)
}

// DeleteSnapshot removes a snapshot.
func (m *SnapshotManager) DeleteSnapshot(vmName, snapshotName string) error {
	data, err := m.Load(vmName)
	if err != nil {
		return err
	}

	found := false
	newSnapshots := make([]SnapshotEntry, 0, len(data.Snapshots))
	for _, snap := range data.Snapshots {
		if snap.Name == snapshotName {
			found = true
		} else {
			newSnapshots = append(newSnapshots, snap)
		}
	}

	if !found {
		return fmt.Errorf("%w: %q", ErrSnapshotNotFound, snapshotName)
	}

	if err := os.Remove(m.SnapshotPath(vmName, snapshotName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot file: %w", err)
	}

	data.Snapshots = newSnapshots
	return m.Save(vmName, data)
}

// VerifySnapshot checks a snapshot file against its recorded checksum.
func (m *SnapshotManager) VerifySnapshot(vmName, snapshotName string) error {
	snap, err := m.GetSnapshot(vmName, snapshotName)
	if err != nil {
		return err
	}

	checksum, err := computeChecksum(m.SnapshotPath(vmName, snapshotName))
	if err != nil {
		return fmt.Errorf("compute checksum: %w", err)
	}
	if checksum != snap.Checksum {
		return fmt.Errorf("snapshot %q corrupted: checksum mismatch: expected %s, got %s", snapshotName, snap.Checksum, checksum)
	}
	return nil
}

// computeChecksum calculates the SHA256 checksum of a file.
func computeChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
