// Package testutil provides common test helpers for rvhost tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger returns a logger that writes through t.Log.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// CreateTestDisk creates a sparse disk file at the given path with the specified size.
// The file is created as a sparse file, so it doesn't actually allocate all the space.
func CreateTestDisk(t *testing.T, path string, sizeBytes int64) {
	t.Helper()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create directory %s: %v", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test disk at %s: %v", path, err)
	}
	defer f.Close()

	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatalf("failed to truncate test disk to %d bytes: %v", sizeBytes, err)
	}
}

// BuildrootImages holds the contents written by CreateBuildrootDir.
type BuildrootImages struct {
	Dir      string
	Firmware []byte
	Kernel   []byte
	Rootfs   []byte
}

// CreateBuildrootDir writes a small buildroot output directory
// (fw_jump.bin, Image, rootfs.ext2) and returns its contents.
func CreateBuildrootDir(t *testing.T) BuildrootImages {
	t.Helper()

	imgs := BuildrootImages{
		Dir:      t.TempDir(),
		Firmware: []byte("opensbi fw_jump"),
		Kernel:   []byte("linux kernel image"),
		Rootfs:   make([]byte, 4096),
	}
	copy(imgs.Rootfs, "ext2")

	files := map[string][]byte{
		"fw_jump.bin": imgs.Firmware,
		"Image":       imgs.Kernel,
		"rootfs.ext2": imgs.Rootfs,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(imgs.Dir, name), data, 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return imgs
}
