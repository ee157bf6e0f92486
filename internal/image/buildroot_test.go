package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/javanstorm/rvhost/internal/testutil"
)

func TestBuildrootFromDir(t *testing.T) {
	imgs := testutil.CreateBuildrootDir(t)

	img, err := NewBuildrootProvider().Build(context.Background(), &Config{Dir: imgs.Dir})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if string(img.Firmware) != string(imgs.Firmware) {
		t.Errorf("Firmware = %q, want %q", img.Firmware, imgs.Firmware)
	}
	if string(img.Kernel) != string(imgs.Kernel) {
		t.Errorf("Kernel = %q, want %q", img.Kernel, imgs.Kernel)
	}
	if len(img.Rootfs) != len(imgs.Rootfs) {
		t.Errorf("len(Rootfs) = %d, want %d", len(img.Rootfs), len(imgs.Rootfs))
	}
	if img.BootArgs != DefaultBootArgs {
		t.Errorf("BootArgs = %q, want %q", img.BootArgs, DefaultBootArgs)
	}
}

func TestBuildrootMissingFirmware(t *testing.T) {
	imgs := testutil.CreateBuildrootDir(t)
	os.Remove(filepath.Join(imgs.Dir, "fw_jump.bin"))

	_, err := NewBuildrootProvider().Build(context.Background(), &Config{Dir: imgs.Dir})
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("Build() error = %v, want *LoadError", err)
	}
	if le.Artifact != ArtifactFirmware {
		t.Errorf("Artifact = %q, want %q", le.Artifact, ArtifactFirmware)
	}
}

func TestBuildrootOptionalRootfs(t *testing.T) {
	imgs := testutil.CreateBuildrootDir(t)
	os.Remove(filepath.Join(imgs.Dir, "rootfs.ext2"))

	img, err := NewBuildrootProvider().Build(context.Background(), &Config{Dir: imgs.Dir, BootArgs: "console=ttyS0"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if img.Rootfs != nil {
		t.Errorf("Rootfs = %d bytes, want none", len(img.Rootfs))
	}
	if img.BootArgs != "console=ttyS0" {
		t.Errorf("BootArgs = %q", img.BootArgs)
	}
}

func TestChecksum(t *testing.T) {
	imgs := testutil.CreateBuildrootDir(t)
	sum := sha256.Sum256(imgs.Kernel)

	tests := []struct {
		name    string
		digest  string
		wantErr bool
	}{
		{"match", hex.EncodeToString(sum[:]), false},
		{"mismatch", "00", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Dir: imgs.Dir, SHA256: map[string]string{ArtifactKernel: tt.digest}}
			_, err := NewBuildrootProvider().Build(context.Background(), cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrChecksum) {
				t.Errorf("Build() error = %v, want ErrChecksum", err)
			}
		})
	}
}

func TestFilesFromURL(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/fw.bin" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("firmware"))
	}))
	defer srv.Close()

	cfg := &Config{CacheDir: t.TempDir(), Firmware: srv.URL + "/fw.bin"}
	for i := 0; i < 2; i++ {
		img, err := NewFilesProvider().Build(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if string(img.Firmware) != "firmware" {
			t.Errorf("Firmware = %q", img.Firmware)
		}
	}
	if hits != 1 {
		t.Errorf("server hits = %d, want 1 (second build should use cache)", hits)
	}

	cfg.Firmware = srv.URL + "/missing"
	if _, err := NewFilesProvider().Build(context.Background(), cfg); err == nil {
		t.Error("Build() with 404 should fail")
	}
}
