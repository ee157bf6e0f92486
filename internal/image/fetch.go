package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// ErrChecksum is returned when an artifact does not match its digest.
var ErrChecksum = errors.New("checksum mismatch")

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// cachePath returns where a downloaded url is stored.
func cachePath(cacheDir, url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(cacheDir, hex.EncodeToString(sum[:8])+"-"+path.Base(url))
}

// ensureFile downloads url into the cache unless it is already there.
func ensureFile(ctx context.Context, cacheDir, url string) (string, error) {
	if cacheDir == "" {
		return "", errors.New("no cache directory for download")
	}
	dst := cachePath(cacheDir, url)
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: %s (URL: %s)", resp.Status, url)
	}

	f, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0644))
	if err != nil {
		return "", err
	}
	defer f.Cleanup()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	return dst, nil
}

// readArtifact reads src, downloading it first if it is a URL, and
// verifies it against want when want is set.
func readArtifact(ctx context.Context, cfg *Config, artifact, src string) ([]byte, error) {
	local := src
	if isURL(src) {
		p, err := ensureFile(ctx, cfg.CacheDir, src)
		if err != nil {
			return nil, &LoadError{Artifact: artifact, Source: src, Err: err}
		}
		local = p
	}

	data, err := os.ReadFile(local)
	if err != nil {
		return nil, &LoadError{Artifact: artifact, Source: src, Err: err}
	}
	if want := cfg.SHA256[artifact]; want != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, want) {
			return nil, &LoadError{Artifact: artifact, Source: src,
				Err: fmt.Errorf("%w: got %s, want %s", ErrChecksum, got, want)}
		}
	}
	return data, nil
}
