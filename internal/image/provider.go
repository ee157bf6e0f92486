// Package image provisions the boot artifacts of a machine: firmware,
// kernel and root filesystem.
package image

import (
	"context"
	"fmt"
)

// ID identifies an image provider.
type ID string

const (
	Buildroot ID = "buildroot"
	Files     ID = "files"
)

// DefaultBootArgs is the kernel command line used when none is configured.
const DefaultBootArgs = "root=/dev/vda ro"

// Artifact names.
const (
	ArtifactFirmware = "firmware"
	ArtifactKernel   = "kernel"
	ArtifactRootfs   = "rootfs"
)

// Config selects where artifacts come from.
type Config struct {
	// Dir is a directory holding the provider's default file names.
	Dir string `mapstructure:"dir"`

	// CacheDir receives downloaded artifacts.
	CacheDir string `mapstructure:"-"`

	// Firmware, Kernel and Rootfs override individual artifacts with a
	// path or an http(s) URL.
	Firmware string `mapstructure:"firmware"`
	Kernel   string `mapstructure:"kernel"`
	Rootfs   string `mapstructure:"rootfs"`

	// SHA256 maps artifact names to expected hex digests.
	SHA256 map[string]string `mapstructure:"sha256"`

	// BootArgs overrides the kernel command line.
	BootArgs string `mapstructure:"-"`
}

// Image holds the loaded boot artifacts.
type Image struct {
	Firmware []byte
	Kernel   []byte
	Rootfs   []byte
	BootArgs string
	// Sources maps artifact names to where they were read from.
	Sources map[string]string
}

// Provider builds images.
type Provider interface {
	// ID returns the unique identifier for this provider.
	ID() ID

	// Name returns the human-readable name.
	Name() string

	// Description says where the provider reads artifacts from.
	Description() string

	// Build loads the artifacts described by cfg.
	Build(ctx context.Context, cfg *Config) (*Image, error)
}

// LoadError is returned when an artifact is missing, unreadable or fails
// verification.
type LoadError struct {
	Artifact string
	Source   string
	Err      error
}

func (e *LoadError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("image %s: %v", e.Artifact, e.Err)
	}
	return fmt.Sprintf("image %s (%s): %v", e.Artifact, e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ErrUnknownProvider is returned when a provider ID is not registered.
type ErrUnknownProvider struct {
	ID ID
}

func (e *ErrUnknownProvider) Error() string {
	return fmt.Sprintf("unknown image provider: %s", e.ID)
}
