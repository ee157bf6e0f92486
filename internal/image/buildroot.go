package image

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// Default file names in a buildroot output/images directory.
const (
	buildrootFirmware = "fw_jump.bin"
	buildrootKernel   = "Image"
	buildrootRootfs   = "rootfs.ext2"
)

var errNoSource = errors.New("no source configured")

func init() {
	Register(NewBuildrootProvider())
	Register(NewFilesProvider())
}

// BuildrootProvider loads the images a buildroot riscv64 build produces:
// OpenSBI fw_jump firmware, a kernel Image and an ext2 root filesystem.
type BuildrootProvider struct{}

// NewBuildrootProvider creates a buildroot provider.
func NewBuildrootProvider() *BuildrootProvider {
	return &BuildrootProvider{}
}

func (p *BuildrootProvider) ID() ID { return Buildroot }

func (p *BuildrootProvider) Name() string { return "Buildroot" }

func (p *BuildrootProvider) Description() string {
	return "fw_jump.bin, Image and rootfs.ext2 from a buildroot output directory or URLs"
}

func (p *BuildrootProvider) Build(ctx context.Context, cfg *Config) (*Image, error) {
	src := func(override, name string) string {
		if override != "" {
			return override
		}
		if cfg.Dir == "" {
			return ""
		}
		return filepath.Join(cfg.Dir, name)
	}
	return build(ctx, cfg, map[string]artifactSource{
		ArtifactFirmware: {src(cfg.Firmware, buildrootFirmware), true},
		ArtifactKernel:   {src(cfg.Kernel, buildrootKernel), true},
		ArtifactRootfs:   {src(cfg.Rootfs, buildrootRootfs), false},
	})
}

// FilesProvider loads artifacts from explicitly configured paths or URLs.
// Only firmware is required.
type FilesProvider struct{}

// NewFilesProvider creates a files provider.
func NewFilesProvider() *FilesProvider {
	return &FilesProvider{}
}

func (p *FilesProvider) ID() ID { return Files }

func (p *FilesProvider) Name() string { return "Files" }

func (p *FilesProvider) Description() string {
	return "explicit firmware, kernel and rootfs paths or URLs"
}

func (p *FilesProvider) Build(ctx context.Context, cfg *Config) (*Image, error) {
	return build(ctx, cfg, map[string]artifactSource{
		ArtifactFirmware: {cfg.Firmware, true},
		ArtifactKernel:   {cfg.Kernel, false},
		ArtifactRootfs:   {cfg.Rootfs, false},
	})
}

type artifactSource struct {
	src      string
	required bool
}

func build(ctx context.Context, cfg *Config, sources map[string]artifactSource) (*Image, error) {
	img := &Image{
		BootArgs: cfg.BootArgs,
		Sources:  make(map[string]string),
	}
	if img.BootArgs == "" {
		img.BootArgs = DefaultBootArgs
	}

	targets := map[string]*[]byte{
		ArtifactFirmware: &img.Firmware,
		ArtifactKernel:   &img.Kernel,
		ArtifactRootfs:   &img.Rootfs,
	}
	for _, name := range []string{ArtifactFirmware, ArtifactKernel, ArtifactRootfs} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := sources[name]
		if s.src == "" {
			if s.required {
				return nil, &LoadError{Artifact: name, Err: errNoSource}
			}
			continue
		}
		if !s.required && !isURL(s.src) {
			if _, err := os.Stat(s.src); errors.Is(err, os.ErrNotExist) {
				continue
			}
		}
		data, err := readArtifact(ctx, cfg, name, s.src)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, &LoadError{Artifact: name, Source: s.src, Err: errors.New("empty file")}
		}
		*targets[name] = data
		img.Sources[name] = s.src
	}
	return img, nil
}
