package vm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/javanstorm/rvhost/internal/device"
	"github.com/javanstorm/rvhost/internal/image"
	"github.com/javanstorm/rvhost/pkg/hart"
)

// DefaultCyclesPerStep bounds the work of one core step.
const DefaultCyclesPerStep = 1000

// ManagerConfig holds configuration for the VM manager.
type ManagerConfig struct {
	// Name is the machine name, also used for its data directory.
	Name string

	// DataDir is where state and snapshots are stored.
	DataDir string

	// Core selects a registered hart implementation.
	Core string

	// CoreOptions are passed to the core.
	CoreOptions map[string]string

	// CyclesPerStep bounds each core step.
	CyclesPerStep uint64

	// RAMBase and RAMSize place main memory.
	RAMBase uint64
	RAMSize uint64

	// FirmwareOffset and KernelOffset place boot images inside RAM.
	FirmwareOffset uint64
	KernelOffset   uint64

	// FrequencyHz paces the machine. Zero runs unpaced.
	FrequencyHz uint64

	// Devices overrides the default device set.
	Devices []device.Spec

	// Image holds the boot artifacts. Nil boots with empty RAM.
	Image *image.Image

	// ConsoleOut receives console output.
	ConsoleOut io.Writer

	Logger *zap.Logger
}

// Manager ties a Machine to its persistent state and snapshot store.
type Manager struct {
	cfg       ManagerConfig
	log       *zap.Logger
	machine   *Machine
	stateFile *StateFile
	snapshots *SnapshotManager
}

// NewManager builds the machine described by cfg and loads its images.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Core == "" {
		cfg.Core = hart.IdleName
	}
	if cfg.CyclesPerStep == 0 {
		cfg.CyclesPerStep = DefaultCyclesPerStep
	}
	if cfg.RAMSize == 0 {
		cfg.RAMBase = device.DefaultRAMBase
		cfg.RAMSize = device.DefaultRAMSize
	}
	if cfg.KernelOffset == 0 {
		cfg.KernelOffset = device.DefaultKernelOffset
	}
	if cfg.Devices == nil {
		cfg.Devices = device.DefaultSpecs()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	opts := make(map[string]string, len(cfg.CoreOptions)+1)
	for k, v := range cfg.CoreOptions {
		opts[k] = v
	}
	var rootfs []byte
	if cfg.Image != nil {
		opts["bootargs"] = cfg.Image.BootArgs
		rootfs = cfg.Image.Rootfs
	}

	core, err := hart.New(cfg.Core, &hart.Config{
		ResetVector:   cfg.RAMBase + cfg.FirmwareOffset,
		CyclesPerStep: cfg.CyclesPerStep,
		Options:       opts,
	})
	if err != nil {
		return nil, fmt.Errorf("create core: %w", err)
	}

	machine, err := New(Config{
		Name:        cfg.Name,
		RAMBase:     cfg.RAMBase,
		RAMSize:     cfg.RAMSize,
		FrequencyHz: cfg.FrequencyHz,
		Devices:     cfg.Devices,
		Rootfs:      rootfs,
		ConsoleOut:  cfg.ConsoleOut,
		Logger:      cfg.Logger,
	}, core)
	if err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}

	if img := cfg.Image; img != nil {
		if err := machine.LoadImage(image.ArtifactFirmware, img.Firmware, cfg.RAMBase+cfg.FirmwareOffset); err != nil {
			machine.Close()
			return nil, err
		}
		if len(img.Kernel) > 0 {
			if err := machine.LoadImage(image.ArtifactKernel, img.Kernel, cfg.RAMBase+cfg.KernelOffset); err != nil {
				machine.Close()
				return nil, err
			}
		}
	}

	dataDir := NewRegistry(cfg.DataDir).VMDataDir(cfg.Name)
	return &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		machine:   machine,
		stateFile: NewStateFile(dataDir),
		snapshots: NewSnapshotManager(cfg.DataDir),
	}, nil
}

// Machine returns the managed machine.
func (m *Manager) Machine() *Machine {
	return m.machine
}

// Snapshots returns the snapshot store.
func (m *Manager) Snapshots() *SnapshotManager {
	return m.snapshots
}

// StateFile returns the persistent state file.
func (m *Manager) StateFile() *StateFile {
	return m.stateFile
}

// Run starts the machine and drives it until it halts, faults or ctx is
// done. Boot and shutdown are recorded in the state file.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.stateFile.RecordBoot(); err != nil {
		m.log.Warn("record boot failed", zap.Error(err))
	}
	if err := m.machine.Start(); err != nil {
		return err
	}

	err := m.machine.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The loop is gone; halt directly.
		if serr := m.machine.Shutdown(context.Background()); serr == nil {
			err = nil
		}
	}

	if rerr := m.stateFile.RecordShutdown(m.machine.Fault(), m.machine.Stats().Cycles); rerr != nil {
		m.log.Warn("record shutdown failed", zap.Error(rerr))
	}
	return err
}

// Snapshot pauses a running machine, stores a snapshot and resumes it.
func (m *Manager) Snapshot(ctx context.Context, name, description string) (*SnapshotEntry, error) {
	if m.machine.State() == StateRunning {
		if err := m.machine.Pause(ctx); err != nil {
			return nil, fmt.Errorf("pause for snapshot: %w", err)
		}
		defer m.machine.Resume()
	}
	return m.snapshots.CreateSnapshot(m.machine, name, description)
}

// Restore pauses a running machine, loads a snapshot and resumes it.
func (m *Manager) Restore(ctx context.Context, name string) error {
	if m.machine.State() == StateRunning {
		if err := m.machine.Pause(ctx); err != nil {
			return fmt.Errorf("pause for restore: %w", err)
		}
		defer m.machine.Resume()
	}
	return m.snapshots.RestoreSnapshot(m.machine, name)
}

// Close releases the machine.
func (m *Manager) Close() error {
	return m.machine.Close()
}
