package cli

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/javanstorm/rvhost/internal/config"
	"github.com/javanstorm/rvhost/internal/image"
	"github.com/javanstorm/rvhost/internal/vm"
)

// buildManager resolves the configured image and assembles the machine.
func buildManager(ctx context.Context, cfg *config.Config, consoleOut io.Writer, log *zap.Logger) (*vm.Manager, error) {
	provider, err := image.Get(image.ID(cfg.Image.Profile))
	if err != nil {
		return nil, err
	}
	log.Debug("building image", zap.String("profile", string(provider.ID())))
	img, err := provider.Build(ctx, &cfg.Image.Config)
	if err != nil {
		return nil, fmt.Errorf("build %s image: %w", provider.Name(), err)
	}
	for artifact, src := range img.Sources {
		log.Info("image artifact", zap.String("artifact", artifact), zap.String("source", src))
	}

	devices := cfg.Devices
	if len(devices) == 0 {
		devices = nil
	}
	return vm.NewManager(vm.ManagerConfig{
		Name:           cfg.VMName,
		DataDir:        cfg.DataDir,
		Core:           cfg.Core,
		CoreOptions:    cfg.CoreOptions,
		CyclesPerStep:  cfg.CyclesPerStep,
		RAMBase:        cfg.RAMBase,
		RAMSize:        cfg.RAMSize(),
		FirmwareOffset: cfg.FirmwareOffset,
		KernelOffset:   cfg.KernelOffset,
		FrequencyHz:    cfg.FrequencyHz,
		Devices:        devices,
		Image:          img,
		ConsoleOut:     consoleOut,
		Logger:         log,
	})
}

// consoleInput returns the writer feeding guest keystrokes, or a sink when
// the machine has no console device.
func consoleInput(m *vm.Machine) io.Writer {
	if c := m.Console(); c != nil {
		return c.InputWriter()
	}
	return io.Discard
}
