package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/javanstorm/rvhost/internal/device"
	"github.com/javanstorm/rvhost/internal/image"
	"github.com/javanstorm/rvhost/internal/intc"
	"github.com/javanstorm/rvhost/pkg/hart"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig checks configuration against the registered cores,
// image providers and device drivers.
// Returns a list of validation errors/warnings.
func ValidateConfig(cfg *Config) []ValidationError {
	var errs []ValidationError
	fatal := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Fatal: true})
	}
	warn := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.VMName == "" || strings.ContainsAny(cfg.VMName, `/\`) {
		fatal("vm_name", "must be a non-empty name without path separators, got %q", cfg.VMName)
	}
	if !hart.IsRegistered(cfg.Core) {
		fatal("core", "unknown core %q, available: %v", cfg.Core, hart.List())
	}
	if cfg.MemoryMB <= 0 {
		fatal("memory_mb", "must be positive, got %d", cfg.MemoryMB)
	}
	if cfg.CyclesPerStep == 0 {
		fatal("cycles_per_step", "must be positive")
	}
	if cfg.MemoryMB > 0 {
		size := cfg.RAMSize()
		if cfg.RAMBase+size < cfg.RAMBase {
			fatal("ram_base", "RAM at %#x with %d MB wraps the address space", cfg.RAMBase, cfg.MemoryMB)
		}
		if cfg.FirmwareOffset >= size {
			fatal("firmware_offset", "%#x is outside %d MB of RAM", cfg.FirmwareOffset, cfg.MemoryMB)
		}
		if cfg.KernelOffset >= size {
			fatal("kernel_offset", "%#x is outside %d MB of RAM", cfg.KernelOffset, cfg.MemoryMB)
		}
	}
	if cfg.FrequencyHz == 0 {
		warn("frequency_hz", "0 runs the machine unpaced; guest time will not track wall time")
	}

	if !image.IsRegistered(image.ID(cfg.Image.Profile)) {
		fatal("image.profile", "unknown image profile %q, available: %v", cfg.Image.Profile, image.List())
	}
	for name := range cfg.Image.SHA256 {
		switch name {
		case image.ArtifactFirmware, image.ArtifactKernel, image.ArtifactRootfs:
		default:
			fatal("image.sha256", "unknown artifact %q", name)
		}
	}

	names := make(map[string]bool)
	for i, spec := range cfg.Devices {
		field := fmt.Sprintf("devices[%d]", i)
		drv, err := device.Lookup(spec.Driver)
		if err != nil {
			fatal(field, "%v", err)
			continue
		}
		name := spec.Name
		if name == "" {
			name = spec.Driver
		}
		if names[name] {
			fatal(field, "duplicate device name %q", name)
		}
		names[name] = true
		if spec.IRQ >= intc.MaxLines || spec.IRQ < device.NoIRQ {
			fatal(field, "irq %d out of range", spec.IRQ)
		}
		if drv.NeedsIRQ && spec.IRQ == device.NoIRQ {
			fatal(field, "driver %s needs an interrupt line", spec.Driver)
		}
	}

	if cfg.Metrics && cfg.ControlAddr == "" {
		warn("metrics", "ignored because control_addr is empty")
	}
	if cfg.SSH.Enabled {
		if cfg.SSH.Addr == "" {
			fatal("ssh.addr", "required when ssh is enabled")
		}
		if cfg.SSH.AuthorizedKeys == "" {
			fatal("ssh.authorized_keys", "required when ssh is enabled")
		}
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		fatal("log_level", "%v", err)
	}

	return errs
}

// HasFatal reports whether any error is fatal.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
