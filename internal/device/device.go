// Package device provides the memory-mapped devices a VM attaches to its
// bus, and the driver registry used to build them from configuration.
//
// Devices see device-local offsets: the bus subtracts the region base
// before calling Read or Write. Registers a device does not implement
// read as zero and ignore writes.
package device

import (
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/javanstorm/rvhost/internal/intc"
	"github.com/javanstorm/rvhost/pkg/hart"
)

// Device is anything that can own a bus region. RAM is a Device too.
type Device interface {
	Name() string
	Read(offset uint64, width int) (uint64, error)
	Write(offset uint64, width int, value uint64) error
}

// Ticker is implemented by devices that advance with guest time.
// Tick receives the cycles consumed by the last step.
type Ticker interface {
	Tick(cycles uint64)
}

// Resetter is implemented by devices with power-on state to restore on
// a machine reset.
type Resetter interface {
	Reset()
}

// Stater is implemented by devices whose state is captured in snapshots.
type Stater interface {
	SaveState() ([]byte, error)
	LoadState(data []byte) error
}

// PowerControl receives guest power requests.
type PowerControl interface {
	PowerOff()
	Reboot()
	Fail(code uint32)
}

// Env carries the machine resources a driver may wire its device to.
type Env struct {
	// Memory is guest RAM as seen from the bus, for devices that DMA.
	// Accesses outside RAM fault.
	Memory hart.Memory

	// Interrupts is the machine's interrupt controller.
	Interrupts *intc.Controller

	// Power receives shutdown and reboot requests.
	Power PowerControl

	// ConsoleOut is where console output bytes are written.
	ConsoleOut io.Writer

	// Rootfs is the provisioned root filesystem image.
	Rootfs []byte

	// Clock returns wall time. Defaults to time.Now.
	Clock func() time.Time

	Logger *zap.Logger
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Env) clock() func() time.Time {
	if e.Clock == nil {
		return time.Now
	}
	return e.Clock
}
