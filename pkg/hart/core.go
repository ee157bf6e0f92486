// Package hart defines the contract between the VM orchestrator and a
// RISC-V CPU core. Instruction decoding and execution live behind Core;
// the orchestrator only steps it, feeds it interrupts and routes its
// memory traffic.
package hart

// Memory is the bus view a core performs loads and stores through.
// Widths are 1, 2, 4 or 8 bytes.
type Memory interface {
	Read(addr uint64, width int) (uint64, error)
	Write(addr uint64, width int, value uint64) error
}

// Core is a single RISC-V hart driven by the orchestrator.
// A Core is owned by exactly one VM and is only called from that VM's
// run loop.
type Core interface {
	Info() Info

	// Capabilities returns what the core supports. Used by the
	// orchestrator to decide how bus faults are handled.
	Capabilities() Capabilities

	// Attach connects the core to the memory it fetches and stores
	// through. Must be called before LoadImage or Step.
	Attach(mem Memory) error

	// LoadImage places data at the physical address addr.
	LoadImage(data []byte, addr uint64) error

	// Step executes a bounded amount of work and reports what happened.
	Step() StepResult

	// SetInterruptPending publishes the pending interrupt lines sampled
	// at the step boundary.
	SetInterruptPending(mask uint64)

	// InterruptsEnabled reports whether the core currently accepts
	// external interrupts.
	InterruptsEnabled() bool

	// Reset returns the core to its power-on state. Attached memory is kept.
	Reset()
}

// StepResult describes one call to Core.Step.
type StepResult struct {
	// Cycles is the number of cycles the step consumed.
	Cycles uint64

	// Halted is set when the core stopped for good (e.g. a hart stop request).
	Halted bool

	// Trapped is set when a bus fault raised during the step was
	// delivered to the guest as an architectural trap.
	Trapped bool

	// Ack is the set of interrupt lines the core claimed during the step.
	Ack uint64

	// Err is an unrecoverable core failure.
	Err error
}

// Capabilities describes core feature support.
type Capabilities struct {
	Traps     bool // bus faults become guest-visible traps
	Snapshots bool // implements Stater
}

// Info contains core metadata.
type Info struct {
	Name    string // registry name, e.g. "idle"
	Version string
	ISA     string // e.g. "rv64imac"
}

// Stater is implemented by cores whose architectural state can be
// captured into a snapshot.
type Stater interface {
	SaveState() ([]byte, error)
	LoadState(data []byte) error
}
