package hart

import (
	"encoding/json"
	"fmt"
)

// IdleName is the registry name of the built-in idle core.
const IdleName = "idle"

func init() {
	Register(IdleName, func(cfg *Config) (Core, error) {
		return NewIdle(cfg), nil
	})
}

// Idle is a hart parked in WFI. It executes no instructions: every step
// burns a fixed number of cycles and, when interrupts are enabled, claims
// whatever lines are pending. It is enough to boot the device side of a
// machine without an instruction set implementation.
type Idle struct {
	cfg      Config
	mem      Memory
	pc       uint64
	pending  uint64
	enabled  bool
	taken    uint64
	retired  uint64
	attached bool
}

// NewIdle creates an idle core.
func NewIdle(cfg *Config) *Idle {
	c := &Idle{cfg: *cfg}
	c.Reset()
	return c
}

func (c *Idle) Info() Info {
	return Info{Name: IdleName, Version: "1", ISA: "rv64i"}
}

func (c *Idle) Capabilities() Capabilities {
	return Capabilities{Snapshots: true}
}

func (c *Idle) Attach(mem Memory) error {
	if c.attached {
		return ErrAlreadyAttached
	}
	c.mem = mem
	c.attached = true
	return nil
}

// LoadImage copies data into memory with doubleword stores where the
// address allows it and byte stores elsewhere.
func (c *Idle) LoadImage(data []byte, addr uint64) error {
	if !c.attached {
		return ErrNotAttached
	}
	for i := 0; i < len(data); {
		a := addr + uint64(i)
		if a%8 == 0 && len(data)-i >= 8 {
			var v uint64
			for j := 7; j >= 0; j-- {
				v = v<<8 | uint64(data[i+j])
			}
			if err := c.mem.Write(a, 8, v); err != nil {
				return fmt.Errorf("load image at %#x: %w", a, err)
			}
			i += 8
			continue
		}
		if err := c.mem.Write(a, 1, uint64(data[i])); err != nil {
			return fmt.Errorf("load image at %#x: %w", a, err)
		}
		i++
	}
	return nil
}

func (c *Idle) Step() StepResult {
	if !c.attached {
		return StepResult{Err: ErrNotAttached}
	}
	res := StepResult{Cycles: c.cfg.CyclesPerStep}
	if c.enabled && c.pending != 0 {
		res.Ack = c.pending
		c.taken++
		c.pending = 0
	}
	c.retired += res.Cycles
	return res
}

func (c *Idle) SetInterruptPending(mask uint64) {
	c.pending = mask
}

func (c *Idle) InterruptsEnabled() bool {
	return c.enabled
}

func (c *Idle) Reset() {
	c.pc = c.cfg.ResetVector
	c.pending = 0
	c.enabled = !c.cfg.MaskInterrupts
	c.taken = 0
	c.retired = 0
}

// Taken returns how many times the core claimed pending interrupts.
func (c *Idle) Taken() uint64 {
	return c.taken
}

type idleState struct {
	PC      uint64 `json:"pc"`
	Pending uint64 `json:"pending"`
	Enabled bool   `json:"enabled"`
	Taken   uint64 `json:"taken"`
	Retired uint64 `json:"retired"`
}

func (c *Idle) SaveState() ([]byte, error) {
	return json.Marshal(idleState{
		PC:      c.pc,
		Pending: c.pending,
		Enabled: c.enabled,
		Taken:   c.taken,
		Retired: c.retired,
	})
}

func (c *Idle) LoadState(data []byte) error {
	var s idleState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode idle core state: %w", err)
	}
	c.pc, c.pending, c.enabled = s.PC, s.Pending, s.Enabled
	c.taken, c.retired = s.Taken, s.Retired
	return nil
}
