package testutil

import (
	"errors"
	"sync"

	"github.com/javanstorm/rvhost/pkg/hart"
)

// Op is one scripted bus access.
type Op struct {
	Write bool
	Addr  uint64
	Width int
	Value uint64
}

// Read returns a scripted load.
func Read(addr uint64, width int) Op {
	return Op{Addr: addr, Width: width}
}

// Write returns a scripted store.
func Write(addr uint64, width int, value uint64) Op {
	return Op{Write: true, Addr: addr, Width: width, Value: value}
}

// Load records a LoadImage call.
type Load struct {
	Addr uint64
	Data []byte
}

// ScriptCore is a hart.Core that replays scripted bus accesses, one
// slice of ops per step. It records everything the orchestrator tells it.
type ScriptCore struct {
	mu sync.Mutex

	// Script holds the ops of each step. Steps past the end do nothing.
	Script [][]Op

	// Cycles is reported for every step.
	Cycles uint64

	// Traps advertises trap support; faults then come back as Trapped.
	Traps bool

	// HaltAt halts on the given step (1-based). Zero never halts.
	HaltAt int

	// Fail makes the given step (1-based) return an error.
	FailAt int

	// AckPending claims every delivered line.
	AckPending bool

	// Entered receives a value when a step begins, if non-nil.
	Entered chan struct{}

	// Release, if non-nil, is received from before a step returns.
	Release chan struct{}

	mem      hart.Memory
	masked   bool
	pending  uint64
	steps    int
	resets   int
	values   []uint64
	errs     []error
	loads    []Load
	delivers []uint64
}

// NewScriptCore creates a core that replays script.
func NewScriptCore(cycles uint64, script ...[]Op) *ScriptCore {
	return &ScriptCore{Script: script, Cycles: cycles}
}

// ErrScripted is returned by steps selected with FailAt.
var ErrScripted = errors.New("testutil: scripted core failure")

func (c *ScriptCore) Info() hart.Info {
	return hart.Info{Name: "script", Version: "test", ISA: "none"}
}

func (c *ScriptCore) Capabilities() hart.Capabilities {
	return hart.Capabilities{Traps: c.Traps, Snapshots: false}
}

func (c *ScriptCore) Attach(mem hart.Memory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem != nil {
		return hart.ErrAlreadyAttached
	}
	c.mem = mem
	return nil
}

func (c *ScriptCore) LoadImage(data []byte, addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem == nil {
		return hart.ErrNotAttached
	}
	for i, b := range data {
		if err := c.mem.Write(addr+uint64(i), 1, uint64(b)); err != nil {
			return err
		}
	}
	c.loads = append(c.loads, Load{Addr: addr, Data: append([]byte(nil), data...)})
	return nil
}

func (c *ScriptCore) Step() hart.StepResult {
	if c.Entered != nil {
		c.Entered <- struct{}{}
	}
	if c.Release != nil {
		<-c.Release
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps++
	res := hart.StepResult{Cycles: c.Cycles}
	if c.steps <= len(c.Script) {
		for _, op := range c.Script[c.steps-1] {
			var v uint64
			var err error
			if op.Write {
				err = c.mem.Write(op.Addr, op.Width, op.Value)
			} else {
				v, err = c.mem.Read(op.Addr, op.Width)
			}
			c.values = append(c.values, v)
			c.errs = append(c.errs, err)
			if err != nil && c.Traps {
				res.Trapped = true
			}
		}
	}
	if c.AckPending && !c.masked {
		res.Ack = c.pending
	}
	if c.HaltAt > 0 && c.steps >= c.HaltAt {
		res.Halted = true
	}
	if c.FailAt > 0 && c.steps == c.FailAt {
		res.Err = ErrScripted
	}
	return res
}

func (c *ScriptCore) SetInterruptPending(mask uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = mask
	c.delivers = append(c.delivers, mask)
}

func (c *ScriptCore) InterruptsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.masked
}

// MaskInterrupts disables interrupt delivery.
func (c *ScriptCore) MaskInterrupts(masked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masked = masked
}

func (c *ScriptCore) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = 0
	c.pending = 0
	c.resets++
}

// Steps returns the number of steps taken since the last reset.
func (c *ScriptCore) Steps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.steps
}

// Resets returns how many times Reset was called.
func (c *ScriptCore) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Values returns the values loaded by scripted reads (zero for writes).
func (c *ScriptCore) Values() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.values...)
}

// Errors returns the errors seen by scripted accesses.
func (c *ScriptCore) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

// Loads returns the images loaded into the core.
func (c *ScriptCore) Loads() []Load {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Load(nil), c.loads...)
}

// Delivered returns every pending mask handed to the core.
func (c *ScriptCore) Delivered() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.delivers...)
}
