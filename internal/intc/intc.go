// Package intc implements a level-triggered interrupt controller with up
// to 64 lines. Devices raise lines from any goroutine; the orchestrator
// samples the pending set at step boundaries and clears lines the core
// acknowledged.
package intc

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
)

// MaxLines is the number of interrupt lines a Controller supports.
const MaxLines = 64

// ErrLineOutOfRange is returned for line ids >= MaxLines.
var ErrLineOutOfRange = errors.New("intc: line out of range")

// Controller holds the pending state of every line as a bitmask.
// The zero value is ready to use.
type Controller struct {
	pending atomic.Uint64
	raises  atomic.Uint64
}

// New creates an interrupt controller with no lines pending.
func New() *Controller {
	return &Controller{}
}

func bit(line uint) (uint64, error) {
	if line >= MaxLines {
		return 0, fmt.Errorf("%w: %d", ErrLineOutOfRange, line)
	}
	return 1 << line, nil
}

// Raise marks line pending. Raising a line that is already pending
// changes nothing.
func (c *Controller) Raise(line uint) error {
	b, err := bit(line)
	if err != nil {
		return err
	}
	for {
		old := c.pending.Load()
		if old&b != 0 {
			return nil
		}
		if c.pending.CompareAndSwap(old, old|b) {
			c.raises.Add(1)
			return nil
		}
	}
}

// Acknowledge clears line. Acknowledging a line that is not pending is a
// no-op.
func (c *Controller) Acknowledge(line uint) error {
	b, err := bit(line)
	if err != nil {
		return err
	}
	c.pending.And(^b)
	return nil
}

// AcknowledgeMask clears every line set in mask.
func (c *Controller) AcknowledgeMask(mask uint64) {
	c.pending.And(^mask)
}

// PendingMask returns the set of pending lines.
func (c *Controller) PendingMask() uint64 {
	return c.pending.Load()
}

// Pending reports whether line is pending.
func (c *Controller) Pending(line uint) bool {
	b, err := bit(line)
	if err != nil {
		return false
	}
	return c.pending.Load()&b != 0
}

// Count returns the number of pending lines.
func (c *Controller) Count() int {
	return bits.OnesCount64(c.pending.Load())
}

// Raises returns how many times a line went from idle to pending.
func (c *Controller) Raises() uint64 {
	return c.raises.Load()
}

// Restore replaces the pending set. Used when loading a snapshot.
func (c *Controller) Restore(mask uint64) {
	c.pending.Store(mask)
}

// Reset clears every line.
func (c *Controller) Reset() {
	c.pending.Store(0)
}

// Line returns a handle bound to a single line.
func (c *Controller) Line(line uint) (Line, error) {
	if _, err := bit(line); err != nil {
		return Line{}, err
	}
	return Line{c: c, id: line}, nil
}

// Line is a device's connection to one interrupt line. The zero value is
// an unconnected line whose Raise does nothing.
type Line struct {
	c  *Controller
	id uint
}

// Raise marks the line pending.
func (l Line) Raise() {
	if l.c == nil {
		return
	}
	_ = l.c.Raise(l.id)
}

// Pending reports whether the line is pending.
func (l Line) Pending() bool {
	return l.c != nil && l.c.Pending(l.id)
}

// ID returns the line number.
func (l Line) ID() uint {
	return l.id
}

// Connected reports whether the line is bound to a controller.
func (l Line) Connected() bool {
	return l.c != nil
}
