package device

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/javanstorm/rvhost/internal/intc"
)

// Timer register offsets.
const (
	TimerCount     = 0x00 // RO, 64-bit cycle counter
	TimerThreshold = 0x08 // RW, 64-bit; writing re-arms
	TimerCtrl      = 0x10 // RW, 32-bit
	TimerFired     = 0x14 // RO, 32-bit fire count
	TimerSize      = 0x20
)

// TimerCtrl bits.
const (
	TimerEnable   = 1 << 0
	TimerPeriodic = 1 << 1
)

func init() {
	Register(Driver{
		Name:        "timer",
		Description: "cycle-driven one-shot/periodic timer",
		Size:        TimerSize,
		NeedsIRQ:    true,
		New:         newTimerFromSpec,
	})
}

// Timer counts guest cycles and raises its line each time the counter
// crosses the armed deadline.
type Timer struct {
	name string
	line intc.Line

	mu        sync.Mutex
	now       uint64
	threshold uint64
	deadline  uint64
	enabled   bool
	periodic  bool
	fired     uint64

	initial timerState
}

// NewTimer creates a disabled timer.
func NewTimer(name string, line intc.Line) *Timer {
	return &Timer{name: name, line: line}
}

func newTimerFromSpec(spec Spec, env Env) (Device, error) {
	l, err := line(spec, env)
	if err != nil {
		return nil, err
	}
	threshold, err := optUint(spec.Options, "threshold", 0)
	if err != nil {
		return nil, err
	}
	periodic, err := optBool(spec.Options, "periodic", false)
	if err != nil {
		return nil, err
	}
	enabled, err := optBool(spec.Options, "enabled", threshold > 0)
	if err != nil {
		return nil, err
	}

	t := NewTimer(spec.Name, l)
	t.SetThreshold(threshold)
	if enabled {
		t.Enable(periodic)
	}
	t.initial = t.state()
	return t, nil
}

func (t *Timer) Name() string { return t.name }

// SetThreshold sets the interval and re-arms the deadline relative to now.
func (t *Timer) SetThreshold(cycles uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threshold = cycles
	t.deadline = t.now + cycles
}

// Enable arms the timer.
func (t *Timer) Enable(periodic bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setCtrl(TimerEnable | boolBit(periodic, TimerPeriodic))
}

func (t *Timer) setCtrl(v uint64) {
	enable := v&TimerEnable != 0
	if enable && !t.enabled {
		t.deadline = t.now + t.threshold
	}
	t.enabled = enable
	t.periodic = v&TimerPeriodic != 0
}

// Tick advances the counter by cycles, firing once for every deadline
// crossed. A threshold of zero never fires.
func (t *Timer) Tick(cycles uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.now + cycles
	for t.enabled && t.threshold > 0 && t.deadline <= end {
		t.fired++
		t.line.Raise()
		if t.periodic {
			t.deadline += t.threshold
		} else {
			t.enabled = false
		}
	}
	t.now = end
}

// Fires returns how many times the timer has fired.
func (t *Timer) Fires() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Now returns the current counter value.
func (t *Timer) Now() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

func (t *Timer) Read(offset uint64, width int) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return truncate(t.register(offset), width), nil
}

func (t *Timer) register(offset uint64) uint64 {
	switch offset {
	case TimerCount:
		return t.now
	case TimerThreshold:
		return t.threshold
	case TimerCtrl:
		return boolBit(t.enabled, TimerEnable) | boolBit(t.periodic, TimerPeriodic)
	case TimerFired:
		return t.fired & 0xffffffff
	}
	return 0
}

func (t *Timer) Write(offset uint64, width int, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch offset {
	case TimerThreshold:
		t.threshold = value
		t.deadline = t.now + value
	case TimerCtrl:
		t.setCtrl(value)
	}
	return nil
}

// Reset restores the configured power-on state.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restore(t.initial)
}

type timerState struct {
	Now       uint64 `json:"now"`
	Threshold uint64 `json:"threshold"`
	Deadline  uint64 `json:"deadline"`
	Enabled   bool   `json:"enabled"`
	Periodic  bool   `json:"periodic"`
	Fired     uint64 `json:"fired"`
}

func (t *Timer) state() timerState {
	return timerState{t.now, t.threshold, t.deadline, t.enabled, t.periodic, t.fired}
}

func (t *Timer) restore(s timerState) {
	t.now, t.threshold, t.deadline = s.Now, s.Threshold, s.Deadline
	t.enabled, t.periodic, t.fired = s.Enabled, s.Periodic, s.Fired
}

func (t *Timer) SaveState() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Marshal(t.state())
}

func (t *Timer) LoadState(data []byte) error {
	var s timerState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode timer state: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restore(s)
	return nil
}

// truncate keeps the low width bytes of a register value.
func truncate(v uint64, width int) uint64 {
	if width >= 8 {
		return v
	}
	return v & (1<<(8*uint(width)) - 1)
}

func boolBit(b bool, bit uint64) uint64 {
	if b {
		return bit
	}
	return 0
}
