package device

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/javanstorm/rvhost/internal/intc"
)

// Goldfish RTC register offsets.
const (
	RTCTimeLow        = 0x00
	RTCTimeHigh       = 0x04
	RTCAlarmLow       = 0x08
	RTCAlarmHigh      = 0x0c
	RTCIRQEnabled     = 0x10
	RTCClearAlarm     = 0x14
	RTCAlarmStatus    = 0x18
	RTCClearInterrupt = 0x1c
	RTCSize           = 0x1000
)

func init() {
	Register(Driver{
		Name:        "goldfish-rtc",
		Description: "goldfish real-time clock with alarm",
		Size:        RTCSize,
		New:         newRTCFromSpec,
	})
}

// RTC is a goldfish real-time clock. Time is nanoseconds since the Unix
// epoch, read as two 32-bit halves; reading the low half latches the
// high half.
type RTC struct {
	name  string
	line  intc.Line
	clock func() time.Time

	mu          sync.Mutex
	latchedHigh uint32
	alarmHigh   uint32
	alarm       uint64
	armed       bool
	irqEnabled  bool
	status      bool
}

// NewRTC creates an RTC reading time from clock.
func NewRTC(name string, line intc.Line, clock func() time.Time) *RTC {
	if clock == nil {
		clock = time.Now
	}
	return &RTC{name: name, line: line, clock: clock}
}

func newRTCFromSpec(spec Spec, env Env) (Device, error) {
	l, err := line(spec, env)
	if err != nil {
		return nil, err
	}
	return NewRTC(spec.Name, l, env.clock()), nil
}

func (r *RTC) Name() string { return r.name }

func (r *RTC) now() uint64 {
	return uint64(r.clock().UnixNano())
}

func (r *RTC) Read(offset uint64, width int) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return truncate(r.register(offset), width), nil
}

func (r *RTC) register(offset uint64) uint64 {
	switch offset {
	case RTCTimeLow:
		t := r.now()
		r.latchedHigh = uint32(t >> 32)
		return t & 0xffffffff
	case RTCTimeHigh:
		return uint64(r.latchedHigh)
	case RTCAlarmLow:
		return r.alarm & 0xffffffff
	case RTCAlarmHigh:
		return r.alarm >> 32
	case RTCIRQEnabled:
		return boolBit(r.irqEnabled, 1)
	case RTCAlarmStatus:
		return boolBit(r.armed, 1)
	}
	return 0
}

func (r *RTC) Write(offset uint64, width int, value uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch offset {
	case RTCAlarmHigh:
		r.alarmHigh = uint32(value)
	case RTCAlarmLow:
		r.alarm = uint64(r.alarmHigh)<<32 | value&0xffffffff
		r.armed = true
		r.checkAlarm()
	case RTCIRQEnabled:
		r.irqEnabled = value&1 != 0
		if r.irqEnabled && r.status {
			r.line.Raise()
		}
	case RTCClearAlarm:
		r.armed = false
	case RTCClearInterrupt:
		r.status = false
	}
	return nil
}

func (r *RTC) checkAlarm() {
	if !r.armed || r.now() < r.alarm {
		return
	}
	r.armed = false
	r.status = true
	if r.irqEnabled {
		r.line.Raise()
	}
}

// Tick fires an expired alarm.
func (r *RTC) Tick(uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkAlarm()
}

// Reset disarms the alarm and masks the interrupt.
func (r *RTC) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarm, r.alarmHigh, r.latchedHigh = 0, 0, 0
	r.armed, r.irqEnabled, r.status = false, false, false
}

type rtcState struct {
	Alarm      uint64 `json:"alarm"`
	AlarmHigh  uint32 `json:"alarm_high"`
	Armed      bool   `json:"armed"`
	IRQEnabled bool   `json:"irq_enabled"`
	Status     bool   `json:"status"`
}

func (r *RTC) SaveState() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(rtcState{r.alarm, r.alarmHigh, r.armed, r.irqEnabled, r.status})
}

func (r *RTC) LoadState(data []byte) error {
	var s rtcState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode rtc state: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarm, r.alarmHigh = s.Alarm, s.AlarmHigh
	r.armed, r.irqEnabled, r.status = s.Armed, s.IRQEnabled, s.Status
	return nil
}
