package device

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/javanstorm/rvhost/internal/intc"
)

func newTestTimer(t *testing.T, opts map[string]any) (*Timer, *intc.Controller) {
	t.Helper()
	ic := intc.New()
	dev, spec, err := Build(Spec{Name: "timer0", Driver: "timer", IRQ: 7, Options: opts}, Env{Interrupts: ic})
	require.NoError(t, err)
	require.Equal(t, uint64(TimerSize), spec.Size)
	return dev.(*Timer), ic
}

func TestTimerPeriodicFiresTwiceIn250Cycles(t *testing.T) {
	tm, ic := newTestTimer(t, map[string]any{"threshold": 100, "periodic": true})

	tm.Tick(250)
	require.Equal(t, uint64(2), tm.Fires())
	require.True(t, ic.Pending(7))

	// level stays set until acknowledged
	tm.Tick(0)
	require.True(t, ic.Pending(7))
	require.NoError(t, ic.Acknowledge(7))
	require.False(t, ic.Pending(7))
}

func TestTimerFiresAtDeadlines(t *testing.T) {
	tm, ic := newTestTimer(t, map[string]any{"threshold": 100, "periodic": true})

	var at []uint64
	for i := 0; i < 250; i++ {
		tm.Tick(1)
		if ic.Pending(7) {
			at = append(at, tm.Now())
			ic.AcknowledgeMask(1 << 7)
		}
	}
	require.Equal(t, []uint64{100, 200}, at)
}

func TestTimerOneShot(t *testing.T) {
	tm, ic := newTestTimer(t, map[string]any{"threshold": "0x40"})

	tm.Tick(1000)
	require.Equal(t, uint64(1), tm.Fires())
	require.True(t, ic.Pending(7))

	ctrl, err := tm.Read(TimerCtrl, 4)
	require.NoError(t, err)
	require.Zero(t, ctrl&TimerEnable)
}

func TestTimerRegisters(t *testing.T) {
	ic := intc.New()
	l, err := ic.Line(2)
	require.NoError(t, err)
	tm := NewTimer("t", l)

	tm.Tick(500)
	require.NoError(t, tm.Write(TimerThreshold, 8, 10))
	require.NoError(t, tm.Write(TimerCtrl, 4, TimerEnable|TimerPeriodic))

	count, err := tm.Read(TimerCount, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(500), count)

	tm.Tick(35)
	fired, err := tm.Read(TimerFired, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(3), fired)
}

func TestTimerZeroThresholdNeverFires(t *testing.T) {
	tm := NewTimer("t", intc.Line{})
	tm.Enable(true)
	tm.Tick(1 << 20)
	require.Zero(t, tm.Fires())
}

func TestTimerResetAndState(t *testing.T) {
	tm, _ := newTestTimer(t, map[string]any{"threshold": 100, "periodic": true})
	tm.Tick(150)

	data, err := tm.SaveState()
	require.NoError(t, err)

	tm.Reset()
	require.Zero(t, tm.Now())
	require.Zero(t, tm.Fires())

	require.NoError(t, tm.LoadState(data))
	require.Equal(t, uint64(150), tm.Now())
	tm.Tick(50)
	require.Equal(t, uint64(2), tm.Fires())
}

func TestTimerNarrowReadsTruncate(t *testing.T) {
	tm, _ := newTestTimer(t, nil)
	tm.Tick(1<<33 | 0x1_0203)

	v, err := tm.Read(TimerCount, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(1<<33|0x1_0203), v)

	v, err = tm.Read(TimerCount, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1_0203), v)

	v, err = tm.Read(TimerCount, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0203), v)

	v, err = tm.Read(TimerCount, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0x03), v)
}
