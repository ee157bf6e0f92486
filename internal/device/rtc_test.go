package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/javanstorm/rvhost/internal/intc"
)

func TestRTCTimeLatch(t *testing.T) {
	now := time.Unix(0, 0x0000_0012_3456_789a)
	r := NewRTC("rtc", intc.Line{}, func() time.Time { return now })

	lo, err := r.Read(RTCTimeLow, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3456_789a), lo)

	now = now.Add(time.Duration(1) << 40)
	hi, err := r.Read(RTCTimeHigh, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x12), hi)
}

func TestRTCAlarm(t *testing.T) {
	ic := intc.New()
	l, err := ic.Line(11)
	require.NoError(t, err)
	now := time.Unix(0, 1000)
	r := NewRTC("rtc", l, func() time.Time { return now })

	require.NoError(t, r.Write(RTCIRQEnabled, 4, 1))
	require.NoError(t, r.Write(RTCAlarmHigh, 4, 0))
	require.NoError(t, r.Write(RTCAlarmLow, 4, 5000))

	status, _ := r.Read(RTCAlarmStatus, 4)
	require.Equal(t, uint64(1), status)

	r.Tick(1)
	require.False(t, ic.Pending(11))

	now = time.Unix(0, 5000)
	r.Tick(1)
	require.True(t, ic.Pending(11))
	status, _ = r.Read(RTCAlarmStatus, 4)
	require.Zero(t, status)
}

func TestRTCClearAlarm(t *testing.T) {
	ic := intc.New()
	l, _ := ic.Line(11)
	now := time.Unix(0, 0)
	r := NewRTC("rtc", l, func() time.Time { return now })

	require.NoError(t, r.Write(RTCIRQEnabled, 4, 1))
	require.NoError(t, r.Write(RTCAlarmLow, 4, 10))
	require.NoError(t, r.Write(RTCClearAlarm, 4, 1))
	now = time.Unix(1, 0)
	r.Tick(1)
	require.False(t, ic.Pending(11))
}
