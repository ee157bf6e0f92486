package vm

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/javanstorm/rvhost/internal/bus"
	"github.com/javanstorm/rvhost/internal/device"
	"github.com/javanstorm/rvhost/internal/testutil"
	"github.com/javanstorm/rvhost/pkg/hart"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testRAMBase    = 0x1000
	testRAMSize    = 0x1000
	testSysconBase = 0x2000
	testTimerBase  = 0x3000
	testConsole    = 0x4000
	testTimerIRQ   = 7
	testConsoleIRQ = 10
)

func sysconSpec() device.Spec {
	return device.Spec{Name: "syscon", Driver: "syscon", Base: testSysconBase, IRQ: device.NoIRQ}
}

func timerSpec(threshold uint64) device.Spec {
	return device.Spec{
		Name:    "timer",
		Driver:  "timer",
		Base:    testTimerBase,
		IRQ:     testTimerIRQ,
		Options: map[string]any{"threshold": threshold, "periodic": true},
	}
}

func consoleSpec() device.Spec {
	return device.Spec{Name: "console", Driver: "console", Base: testConsole, IRQ: testConsoleIRQ}
}

func newTestMachine(t *testing.T, core hart.Core, out *bytes.Buffer, specs ...device.Spec) *Machine {
	t.Helper()
	cfg := Config{
		Name:    "test",
		RAMBase: testRAMBase,
		RAMSize: testRAMSize,
		Devices: specs,
		Logger:  testutil.NewTestLogger(t),
	}
	if out != nil {
		cfg.ConsoleOut = out
	}
	m, err := New(cfg, core)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func runAsync(ctx context.Context, m *Machine) <-chan error {
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not return")
		return nil
	}
}

func TestLifecycleTransitions(t *testing.T) {
	m := newTestMachine(t, testutil.NewScriptCore(1), nil)
	require.Equal(t, StateCreated, m.State())

	require.ErrorIs(t, m.Run(context.Background()), ErrNotStarted)
	require.ErrorIs(t, m.Resume(), ErrInvalidTransition)
	require.ErrorIs(t, m.RequestPause(), ErrInvalidTransition)

	require.NoError(t, m.Start())
	require.Equal(t, StateRunning, m.State())
	require.ErrorIs(t, m.Start(), ErrInvalidTransition)
	require.Equal(t, StateRunning, m.State())

	// Without a run loop, pause and resume take effect immediately.
	require.NoError(t, m.Pause(context.Background()))
	require.Equal(t, StatePaused, m.State())
	require.NoError(t, m.Pause(context.Background()))
	require.NoError(t, m.Resume())
	require.Equal(t, StateRunning, m.State())

	require.NoError(t, m.Shutdown(context.Background()))
	require.Equal(t, StateHalted, m.State())

	// Halted is terminal and repeated shutdown is a no-op.
	require.NoError(t, m.Shutdown(context.Background()))
	require.ErrorIs(t, m.Start(), ErrInvalidTransition)
	require.ErrorIs(t, m.Resume(), ErrInvalidTransition)
	require.ErrorIs(t, m.Pause(context.Background()), ErrInvalidTransition)
	require.ErrorIs(t, m.Reset(context.Background()), ErrInvalidTransition)
	require.Equal(t, StateHalted, m.State())
	require.NoError(t, m.Run(context.Background()))
}

func TestCreatedToHalted(t *testing.T) {
	m := newTestMachine(t, testutil.NewScriptCore(1), nil)
	require.NoError(t, m.Shutdown(context.Background()))
	require.Equal(t, StateHalted, m.State())
}

func TestConfigureOnlyWhenCreated(t *testing.T) {
	m := newTestMachine(t, testutil.NewScriptCore(1), nil)
	require.NoError(t, m.Start())

	require.ErrorIs(t, m.AddRAM("extra", 0x10000, 0x1000), ErrConfigured)
	require.ErrorIs(t, m.AddDevice(sysconSpec()), ErrConfigured)
	require.ErrorIs(t, m.LoadImage("fw", []byte{1}, testRAMBase), ErrConfigured)
}

func TestRunHaltsCleanly(t *testing.T) {
	core := testutil.NewScriptCore(10)
	core.HaltAt = 3
	m := newTestMachine(t, core, nil)

	require.NoError(t, m.Start())
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, StateHalted, m.State())

	stats := m.Stats()
	require.Equal(t, uint64(3), stats.Steps)
	require.Equal(t, uint64(30), stats.Cycles)
	require.Equal(t, "halted", stats.State)
	require.Empty(t, stats.Fault)
}

func TestUnmappedAccessFaults(t *testing.T) {
	core := testutil.NewScriptCore(1, []testutil.Op{testutil.Read(0x9000, 4)})
	m := newTestMachine(t, core, nil)

	require.NoError(t, m.Start())
	err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrFaulted)

	var af *bus.AccessFault
	require.ErrorAs(t, err, &af)
	require.Equal(t, uint64(0x9000), af.Addr)
	require.Equal(t, bus.OpRead, af.Op)

	require.Equal(t, StateFaulted, m.State())
	require.ErrorAs(t, m.Fault(), &af)
	require.Equal(t, 1, core.Steps())

	// Faulted is terminal.
	require.ErrorIs(t, m.Run(context.Background()), ErrFaulted)
	require.ErrorIs(t, m.Start(), ErrInvalidTransition)
	require.ErrorIs(t, m.Shutdown(context.Background()), ErrFaulted)
	require.Equal(t, StateFaulted, m.State())
	require.NotEmpty(t, m.Stats().Fault)
}

func TestAlignmentFaultAtRegionEnd(t *testing.T) {
	core := testutil.NewScriptCore(1, []testutil.Op{testutil.Read(testRAMBase+testRAMSize-2, 4)})
	m := newTestMachine(t, core, nil)

	require.NoError(t, m.Start())
	err := m.Run(context.Background())

	var align *bus.AlignmentFault
	require.ErrorAs(t, err, &align)
	require.Equal(t, StateFaulted, m.State())
}

func TestTrappingCoreContinues(t *testing.T) {
	core := testutil.NewScriptCore(1, []testutil.Op{testutil.Read(0x9000, 4)})
	core.Traps = true
	core.HaltAt = 2
	m := newTestMachine(t, core, nil)

	require.NoError(t, m.Start())
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, StateHalted, m.State())
	require.Equal(t, uint64(1), m.Stats().Traps)

	errs := core.Errors()
	require.Len(t, errs, 1)
	require.True(t, bus.IsFault(errs[0]))
}

func TestCoreErrorFaults(t *testing.T) {
	core := testutil.NewScriptCore(1)
	core.FailAt = 2
	m := newTestMachine(t, core, nil)

	require.NoError(t, m.Start())
	err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrFaulted)
	require.ErrorIs(t, err, testutil.ErrScripted)
	require.Equal(t, uint64(2), m.Stats().Steps)
}

func TestPauseWaitsForStepBoundary(t *testing.T) {
	core := testutil.NewScriptCore(1)
	core.Entered = make(chan struct{})
	core.Release = make(chan struct{})
	m := newTestMachine(t, core, nil)

	require.NoError(t, m.Start())
	done := runAsync(context.Background(), m)

	<-core.Entered

	paused := make(chan error, 1)
	go func() { paused <- m.Pause(context.Background()) }()
	require.Eventually(t, m.pauseReq.Load, time.Second, time.Millisecond)

	select {
	case err := <-paused:
		t.Fatalf("pause returned mid-step: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, StateRunning, m.State())

	core.Release <- struct{}{}
	require.NoError(t, <-paused)
	require.Equal(t, StatePaused, m.State())
	require.Equal(t, 1, core.Steps())

	require.NoError(t, m.Resume())
	<-core.Entered

	stopped := make(chan error, 1)
	go func() { stopped <- m.Shutdown(context.Background()) }()
	require.Eventually(t, m.shutdownReq.Load, time.Second, time.Millisecond)
	core.Release <- struct{}{}

	require.NoError(t, <-stopped)
	require.NoError(t, waitRun(t, done))
	require.Equal(t, StateHalted, m.State())
	require.Equal(t, 2, core.Steps())
}

func TestPausedMachineDoesNotStep(t *testing.T) {
	m := newTestMachine(t, testutil.NewScriptCore(1), nil)
	require.NoError(t, m.Start())
	done := runAsync(context.Background(), m)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Pause(context.Background()))
		before := m.Stats().Steps
		time.Sleep(5 * time.Millisecond)
		require.Equal(t, before, m.Stats().Steps)
		require.NoError(t, m.Resume())
	}

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, waitRun(t, done))
}

func TestCancelledPauseReturns(t *testing.T) {
	core := testutil.NewScriptCore(1)
	core.Entered = make(chan struct{})
	core.Release = make(chan struct{})
	m := newTestMachine(t, core, nil)

	require.NoError(t, m.Start())
	done := runAsync(context.Background(), m)
	<-core.Entered

	paused := make(chan error, 1)
	go func() { paused <- m.Pause(context.Background()) }()
	require.Eventually(t, m.pauseReq.Load, time.Second, time.Millisecond)
	require.NoError(t, m.Resume())

	require.ErrorIs(t, <-paused, ErrInvalidTransition)
	require.Equal(t, StateRunning, m.State())

	stopped := make(chan error, 1)
	go func() { stopped <- m.Shutdown(context.Background()) }()
	require.Eventually(t, m.shutdownReq.Load, time.Second, time.Millisecond)
	core.Release <- struct{}{}
	require.NoError(t, <-stopped)
	require.NoError(t, waitRun(t, done))
}

func TestShutdownWhileRunning(t *testing.T) {
	m := newTestMachine(t, testutil.NewScriptCore(10), nil)
	require.NoError(t, m.Start())
	done := runAsync(context.Background(), m)

	_, err := m.Await(context.Background(), StateRunning)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Stats().Steps > 0 }, time.Second, time.Millisecond)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, waitRun(t, done))
	require.Equal(t, StateHalted, m.State())
}

func TestShutdownFromPaused(t *testing.T) {
	m := newTestMachine(t, testutil.NewScriptCore(1), nil)
	require.NoError(t, m.Start())
	done := runAsync(context.Background(), m)

	require.NoError(t, m.Pause(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, waitRun(t, done))
	require.Equal(t, StateHalted, m.State())
}

func TestSecondRunRejected(t *testing.T) {
	core := testutil.NewScriptCore(1)
	core.Entered = make(chan struct{})
	core.Release = make(chan struct{})
	m := newTestMachine(t, core, nil)

	require.NoError(t, m.Start())
	done := runAsync(context.Background(), m)
	<-core.Entered

	require.ErrorIs(t, m.Run(context.Background()), ErrAlreadyRunning)
	require.ErrorIs(t, m.Close(), ErrAlreadyRunning)

	stopped := make(chan error, 1)
	go func() { stopped <- m.Shutdown(context.Background()) }()
	require.Eventually(t, m.shutdownReq.Load, time.Second, time.Millisecond)
	core.Release <- struct{}{}
	require.NoError(t, <-stopped)
	require.NoError(t, waitRun(t, done))
}

func TestRunContextCancel(t *testing.T) {
	m := newTestMachine(t, testutil.NewScriptCore(1), nil)
	require.NoError(t, m.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, m)
	require.Eventually(t, func() bool { return m.Stats().Steps > 0 }, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, waitRun(t, done), context.Canceled)
	require.Equal(t, StateRunning, m.State())

	require.NoError(t, m.Shutdown(context.Background()))
	require.Equal(t, StateHalted, m.State())
}

func TestResetReloadsImages(t *testing.T) {
	core := testutil.NewScriptCore(1)
	m := newTestMachine(t, core, nil)

	require.NoError(t, m.LoadImage("firmware", []byte{1, 2, 3, 4}, testRAMBase))
	require.NoError(t, m.Start())

	require.NoError(t, m.Bus().Write(testRAMBase, 4, 0xdeadbeef))
	require.NoError(t, m.Bus().Write(testRAMBase+0x100, 8, 42))
	require.NoError(t, m.Interrupts().Raise(3))

	require.NoError(t, m.Reset(context.Background()))
	require.Equal(t, StateRunning, m.State())

	v, err := m.Bus().Read(testRAMBase, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x04030201), v)

	v, err = m.Bus().Read(testRAMBase+0x100, 8)
	require.NoError(t, err)
	require.Zero(t, v)

	require.Zero(t, m.Interrupts().PendingMask())
	require.Equal(t, 1, core.Resets())
	require.Len(t, core.Loads(), 2)
	require.Equal(t, uint64(1), m.Stats().Resets)
}

func TestResetWhileRunning(t *testing.T) {
	core := testutil.NewScriptCore(1)
	m := newTestMachine(t, core, nil)
	require.NoError(t, m.Start())
	done := runAsync(context.Background(), m)

	require.Eventually(t, func() bool { return core.Steps() > 3 }, time.Second, time.Millisecond)
	require.NoError(t, m.Reset(context.Background()))
	require.Equal(t, 1, core.Resets())
	require.Equal(t, StateRunning, m.State())

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, waitRun(t, done))
}

func TestLoadImageErrors(t *testing.T) {
	m := newTestMachine(t, testutil.NewScriptCore(1), nil, sysconSpec())

	tests := []struct {
		name string
		data []byte
		addr uint64
	}{
		{"empty", nil, testRAMBase},
		{"unmapped", []byte{1}, 0x9000},
		{"device", []byte{1}, testSysconBase},
		{"too large", make([]byte, testRAMSize), testRAMBase + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.LoadImage("img", tt.data, tt.addr)
			var le *ImageLoadError
			require.ErrorAs(t, err, &le)
			require.Equal(t, "img", le.Image)
			require.Equal(t, tt.addr, le.Addr)
		})
	}
	require.Equal(t, StateCreated, m.State())
	require.NoError(t, m.LoadImage("img", make([]byte, testRAMSize), testRAMBase))
}

func TestGuestPowerOff(t *testing.T) {
	core := testutil.NewScriptCore(1,
		[]testutil.Op{testutil.Write(testSysconBase, 4, device.SysconPowerOff)},
	)
	m := newTestMachine(t, core, nil, sysconSpec())

	require.NoError(t, m.Start())
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, StateHalted, m.State())
	require.Equal(t, 1, core.Steps())
}

func TestGuestFailure(t *testing.T) {
	core := testutil.NewScriptCore(1,
		[]testutil.Op{testutil.Write(testSysconBase, 4, device.SysconFail|7<<16)},
	)
	m := newTestMachine(t, core, nil, sysconSpec())

	require.NoError(t, m.Start())
	err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrGuestFailure)
	require.ErrorContains(t, err, "exit code 7")
	require.Equal(t, StateFaulted, m.State())
}

func TestGuestReboot(t *testing.T) {
	core := testutil.NewScriptCore(1,
		[]testutil.Op{testutil.Write(testSysconBase, 4, device.SysconReboot)},
	)
	m := newTestMachine(t, core, nil, sysconSpec())
	require.NoError(t, m.Start())
	done := runAsync(context.Background(), m)

	// The script restarts after every reset, so the guest keeps rebooting.
	require.Eventually(t, func() bool { return m.Stats().Resets >= 2 }, time.Second, time.Millisecond)
	require.Equal(t, StateRunning, m.State())

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, waitRun(t, done))
}

func TestTimerInterruptDelivery(t *testing.T) {
	core := testutil.NewScriptCore(50)
	core.AckPending = true
	core.HaltAt = 5
	m := newTestMachine(t, core, nil, timerSpec(100))

	require.NoError(t, m.Start())
	require.NoError(t, m.Run(context.Background()))

	line := uint64(1) << testTimerIRQ
	require.Equal(t, []uint64{0, 0, line, 0, line}, core.Delivered())

	dev, ok := m.Device("timer")
	require.True(t, ok)
	require.Equal(t, uint64(2), dev.(*device.Timer).Fires())

	stats := m.Stats()
	require.Equal(t, uint64(2), stats.InterruptsRaised)
	require.Zero(t, stats.Pending)
}

func TestMaskedInterruptsStayPending(t *testing.T) {
	core := testutil.NewScriptCore(50)
	core.AckPending = true
	core.HaltAt = 4
	core.MaskInterrupts(true)
	m := newTestMachine(t, core, nil, timerSpec(100))

	require.NoError(t, m.Start())
	require.NoError(t, m.Run(context.Background()))

	require.Empty(t, core.Delivered())
	require.True(t, m.Interrupts().Pending(testTimerIRQ))
	require.Equal(t, uint64(1), m.Stats().InterruptsRaised)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("sink closed")
}

func TestConsoleOutput(t *testing.T) {
	var out bytes.Buffer
	core := testutil.NewScriptCore(1,
		[]testutil.Op{testutil.Write(testConsole+device.ConsoleData, 1, 'o')},
		[]testutil.Op{testutil.Write(testConsole+device.ConsoleData, 1, 'k')},
	)
	core.HaltAt = 2
	m := newTestMachine(t, core, &out, consoleSpec())

	require.NoError(t, m.Start())
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, "ok", out.String())
	require.NotNil(t, m.Console())
}

func TestDeviceFailureDegrades(t *testing.T) {
	core := testutil.NewScriptCore(1,
		[]testutil.Op{testutil.Write(testConsole+device.ConsoleData, 1, 'a')},
		[]testutil.Op{testutil.Write(testConsole+device.ConsoleData, 1, 'b')},
	)
	core.HaltAt = 3

	m, err := New(Config{
		Name:       "degraded",
		RAMBase:    testRAMBase,
		RAMSize:    testRAMSize,
		Devices:    []device.Spec{consoleSpec()},
		ConsoleOut: failingWriter{},
		Logger:     testutil.NewTestLogger(t),
	}, core)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Start())
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, StateHalted, m.State())

	stats := m.Stats()
	require.Equal(t, uint64(1), stats.DeviceErrors)
	require.Equal(t, []string{"console"}, stats.Degraded)
	for _, err := range core.Errors() {
		require.NoError(t, err)
	}
}

func TestNewRejectsBadDevices(t *testing.T) {
	_, err := New(Config{
		RAMBase: testRAMBase,
		RAMSize: testRAMSize,
		Devices: []device.Spec{{Name: "clash", Driver: "syscon", Base: testRAMBase + 0x800, IRQ: device.NoIRQ}},
	}, testutil.NewScriptCore(1))
	var oe *bus.OverlapError
	require.ErrorAs(t, err, &oe)

	_, err = New(Config{Devices: []device.Spec{{Driver: "nope"}}}, testutil.NewScriptCore(1))
	require.ErrorIs(t, err, device.ErrUnknownDriver)
}

func TestAwaitHonorsContext(t *testing.T) {
	m := newTestMachine(t, testutil.NewScriptCore(1), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Await(ctx, StateHalted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlockDMAReachesOnlyRAM(t *testing.T) {
	const blockBase = 0x5000
	rootfs := make([]byte, 2*device.SectorSize)
	copy(rootfs, "sector zero")

	readInto := func(buffer uint64) []testutil.Op {
		return []testutil.Op{
			testutil.Write(blockBase+device.BlockSector, 8, 0),
			testutil.Write(blockBase+device.BlockBuffer, 8, buffer),
			testutil.Write(blockBase+device.BlockCount, 4, 1),
			testutil.Write(blockBase+device.BlockCommand, 4, device.BlockCmdRead),
			testutil.Read(blockBase+device.BlockStatus, 4),
		}
	}
	core := testutil.NewScriptCore(1,
		readInto(blockBase),     // the block's own registers
		readInto(testConsole),   // another device
		readInto(testRAMBase+8), // RAM
	)
	core.HaltAt = 3

	m, err := New(Config{
		Name:    "dma",
		RAMBase: testRAMBase,
		RAMSize: testRAMSize,
		Rootfs:  rootfs,
		Devices: []device.Spec{
			consoleSpec(),
			{Name: "block", Driver: "block", Base: blockBase, IRQ: 1},
		},
		Logger: testutil.NewTestLogger(t),
	}, core)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	require.NoError(t, m.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, waitRun(t, runAsync(ctx, m)))
	require.Equal(t, StateHalted, m.State())

	values := core.Values()
	require.Len(t, values, 15)
	require.Equal(t, uint64(device.BlockDMAError), values[4])
	require.Equal(t, uint64(device.BlockDMAError), values[9])
	require.Equal(t, uint64(device.BlockOK), values[14])

	ram, _ := m.Bus().Lookup(testRAMBase)
	got := ram.Owner.(*bus.RAM).Bytes()[8 : 8+len("sector zero")]
	require.Equal(t, "sector zero", string(got))
}
