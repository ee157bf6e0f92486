// Package vm is the machine orchestrator. A Machine owns a CPU core, the
// bus and devices it is wired to, and the interrupt controller, and
// drives them from a single run loop that honors lifecycle requests only
// at step boundaries.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/javanstorm/rvhost/internal/bus"
	"github.com/javanstorm/rvhost/internal/device"
	"github.com/javanstorm/rvhost/internal/intc"
	"github.com/javanstorm/rvhost/pkg/hart"
)

// Config describes a machine.
type Config struct {
	// Name identifies the machine in logs and snapshots.
	Name string

	// RAMBase and RAMSize place main memory. RAMSize zero maps no RAM.
	RAMBase uint64
	RAMSize uint64

	// FrequencyHz paces the loop to wall time. Zero runs unpaced.
	FrequencyHz uint64

	// Devices are built and mapped in order.
	Devices []device.Spec

	// Rootfs backs block devices without a file.
	Rootfs []byte

	// ConsoleOut receives console output.
	ConsoleOut io.Writer

	// Clock is handed to devices that read wall time.
	Clock func() time.Time

	Logger *zap.Logger
}

type bootImage struct {
	name string
	data []byte
	addr uint64
}

// Machine is one virtual machine. All exported methods are safe for
// concurrent use; Run must be called from a single goroutine.
type Machine struct {
	cfg  Config
	log  *zap.Logger
	bus  *bus.Bus
	intc *intc.Controller
	core hart.Core
	caps hart.Capabilities
	mem  *stepMemory

	ram     []*bus.RAM
	devices []device.Device
	byName  map[string]device.Device
	tickers []device.Ticker
	images  []bootImage

	mu       sync.Mutex
	state    State
	changed  chan struct{}
	looping  bool
	fault    error
	degraded map[string]error
	resetGen uint64

	pauseReq    atomic.Bool
	shutdownReq atomic.Bool
	resetReq    atomic.Bool
	failReq     atomic.Bool
	failCode    atomic.Uint32
	wake        chan struct{}

	steps        atomic.Uint64
	cycles       atomic.Uint64
	traps        atomic.Uint64
	deviceErrors atomic.Uint64
	resets       atomic.Uint64

	pace pacer
}

// New creates a machine in the Created state, attaches core to its bus
// and maps RAM and the configured devices.
func New(cfg Config, core hart.Core) (*Machine, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Name != "" {
		log = log.With(zap.String("vm", cfg.Name))
	}

	m := &Machine{
		cfg:      cfg,
		log:      log,
		bus:      bus.New(),
		intc:     intc.New(),
		core:     core,
		caps:     core.Capabilities(),
		byName:   make(map[string]device.Device),
		state:    StateCreated,
		changed:  make(chan struct{}),
		degraded: make(map[string]error),
		wake:     make(chan struct{}, 1),
		pace:     newPacer(cfg.FrequencyHz),
	}
	m.mem = &stepMemory{bus: m.bus, m: m}

	if err := core.Attach(m.mem); err != nil {
		return nil, fmt.Errorf("attach core: %w", err)
	}
	if cfg.RAMSize > 0 {
		if err := m.AddRAM("ram", cfg.RAMBase, cfg.RAMSize); err != nil {
			return nil, err
		}
	}
	for _, spec := range cfg.Devices {
		if err := m.AddDevice(spec); err != nil {
			m.closeDevices()
			return nil, err
		}
	}
	return m, nil
}

func (m *Machine) configurable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCreated {
		return fmt.Errorf("%w (state %s)", ErrConfigured, m.state)
	}
	return nil
}

// AddRAM maps size bytes of memory at base.
func (m *Machine) AddRAM(name string, base, size uint64) error {
	if err := m.configurable(); err != nil {
		return err
	}
	ram := bus.NewRAM(name, size)
	if err := m.bus.Map(bus.Region{Name: name, Base: base, Size: size, Owner: ram}); err != nil {
		return fmt.Errorf("map ram: %w", err)
	}
	m.ram = append(m.ram, ram)
	return nil
}

// Map adds a region owned by an already built device.
func (m *Machine) Map(r bus.Region) error {
	if err := m.configurable(); err != nil {
		return err
	}
	if _, dup := m.byName[r.Name]; dup {
		return fmt.Errorf("map %s: duplicate device name", r.Name)
	}
	if err := m.bus.Map(r); err != nil {
		return err
	}
	if ram, ok := r.Owner.(*bus.RAM); ok {
		m.ram = append(m.ram, ram)
		return nil
	}
	m.devices = append(m.devices, r.Owner)
	m.byName[r.Name] = r.Owner
	if t, ok := r.Owner.(device.Ticker); ok {
		m.tickers = append(m.tickers, t)
	}
	return nil
}

// AddDevice builds spec with its registered driver and maps it.
func (m *Machine) AddDevice(spec device.Spec) error {
	if err := m.configurable(); err != nil {
		return err
	}
	env := device.Env{
		Memory:     m.bus.RAMOnly(),
		Interrupts: m.intc,
		Power:      power{m},
		ConsoleOut: m.cfg.ConsoleOut,
		Rootfs:     m.cfg.Rootfs,
		Clock:      m.cfg.Clock,
		Logger:     m.log,
	}
	dev, spec, err := device.Build(spec, env)
	if err != nil {
		return err
	}
	if err := m.Map(bus.Region{Name: spec.Name, Base: spec.Base, Size: spec.Size, Owner: dev}); err != nil {
		if c, ok := dev.(io.Closer); ok {
			c.Close()
		}
		return fmt.Errorf("add device %s: %w", spec.Name, err)
	}
	m.log.Debug("device mapped",
		zap.String("device", spec.Name),
		zap.String("driver", spec.Driver),
		zap.Uint64("base", spec.Base),
		zap.Uint64("size", spec.Size),
		zap.Int("irq", spec.IRQ))
	return nil
}

// LoadImage places data at addr through the core and remembers it so a
// reset can reload it. The image must fit entirely inside one RAM region.
func (m *Machine) LoadImage(name string, data []byte, addr uint64) error {
	if err := m.configurable(); err != nil {
		return err
	}
	fail := func(err error) error {
		return &ImageLoadError{Image: name, Addr: addr, Size: len(data), Err: err}
	}
	if len(data) == 0 {
		return fail(errors.New("empty image"))
	}
	r, ok := m.bus.Lookup(addr)
	if !ok {
		return fail(errors.New("address not mapped"))
	}
	if _, isRAM := r.Owner.(*bus.RAM); !isRAM {
		return fail(fmt.Errorf("address inside device %s", r.Name))
	}
	if uint64(len(data)) > r.End()-addr {
		return fail(fmt.Errorf("image does not fit in %s", r))
	}
	if err := m.core.LoadImage(data, addr); err != nil {
		return fail(err)
	}
	m.mem.fault = nil
	m.images = append(m.images, bootImage{name: name, data: data, addr: addr})
	m.log.Info("image loaded", zap.String("image", name), zap.Int("size", len(data)), zap.Uint64("addr", addr))
	return nil
}

// Start moves the machine from Created to Running. From any other state
// it fails with ErrInvalidTransition and changes nothing.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCreated {
		return transitionError(m.state, StateRunning)
	}
	m.setState(StateRunning)
	return nil
}

// Run drives the core until the machine halts, faults or ctx is done.
// It returns nil on a clean halt, an error wrapping ErrFaulted on a
// fault, and ctx.Err() on cancellation, leaving the state unchanged.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateCreated:
		m.mu.Unlock()
		return ErrNotStarted
	case StateHalted:
		m.mu.Unlock()
		return nil
	case StateFaulted:
		err := m.fault
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrFaulted, err)
	}
	if m.looping {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.looping = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.looping = false
		m.notify()
		m.mu.Unlock()
	}()

	m.pace.restart()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.shutdownReq.Load() {
			m.transition(StateHalted)
			return nil
		}
		if m.resetReq.Load() {
			if err := m.reset(); err != nil {
				return m.fail(err)
			}
			continue
		}
		if m.pauseReq.Load() {
			m.enterPause()
			select {
			case <-m.wake:
			case <-ctx.Done():
				return ctx.Err()
			}
			m.pace.restart()
			continue
		}

		cycles, halted, err := m.step()
		if err != nil {
			return m.fail(err)
		}
		if halted {
			m.transition(StateHalted)
			return nil
		}
		m.pace.advance(cycles)
	}
}

// step runs one core step and everything that happens at its boundary.
func (m *Machine) step() (uint64, bool, error) {
	if m.core.InterruptsEnabled() {
		m.core.SetInterruptPending(m.intc.PendingMask())
	}

	m.mem.fault = nil
	res := m.core.Step()
	fault := m.mem.fault
	m.mem.fault = nil

	if res.Ack != 0 {
		m.intc.AcknowledgeMask(res.Ack)
	}
	m.steps.Add(1)
	m.cycles.Add(res.Cycles)

	if res.Err != nil {
		return res.Cycles, false, fmt.Errorf("core step: %w", res.Err)
	}
	if fault != nil {
		if !m.caps.Traps || !res.Trapped {
			return res.Cycles, false, fault
		}
		m.traps.Add(1)
	}

	for _, t := range m.tickers {
		t.Tick(res.Cycles)
	}
	if m.failReq.Load() {
		return res.Cycles, false, fmt.Errorf("%w: exit code %d", ErrGuestFailure, m.failCode.Load())
	}
	return res.Cycles, res.Halted, nil
}

// reset returns the core, RAM and devices to power-on state and reloads
// the boot images.
func (m *Machine) reset() error {
	m.resetReq.Store(false)

	m.core.Reset()
	for _, r := range m.ram {
		r.Reset()
	}
	for _, d := range m.devices {
		if r, ok := d.(device.Resetter); ok {
			r.Reset()
		}
	}
	m.intc.Reset()
	for _, img := range m.images {
		if err := m.core.LoadImage(img.data, img.addr); err != nil {
			return &ImageLoadError{Image: img.name, Addr: img.addr, Size: len(img.data), Err: err}
		}
	}
	m.mem.fault = nil
	m.resets.Add(1)

	m.mu.Lock()
	m.resetGen++
	m.notify()
	m.mu.Unlock()

	m.log.Info("machine reset", zap.Uint64("resets", m.resets.Load()))
	return nil
}

// fail moves the machine to Faulted and reports err once.
func (m *Machine) fail(err error) error {
	m.mu.Lock()
	if !m.state.Terminal() {
		m.fault = err
		m.setState(StateFaulted)
		m.log.Error("machine faulted",
			zap.Error(err),
			zap.Uint64("steps", m.steps.Load()),
			zap.Uint64("cycles", m.cycles.Load()))
	}
	m.mu.Unlock()
	return fmt.Errorf("%w: %w", ErrFaulted, err)
}

// degrade records a device failure. Each device is reported once.
func (m *Machine) degrade(de *device.Error) {
	m.deviceErrors.Add(1)

	m.mu.Lock()
	_, seen := m.degraded[de.Device]
	if !seen {
		m.degraded[de.Device] = de.Err
	}
	m.mu.Unlock()

	if !seen {
		m.log.Warn("device degraded", zap.String("device", de.Device), zap.Error(de.Err))
	}
}

func (m *Machine) enterPause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pauseReq.Load() && m.state == StateRunning {
		m.setState(StatePaused)
	}
}

func (m *Machine) transition(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if canTransition(m.state, to) {
		m.setState(to)
	}
}

// setState must be called with mu held.
func (m *Machine) setState(to State) {
	from := m.state
	m.state = to
	m.log.Info("state change", zap.Stringer("from", from), zap.Stringer("to", to))
	m.notify()
}

// notify must be called with mu held.
func (m *Machine) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Machine) wakeLoop() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// await blocks until cond, evaluated with mu held, returns true.
func (m *Machine) await(ctx context.Context, cond func() bool) error {
	for {
		m.mu.Lock()
		if cond() {
			m.mu.Unlock()
			return nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pause requests a pause and waits until the run loop parks at the next
// step boundary. A step in progress always completes first.
func (m *Machine) Pause(ctx context.Context) error {
	if err := m.RequestPause(); err != nil {
		return err
	}
	err := m.await(ctx, func() bool {
		if m.state != StateRunning {
			return true
		}
		if !m.looping {
			m.setState(StatePaused)
			return true
		}
		// A Resume cancelled the request before it took effect.
		return !m.pauseReq.Load()
	})
	if err != nil {
		return err
	}
	if s := m.State(); s != StatePaused {
		return transitionError(s, StatePaused)
	}
	return nil
}

// RequestPause asks the run loop to pause at the next step boundary
// without waiting for it.
func (m *Machine) RequestPause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StatePaused:
		return nil
	case StateRunning:
	default:
		return transitionError(m.state, StatePaused)
	}
	m.pauseReq.Store(true)
	if !m.looping {
		m.setState(StatePaused)
	}
	return nil
}

// Resume continues a paused machine. On a running machine it cancels a
// pause that has not taken effect yet.
func (m *Machine) Resume() error {
	m.mu.Lock()
	switch m.state {
	case StatePaused:
		m.pauseReq.Store(false)
		m.setState(StateRunning)
	case StateRunning:
		m.pauseReq.Store(false)
		m.notify()
	default:
		s := m.state
		m.mu.Unlock()
		return transitionError(s, StateRunning)
	}
	m.mu.Unlock()
	m.wakeLoop()
	return nil
}

// Shutdown halts the machine at the next step boundary and waits for it.
// It is a no-op on a halted machine and returns the fault on a faulted one.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateHalted:
		m.mu.Unlock()
		return nil
	case StateFaulted:
		err := m.fault
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrFaulted, err)
	}
	if !m.looping {
		m.setState(StateHalted)
		m.mu.Unlock()
		return nil
	}
	m.shutdownReq.Store(true)
	m.mu.Unlock()
	m.wakeLoop()

	err := m.await(ctx, func() bool {
		if m.state.Terminal() {
			return true
		}
		if !m.looping {
			m.setState(StateHalted)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	if f := m.Fault(); f != nil {
		return fmt.Errorf("%w: %w", ErrFaulted, f)
	}
	return nil
}

// Reset reboots the machine at the next step boundary: the core, RAM and
// devices return to power-on state and boot images are reloaded. The
// lifecycle state is kept.
func (m *Machine) Reset(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Terminal() {
		s := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot reset %s machine", ErrInvalidTransition, s)
	}
	if !m.looping {
		m.mu.Unlock()
		return m.reset()
	}
	gen := m.resetGen
	m.resetReq.Store(true)
	m.mu.Unlock()
	m.wakeLoop()

	err := m.await(ctx, func() bool {
		return m.resetGen > gen || m.state.Terminal() || !m.looping
	})
	if err != nil {
		return err
	}
	if f := m.Fault(); f != nil {
		return fmt.Errorf("%w: %w", ErrFaulted, f)
	}
	return nil
}

// Await blocks until the machine is in one of states.
func (m *Machine) Await(ctx context.Context, states ...State) (State, error) {
	var got State
	err := m.await(ctx, func() bool {
		for _, s := range states {
			if m.state == s {
				got = s
				return true
			}
		}
		return false
	})
	return got, err
}

// Close halts a machine that is not running and releases device
// resources. It fails while Run is active.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.looping {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if !m.state.Terminal() {
		m.setState(StateHalted)
	}
	m.mu.Unlock()
	return m.closeDevices()
}

func (m *Machine) closeDevices() error {
	var errs []error
	for _, d := range m.devices {
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", d.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fault returns the error that faulted the machine, or nil.
func (m *Machine) Fault() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault
}

// Name returns the configured machine name.
func (m *Machine) Name() string { return m.cfg.Name }

// Bus returns the machine's bus.
func (m *Machine) Bus() *bus.Bus { return m.bus }

// Interrupts returns the machine's interrupt controller.
func (m *Machine) Interrupts() *intc.Controller { return m.intc }

// Core returns the machine's core.
func (m *Machine) Core() hart.Core { return m.core }

// Device returns the device mapped under name.
func (m *Machine) Device(name string) (device.Device, bool) {
	d, ok := m.byName[name]
	return d, ok
}

// Console returns the first console device, or nil.
func (m *Machine) Console() *device.Console {
	for _, d := range m.devices {
		if c, ok := d.(*device.Console); ok {
			return c
		}
	}
	return nil
}

// Stats is a point-in-time view of a machine.
type Stats struct {
	Name             string   `json:"name"`
	State            string   `json:"state"`
	Core             string   `json:"core"`
	Steps            uint64   `json:"steps"`
	Cycles           uint64   `json:"cycles"`
	Traps            uint64   `json:"traps"`
	DeviceErrors     uint64   `json:"device_errors"`
	Resets           uint64   `json:"resets"`
	InterruptsRaised uint64   `json:"interrupts_raised"`
	Pending          uint64   `json:"pending"`
	Degraded         []string `json:"degraded,omitempty"`
	Fault            string   `json:"fault,omitempty"`
}

// Stats returns current counters.
func (m *Machine) Stats() Stats {
	s := Stats{
		Name:             m.cfg.Name,
		Core:             m.core.Info().Name,
		Steps:            m.steps.Load(),
		Cycles:           m.cycles.Load(),
		Traps:            m.traps.Load(),
		DeviceErrors:     m.deviceErrors.Load(),
		Resets:           m.resets.Load(),
		InterruptsRaised: m.intc.Raises(),
		Pending:          m.intc.PendingMask(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s.State = m.state.String()
	if m.fault != nil {
		s.Fault = m.fault.Error()
	}
	for name := range m.degraded {
		s.Degraded = append(s.Degraded, name)
	}
	return s
}

// power turns syscon requests into loop requests. It runs inside a step,
// so it only sets flags.
type power struct{ m *Machine }

func (p power) PowerOff() {
	p.m.log.Info("guest requested power-off")
	p.m.shutdownReq.Store(true)
}

func (p power) Reboot() {
	p.m.log.Info("guest requested reboot")
	p.m.resetReq.Store(true)
}

func (p power) Fail(code uint32) {
	p.m.failCode.Store(code)
	p.m.failReq.Store(true)
}
