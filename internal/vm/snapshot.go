package vm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/javanstorm/rvhost/internal/bus"
	"github.com/javanstorm/rvhost/internal/device"
	"github.com/javanstorm/rvhost/pkg/hart"
)

// SnapshotFormat tags the snapshot stream layout.
const SnapshotFormat = "rvhost-snapshot/v1"

// Snapshot stream, zstd compressed:
//
//	line 1: SnapshotFormat
//	line 2: JSON manifest
//	then:   raw contents of every RAM region, in region order

type snapshotRegion struct {
	Name string `json:"name"`
	Base uint64 `json:"base"`
	Size uint64 `json:"size"`
	RAM  bool   `json:"ram"`
}

type snapshotManifest struct {
	Machine string                     `json:"machine"`
	Core    string                     `json:"core"`
	Regions []snapshotRegion           `json:"regions"`
	Devices map[string]json.RawMessage `json:"devices"`
	CPU     json.RawMessage            `json:"cpu,omitempty"`
	Pending uint64                     `json:"pending"`
	Steps   uint64                     `json:"steps"`
	Cycles  uint64                     `json:"cycles"`
}

func snapshotState(s State) bool {
	return s == StateCreated || s == StatePaused
}

// Snapshot writes the machine state to w. The machine must be Created or
// Paused, and stays locked against resume while the snapshot is taken.
func (m *Machine) Snapshot(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !snapshotState(m.state) {
		return fmt.Errorf("%w (state %s)", ErrSnapshotState, m.state)
	}

	regions := m.bus.Regions()
	man := snapshotManifest{
		Machine: m.cfg.Name,
		Core:    m.core.Info().Name,
		Devices: make(map[string]json.RawMessage),
		Pending: m.intc.PendingMask(),
		Steps:   m.steps.Load(),
		Cycles:  m.cycles.Load(),
	}
	var rams []*bus.RAM
	for _, r := range regions {
		ram, isRAM := r.Owner.(*bus.RAM)
		man.Regions = append(man.Regions, snapshotRegion{Name: r.Name, Base: r.Base, Size: r.Size, RAM: isRAM})
		if isRAM {
			rams = append(rams, ram)
			continue
		}
		if st, ok := r.Owner.(device.Stater); ok {
			data, err := st.SaveState()
			if err != nil {
				return fmt.Errorf("save %s state: %w", r.Name, err)
			}
			man.Devices[r.Name] = data
		}
	}
	if st, ok := m.core.(hart.Stater); ok {
		data, err := st.SaveState()
		if err != nil {
			return fmt.Errorf("save core state: %w", err)
		}
		man.CPU = data
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := writeSnapshot(enc, &man, rams); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish snapshot: %w", err)
	}
	return nil
}

func writeSnapshot(w io.Writer, man *snapshotManifest, rams []*bus.RAM) error {
	header, err := json.Marshal(man)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := io.WriteString(w, SnapshotFormat+"\n"); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	for _, ram := range rams {
		if _, err := w.Write(ram.Bytes()); err != nil {
			return fmt.Errorf("write %s: %w", ram.Name(), err)
		}
	}
	return nil
}

// Restore loads a snapshot taken from a machine with the same region
// layout. The machine must be Created or Paused.
func (m *Machine) Restore(r io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !snapshotState(m.state) {
		return fmt.Errorf("%w (state %s)", ErrSnapshotState, m.state)
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	tag, err := br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	if tag != SnapshotFormat+"\n" {
		return fmt.Errorf("%w: %q", ErrSnapshotFormat, tag)
	}
	line, err := br.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read snapshot manifest: %w", err)
	}
	var man snapshotManifest
	if err := json.Unmarshal(line, &man); err != nil {
		return fmt.Errorf("parse snapshot manifest: %w", err)
	}

	regions := m.bus.Regions()
	if len(regions) != len(man.Regions) {
		return fmt.Errorf("%w: %d regions, machine has %d", ErrSnapshotMismatch, len(man.Regions), len(regions))
	}
	for i, r := range regions {
		want := man.Regions[i]
		_, isRAM := r.Owner.(*bus.RAM)
		if r.Name != want.Name || r.Base != want.Base || r.Size != want.Size || isRAM != want.RAM {
			return fmt.Errorf("%w: region %s", ErrSnapshotMismatch, r)
		}
	}
	if man.Core != m.core.Info().Name {
		return fmt.Errorf("%w: core %q, machine has %q", ErrSnapshotMismatch, man.Core, m.core.Info().Name)
	}

	// Stage every RAM payload before touching the machine so a short
	// stream leaves it as it was.
	var rams []*bus.RAM
	var payloads [][]byte
	for _, r := range regions {
		ram, ok := r.Owner.(*bus.RAM)
		if !ok {
			continue
		}
		buf := make([]byte, ram.Size())
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("read %s: %w", r.Name, err)
		}
		rams = append(rams, ram)
		payloads = append(payloads, buf)
	}

	undo, err := m.loadStates(regions, &man)
	if err != nil {
		undo()
		return err
	}
	for i, ram := range rams {
		copy(ram.Bytes(), payloads[i])
	}
	m.intc.Restore(man.Pending)
	m.steps.Store(man.Steps)
	m.cycles.Store(man.Cycles)
	return nil
}

// loadStates loads device and core state from man. The returned func puts
// back the state every touched component had before.
func (m *Machine) loadStates(regions []bus.Region, man *snapshotManifest) (func(), error) {
	type saved struct {
		name string
		load func([]byte) error
		data []byte
	}
	var done []saved
	undo := func() {
		for i := len(done) - 1; i >= 0; i-- {
			if err := done[i].load(done[i].data); err != nil {
				m.log.Error("roll back state", zap.String("region", done[i].name), zap.Error(err))
			}
		}
	}
	load := func(name string, save func() ([]byte, error), restore func([]byte) error, data []byte) error {
		prev, err := save()
		if err != nil {
			return fmt.Errorf("save %s state: %w", name, err)
		}
		done = append(done, saved{name: name, load: restore, data: prev})
		if err := restore(data); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
		return nil
	}

	for _, r := range regions {
		data, ok := man.Devices[r.Name]
		if !ok {
			continue
		}
		st, ok := r.Owner.(device.Stater)
		if !ok {
			continue
		}
		if err := load(r.Name, st.SaveState, st.LoadState, data); err != nil {
			return undo, err
		}
	}
	if st, ok := m.core.(hart.Stater); ok && man.CPU != nil {
		if err := load("core", st.SaveState, st.LoadState, man.CPU); err != nil {
			return undo, err
		}
	}
	return undo, nil
}
