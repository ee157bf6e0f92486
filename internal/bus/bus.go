// Package bus routes physical memory accesses to the device owning the
// address. Regions never overlap, every access reaches at most one owner,
// and the bus itself has no side effects.
package bus

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/javanstorm/rvhost/internal/device"
)

const (
	treeDegree       = 8
	defaultCacheSize = 256
)

// Bus is the machine's physical address space.
type Bus struct {
	mu      sync.RWMutex
	regions *btree.BTreeG[Region]

	// mmio memoizes address lookups that land outside RAM. Device
	// registers are hit repeatedly at a handful of addresses.
	mmio *lru.Cache[uint64, Region]
}

// New creates an empty bus.
func New() *Bus {
	cache, err := lru.New[uint64, Region](defaultCacheSize)
	if err != nil {
		panic(err)
	}
	return &Bus{
		regions: btree.NewG(treeDegree, lessRegion),
		mmio:    cache,
	}
}

// Map adds a region. It fails with *OverlapError if the region intersects
// an existing one.
func (b *Bus) Map(r Region) error {
	if r.Size == 0 || r.End() < r.Base || r.Owner == nil {
		return fmt.Errorf("map %s: %w", r, ErrInvalidRegion)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Regions are disjoint, so only the last region starting before r
	// ends can intersect it.
	var conflict *Region
	b.regions.DescendLessOrEqual(Region{Base: r.End() - 1}, func(e Region) bool {
		if e.Overlaps(r) {
			conflict = &e
		}
		return false
	})
	if conflict != nil {
		return &OverlapError{Region: r, Existing: *conflict}
	}

	b.regions.ReplaceOrInsert(r)
	b.mmio.Purge()
	return nil
}

// Unmap removes the region starting at base.
func (b *Bus) Unmap(base uint64) (Region, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.regions.Delete(Region{Base: base})
	if !ok {
		return Region{}, fmt.Errorf("%w %#x", ErrNoRegion, base)
	}
	b.mmio.Purge()
	return r, nil
}

// Lookup returns the region containing addr.
func (b *Bus) Lookup(addr uint64) (Region, bool) {
	if r, ok := b.mmio.Get(addr); ok {
		return r, true
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var found Region
	var ok bool
	b.regions.DescendLessOrEqual(Region{Base: addr}, func(e Region) bool {
		found, ok = e, e.Contains(addr)
		return false
	})
	if !ok {
		return Region{}, false
	}
	if _, isRAM := found.Owner.(*RAM); !isRAM {
		b.mmio.Add(addr, found)
	}
	return found, true
}

// Regions returns the mapped regions in address order.
func (b *Bus) Regions() []Region {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Region, 0, b.regions.Len())
	b.regions.Ascend(func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Devices returns the region owners in address order.
func (b *Bus) Devices() []device.Device {
	regions := b.Regions()
	out := make([]device.Device, len(regions))
	for i, r := range regions {
		out[i] = r.Owner
	}
	return out
}

func validWidth(width int) bool {
	switch width {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// route resolves an access to its owner and device-local offset.
func (b *Bus) route(op Op, addr uint64, width int) (Region, uint64, error) {
	if !validWidth(width) {
		return Region{}, 0, &AlignmentFault{Op: op, Addr: addr, Width: width}
	}
	r, ok := b.Lookup(addr)
	if !ok {
		return Region{}, 0, &AccessFault{Op: op, Addr: addr, Width: width}
	}
	off := addr - r.Base
	if off+uint64(width) > r.Size {
		return Region{}, 0, &AlignmentFault{Op: op, Addr: addr, Width: width, Region: r.Name}
	}
	return r, off, nil
}

// Read loads width bytes at addr from the owning device.
func (b *Bus) Read(addr uint64, width int) (uint64, error) {
	r, off, err := b.route(OpRead, addr, width)
	if err != nil {
		return 0, err
	}
	return r.Owner.Read(off, width)
}

// Write stores the low width bytes of value at addr in the owning device.
func (b *Bus) Write(addr uint64, width int, value uint64) error {
	r, off, err := b.route(OpWrite, addr, width)
	if err != nil {
		return err
	}
	return r.Owner.Write(off, width, value)
}

// RAMView is the bus restricted to RAM regions. DMA engines use it so a
// transfer can never land on device registers, including their own.
type RAMView struct {
	bus *Bus
}

// RAMOnly returns a view of b that faults on every non-RAM address.
func (b *Bus) RAMOnly() RAMView {
	return RAMView{bus: b}
}

func (v RAMView) route(op Op, addr uint64, width int) (*RAM, uint64, error) {
	r, off, err := v.bus.route(op, addr, width)
	if err != nil {
		return nil, 0, err
	}
	ram, ok := r.Owner.(*RAM)
	if !ok {
		return nil, 0, &AccessFault{Op: op, Addr: addr, Width: width}
	}
	return ram, off, nil
}

// Read loads width bytes at addr from RAM.
func (v RAMView) Read(addr uint64, width int) (uint64, error) {
	ram, off, err := v.route(OpRead, addr, width)
	if err != nil {
		return 0, err
	}
	return ram.Read(off, width)
}

// Write stores width bytes at addr in RAM.
func (v RAMView) Write(addr uint64, width int, value uint64) error {
	ram, off, err := v.route(OpWrite, addr, width)
	if err != nil {
		return err
	}
	return ram.Write(off, width, value)
}
