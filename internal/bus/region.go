package bus

import (
	"fmt"

	"github.com/javanstorm/rvhost/internal/device"
)

// Region is a contiguous span of physical address space owned by one
// device.
type Region struct {
	Name  string
	Base  uint64
	Size  uint64
	Owner device.Device
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// Overlaps reports whether r and o share any address.
func (r Region) Overlaps(o Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%s [%#x, %#x)", r.Name, r.Base, r.End())
}

func lessRegion(a, b Region) bool {
	return a.Base < b.Base
}
