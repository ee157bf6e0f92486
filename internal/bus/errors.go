package bus

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRegion = errors.New("bus: invalid region")
	ErrNoRegion      = errors.New("bus: no region at base")
)

// Op is the kind of bus access.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// OverlapError is returned by Map when a region intersects one already
// mapped.
type OverlapError struct {
	Region   Region
	Existing Region
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("bus: region %s overlaps %s", e.Region, e.Existing)
}

// AccessFault is an access to an address no region owns.
type AccessFault struct {
	Op    Op
	Addr  uint64
	Width int
}

func (e *AccessFault) Error() string {
	return fmt.Sprintf("bus: %s access fault at %#x (width %d)", e.Op, e.Addr, e.Width)
}

// AlignmentFault is an access with an unsupported width or one that runs
// past the end of its region.
type AlignmentFault struct {
	Op     Op
	Addr   uint64
	Width  int
	Region string
}

func (e *AlignmentFault) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("bus: %s of width %d at %#x", e.Op, e.Width, e.Addr)
	}
	return fmt.Sprintf("bus: %s of width %d at %#x crosses end of %s", e.Op, e.Width, e.Addr, e.Region)
}

// IsFault reports whether err is an AccessFault or AlignmentFault.
func IsFault(err error) bool {
	var access *AccessFault
	var align *AlignmentFault
	return errors.As(err, &access) || errors.As(err, &align)
}
