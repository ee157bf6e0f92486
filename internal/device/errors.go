package device

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDriver = errors.New("device: unknown driver")
	ErrNoInterrupt   = errors.New("device: driver requires an interrupt line")
	ErrNoMemory      = errors.New("device: driver requires bus access")
	ErrClosed        = errors.New("device: closed")
	ErrBadOption     = errors.New("device: bad option")
)

// Error is a failure inside a device's own implementation, such as a host
// I/O error. The VM marks the device degraded and keeps running.
type Error struct {
	Device string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("device %s: %v", e.Device, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
