package vm

import (
	"errors"
	"fmt"
)

// Lifecycle errors
var (
	ErrInvalidTransition = errors.New("vm: invalid state transition")
	ErrNotStarted        = errors.New("vm: machine not started")
	ErrAlreadyRunning    = errors.New("vm: run loop already active")
	ErrConfigured        = errors.New("vm: machine can only be configured before start")
	ErrFaulted           = errors.New("vm: machine faulted")
	ErrGuestFailure      = errors.New("vm: guest reported failure")
)

// Snapshot errors
var (
	ErrSnapshotState    = errors.New("vm: snapshot requires a created or paused machine")
	ErrSnapshotFormat   = errors.New("vm: unknown snapshot format")
	ErrSnapshotMismatch = errors.New("vm: snapshot does not match machine layout")
	ErrSnapshotNotFound = errors.New("vm: snapshot not found")
	ErrSnapshotExists   = errors.New("vm: snapshot already exists")
)

// ImageLoadError is returned when an image cannot be placed in guest
// memory. The machine stays in Created.
type ImageLoadError struct {
	Image string
	Addr  uint64
	Size  int
	Err   error
}

func (e *ImageLoadError) Error() string {
	return fmt.Sprintf("load image %s (%d bytes at %#x): %v", e.Image, e.Size, e.Addr, e.Err)
}

func (e *ImageLoadError) Unwrap() error {
	return e.Err
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
