package hart

import "errors"

// Configuration errors
var (
	ErrUnknownCore      = errors.New("hart: unknown core")
	ErrInvalidStepBound = errors.New("hart: cycles per step must be at least 1")
)

// Runtime errors
var (
	ErrNotAttached     = errors.New("hart: core not attached to memory")
	ErrAlreadyAttached = errors.New("hart: core already attached")
)
