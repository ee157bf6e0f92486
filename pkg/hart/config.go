package hart

// Config holds core construction parameters.
type Config struct {
	// ResetVector is the address the hart starts fetching from.
	ResetVector uint64

	// CyclesPerStep bounds the work done by a single Step.
	CyclesPerStep uint64

	// MaskInterrupts starts the hart with external interrupts disabled.
	MaskInterrupts bool

	// Options carries core-specific settings.
	Options map[string]string
}

// Validate performs basic validation of the configuration.
func (c *Config) Validate() error {
	if c.CyclesPerStep == 0 {
		return ErrInvalidStepBound
	}
	return nil
}
