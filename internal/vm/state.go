package vm

// State represents the machine lifecycle state.
type State int

const (
	StateCreated State = iota // Configured, not yet started
	StateRunning              // Run loop stepping the core
	StatePaused               // Parked at a step boundary
	StateHalted               // Stopped cleanly (terminal)
	StateFaulted              // Stopped on an unrecoverable fault (terminal)
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateHalted:
		return "halted"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateHalted || s == StateFaulted
}

// ParseState converts a state name back to a State.
func ParseState(name string) (State, bool) {
	for s := StateCreated; s <= StateFaulted; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// canTransition lists the legal edges of the lifecycle.
func canTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateRunning || to == StateHalted
	case StateRunning:
		return to == StatePaused || to == StateHalted || to == StateFaulted
	case StatePaused:
		return to == StateRunning || to == StateHalted || to == StateFaulted
	}
	return false
}
