package vm

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"created", StateCreated, "created"},
		{"running", StateRunning, "running"},
		{"paused", StatePaused, "paused"},
		{"halted", StateHalted, "halted"},
		{"faulted", StateFaulted, "faulted"},
		{"unknown/invalid", State(99), "unknown"},
		{"negative", State(-1), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.state.String()
			if got != tt.want {
				t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestParseState(t *testing.T) {
	for s := StateCreated; s <= StateFaulted; s++ {
		got, ok := ParseState(s.String())
		if !ok || got != s {
			t.Errorf("ParseState(%q) = %v, %v", s.String(), got, ok)
		}
	}
	if _, ok := ParseState("stopping"); ok {
		t.Error("ParseState accepted an unknown name")
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateCreated: false,
		StateRunning: false,
		StatePaused:  false,
		StateHalted:  true,
		StateFaulted: true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateRunning, true},
		{StateCreated, StateHalted, true},
		{StateCreated, StatePaused, false},
		{StateCreated, StateFaulted, false},
		{StateRunning, StatePaused, true},
		{StateRunning, StateHalted, true},
		{StateRunning, StateFaulted, true},
		{StateRunning, StateCreated, false},
		{StatePaused, StateRunning, true},
		{StatePaused, StateHalted, true},
		{StatePaused, StateFaulted, true},
		{StateHalted, StateRunning, false},
		{StateHalted, StateFaulted, false},
		{StateFaulted, StateRunning, false},
		{StateFaulted, StateHalted, false},
	}

	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
