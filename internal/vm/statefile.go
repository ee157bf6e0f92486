package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// PersistentState holds machine state that survives restarts.
type PersistentState struct {
	// LastBoot is when the machine was last started.
	LastBoot time.Time `json:"last_boot,omitempty"`

	// LastShutdown is when the machine last stopped.
	LastShutdown time.Time `json:"last_shutdown,omitempty"`

	// BootCount is the number of times the machine has booted.
	BootCount int `json:"boot_count"`

	// CleanShutdown indicates if the last shutdown was clean.
	CleanShutdown bool `json:"clean_shutdown"`

	// LastFault describes the fault that stopped the machine, if any.
	LastFault string `json:"last_fault,omitempty"`

	// Cycles is the number of guest cycles executed in the last run.
	Cycles uint64 `json:"cycles"`
}

// StateFile manages persistent state storage.
type StateFile struct {
	path string
}

// NewStateFile creates a state file manager.
func NewStateFile(dataDir string) *StateFile {
	return &StateFile{
		path: filepath.Join(dataDir, "state.json"),
	}
}

// Load reads the state from disk.
func (s *StateFile) Load() (*PersistentState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &PersistentState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}

	return &state, nil
}

// Save writes the state to disk atomically.
func (s *StateFile) Save(state *PersistentState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := renameio.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// RecordBoot updates state for a new boot.
func (s *StateFile) RecordBoot() error {
	state, err := s.Load()
	if err != nil {
		return err
	}

	state.LastBoot = time.Now()
	state.BootCount++
	state.CleanShutdown = false
	state.LastFault = ""

	return s.Save(state)
}

// RecordShutdown updates state for a shutdown. fault is nil for a clean
// halt.
func (s *StateFile) RecordShutdown(fault error, cycles uint64) error {
	state, err := s.Load()
	if err != nil {
		return err
	}

	state.LastShutdown = time.Now()
	state.CleanShutdown = fault == nil
	state.Cycles = cycles
	if fault != nil {
		state.LastFault = fault.Error()
	}

	return s.Save(state)
}

// Path returns the state file path.
func (s *StateFile) Path() string {
	return s.path
}
