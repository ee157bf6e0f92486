package vm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
)

// ErrInstanceNotFound is returned when no running instance has the name.
var ErrInstanceNotFound = errors.New("vm: instance not found")

// Instance records a running rvhost process so other invocations can find
// its control endpoint.
type Instance struct {
	Name        string    `json:"name"`
	PID         int       `json:"pid"`
	ControlAddr string    `json:"control_addr"`
	SSHAddr     string    `json:"ssh_addr,omitempty"`
	Core        string    `json:"core"`
	StartedAt   time.Time `json:"started_at"`
}

// InstanceData holds the registry file contents.
type InstanceData struct {
	Instances []Instance `json:"instances"`
}

// Registry tracks running instances in a JSON file.
type Registry struct {
	baseDir      string
	registryPath string
}

// NewRegistry creates a new registry instance.
func NewRegistry(baseDir string) *Registry {
	return &Registry{
		baseDir:      baseDir,
		registryPath: filepath.Join(baseDir, "instances.json"),
	}
}

// Load reads the registry from disk.
func (r *Registry) Load() (*InstanceData, error) {
	data, err := os.ReadFile(r.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &InstanceData{Instances: []Instance{}}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var reg InstanceData
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	return &reg, nil
}

// Save writes the registry to disk.
func (r *Registry) Save(reg *InstanceData) error {
	if err := os.MkdirAll(r.baseDir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	if err := renameio.WriteFile(r.registryPath, data, 0644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}

	return nil
}

// Register records a running instance, replacing a stale entry with the
// same name. It fails if a live process already owns the name.
func (r *Registry) Register(entry Instance) error {
	reg, err := r.Load()
	if err != nil {
		return err
	}

	kept := make([]Instance, 0, len(reg.Instances)+1)
	for _, inst := range reg.Instances {
		if inst.Name == entry.Name {
			if inst.PID != entry.PID && processAlive(inst.PID) {
				return fmt.Errorf("instance '%s' already running (pid %d)", entry.Name, inst.PID)
			}
			continue
		}
		kept = append(kept, inst)
	}

	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now()
	}
	reg.Instances = append(kept, entry)
	return r.Save(reg)
}

// Get returns a live instance by name.
func (r *Registry) Get(name string) (*Instance, error) {
	reg, err := r.Load()
	if err != nil {
		return nil, err
	}

	for _, inst := range reg.Instances {
		if inst.Name == name && processAlive(inst.PID) {
			return &inst, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrInstanceNotFound, name)
}

// List returns all live instances.
func (r *Registry) List() ([]Instance, error) {
	reg, err := r.Load()
	if err != nil {
		return nil, err
	}

	live := make([]Instance, 0, len(reg.Instances))
	for _, inst := range reg.Instances {
		if processAlive(inst.PID) {
			live = append(live, inst)
		}
	}
	return live, nil
}

// Unregister removes an instance.
func (r *Registry) Unregister(name string) error {
	reg, err := r.Load()
	if err != nil {
		return err
	}

	found := false
	kept := make([]Instance, 0, len(reg.Instances))
	for _, inst := range reg.Instances {
		if inst.Name == name {
			found = true
		} else {
			kept = append(kept, inst)
		}
	}

	if !found {
		return fmt.Errorf("%w: %q", ErrInstanceNotFound, name)
	}

	reg.Instances = kept
	return r.Save(reg)
}

// VMDataDir returns the data directory for a specific VM.
func (r *Registry) VMDataDir(name string) string {
	return filepath.Join(r.baseDir, name)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
