package hart

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a core from its configuration.
type Factory func(cfg *Config) (Core, error)

var (
	registry   = make(map[string]Factory)
	registryMu sync.RWMutex
)

// Register adds a core factory under name. Later registrations replace
// earlier ones.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New creates the core registered under name.
func New(name string, cfg *Config) (Core, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCore, name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return f(cfg)
}

// List returns the registered core names in sorted order.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a core named name exists.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}
