package image

import (
	"sort"
	"sync"
)

var (
	registry     = make(map[ID]Provider)
	registryLock sync.RWMutex
	defaultID    = Buildroot
)

// Register adds a provider to the registry.
// This should be called from init() functions in provider implementations.
func Register(p Provider) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[p.ID()] = p
}

// Get returns a provider by ID.
func Get(id ID) (Provider, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	p, ok := registry[id]
	if !ok {
		return nil, &ErrUnknownProvider{ID: id}
	}
	return p, nil
}

// GetDefault returns the default provider.
func GetDefault() (Provider, error) {
	return Get(defaultID)
}

// DefaultID returns the default provider ID.
func DefaultID() ID {
	return defaultID
}

// List returns all registered provider IDs in sorted order.
func List() []ID {
	registryLock.RLock()
	defer registryLock.RUnlock()

	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsRegistered checks if a provider ID is registered.
func IsRegistered(id ID) bool {
	registryLock.RLock()
	defer registryLock.RUnlock()
	_, ok := registry[id]
	return ok
}

// ParseID converts a string to a provider ID, checking it is registered.
func ParseID(s string) (ID, error) {
	id := ID(s)
	if !IsRegistered(id) {
		return "", &ErrUnknownProvider{ID: id}
	}
	return id, nil
}
