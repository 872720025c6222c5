// Package state keeps the process-scoped mapping from source identifiers to created target objects.
//
// One Registry exists per (repository, object kind). Entries are append-only:
// the first handle recorded for a source identifier wins and is never overwritten.
package state

import (
	"sort"
	"sync"

	"github.com/temirov/prmigrate/internal/gateway"
)

// Registry maps source identifiers to target handles.
type Registry struct {
	mutex   sync.RWMutex
	handles map[string]gateway.Handle
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: map[string]gateway.Handle{}}
}

// Record stores handle for sourceIdentifier unless one is already present.
// It reports whether the handle was stored.
func (registry *Registry) Record(sourceIdentifier string, handle gateway.Handle) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if _, exists := registry.handles[sourceIdentifier]; exists {
		return false
	}
	registry.handles[sourceIdentifier] = handle
	return true
}

// Lookup returns the handle recorded for sourceIdentifier.
func (registry *Registry) Lookup(sourceIdentifier string) (gateway.Handle, bool) {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()

	handle, exists := registry.handles[sourceIdentifier]
	return handle, exists
}

// Len returns the number of recorded handles.
func (registry *Registry) Len() int {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	return len(registry.handles)
}

// Identifiers returns the recorded source identifiers in lexical order.
func (registry *Registry) Identifiers() []string {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()

	identifiers := make([]string, 0, len(registry.handles))
	for identifier := range registry.handles {
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)
	return identifiers
}

// Kind separates identifier spaces inside a Store.
type Kind string

// Object kinds tracked per repository.
const (
	KindPullRequest Kind = Kind("pull_request")
	KindComment     Kind = Kind("comment")
)

type storeKey struct {
	repository string
	kind       Kind
}

// Store hands out one Registry per (repository, kind) combination.
type Store struct {
	mutex      sync.Mutex
	registries map[storeKey]*Registry
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{registries: map[storeKey]*Registry{}}
}

// Registry returns the registry for repository and kind, creating it on first use.
func (store *Store) Registry(repository string, kind Kind) *Registry {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	key := storeKey{repository: repository, kind: kind}
	registry, exists := store.registries[key]
	if !exists {
		registry = NewRegistry()
		store.registries[key] = registry
	}
	return registry
}
