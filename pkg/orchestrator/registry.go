package orchestrator

import (
	"errors"
	"sort"
	"sync"
)

// ErrDuplicateContext is returned when a context id is registered twice
var ErrDuplicateContext = errors.New("context already registered")

// Registry maps chart context ids to their managers. It is passed to the
// components that coordinate across charts rather than kept as global state.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Register adds m under id.
func (r *Registry) Register(id string, m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managers[id]; exists {
		return ErrDuplicateContext
	}
	r.managers[id] = m
	return nil
}

// Get returns the manager registered under id.
func (r *Registry) Get(id string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[id]
	return m, ok
}

// Remove unregisters id and closes its manager, cancelling its batches.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	m, ok := r.managers[id]
	delete(r.managers, id)
	r.mu.Unlock()

	if ok {
		m.Close()
	}
	return ok
}

// IDs returns the registered context ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.managers))
	for id := range r.managers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns the fetch health of every registered context.
func (r *Registry) Status() map[string]FetchStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]FetchStatus, len(r.managers))
	for id, m := range r.managers {
		out[id] = m.Monitor().Status()
	}
	return out
}

// CloseAll closes and forgets every manager.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}
