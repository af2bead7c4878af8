package ai

import (
	"sort"
	"strings"
	"sync"
)

// Registry tracks which sessions have a live streaming run and carries
// interrupt requests to them.
//
// Critical sections only touch the map; no I/O happens under the lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	interrupted chan struct{}
	once        sync.Once
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*registryEntry{}}
}

// Register marks id live. It fails with ErrSessionBusy if a run for id is
// already registered.
func (r *Registry) Register(id string) error {
	id = strings.TrimSpace(id)
	if r == nil || id == "" {
		return ErrInvalidRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return ErrSessionBusy
	}
	r.entries[id] = &registryEntry{interrupted: make(chan struct{})}
	return nil
}

// Unregister removes id. Calling it for an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.entries, strings.TrimSpace(id))
	r.mu.Unlock()
}

// MarkInterrupted signals the live run for id. It reports false when id is
// not live. Repeated calls are harmless.
func (r *Registry) MarkInterrupted(id string) bool {
	e := r.entry(id)
	if e == nil {
		return false
	}
	e.once.Do(func() { close(e.interrupted) })
	return true
}

func (r *Registry) IsInterrupted(id string) bool {
	e := r.entry(id)
	if e == nil {
		return false
	}
	select {
	case <-e.interrupted:
		return true
	default:
		return false
	}
}

func (r *Registry) IsActive(id string) bool {
	return r.entry(id) != nil
}

// Interrupted returns a channel closed when id is interrupted. It returns
// nil, which blocks forever in a select, when id is not live.
func (r *Registry) Interrupted(id string) <-chan struct{} {
	e := r.entry(id)
	if e == nil {
		return nil
	}
	return e.interrupted
}

// Active lists live session ids in sorted order.
func (r *Registry) Active() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

func (r *Registry) entry(id string) *registryEntry {
	if r == nil {
		return nil
	}
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}
