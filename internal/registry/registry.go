// Package registry tracks which spiders are currently executing.
package registry

import (
	"sort"
	"sync"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// Registry maps spider names to their running handles and keeps the set of
// active runs owned by the process.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	active  map[*Handle]struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		active:  make(map[*Handle]struct{}),
	}
}

// Add registers h and marks it active.
func (r *Registry) Add(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h.Name()]; ok {
		return spider.Errorf(spider.ErrAlreadyExists, h.Name(), "already registered")
	}
	r.handles[h.Name()] = h
	r.active[h] = struct{}{}
	return nil
}

// Remove unregisters h. It is a no-op if a different handle now owns the name.
func (r *Registry) Remove(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, h)
	if cur, ok := r.handles[h.Name()]; ok && cur == h {
		delete(r.handles, h.Name())
		return true
	}
	return false
}

// Get returns the handle registered under name.
func (r *Registry) Get(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handles returns a snapshot of the registered handles.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Active returns the number of active runs.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
