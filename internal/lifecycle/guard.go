package lifecycle

import (
	"sort"
	"sync"
)

// Guard is the set of spider names currently undergoing a transition.
type Guard struct {
	mu    sync.Mutex
	names map[string]struct{}
}

// NewGuard returns an empty Guard.
func NewGuard() *Guard {
	return &Guard{names: make(map[string]struct{})}
}

// TryAcquire adds name and reports whether it was absent.
func (g *Guard) TryAcquire(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.names[name]; busy {
		return false
	}
	g.names[name] = struct{}{}
	return true
}

// Release removes name.
func (g *Guard) Release(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.names, name)
}

// Has reports whether name is mid-transition.
func (g *Guard) Has(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.names[name]
	return ok
}

// Names returns the guarded names in sorted order.
func (g *Guard) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.names))
	for name := range g.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
