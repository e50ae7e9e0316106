package engine

import (
	"context"
	"sync"
)

// slots is a counting semaphore whose capacity can change while holders
// are waiting. Shrinking never revokes a held slot; it only delays new
// acquisitions until usage falls under the new limit.
type slots struct {
	mu      sync.Mutex
	limit   int
	used    int
	changed chan struct{}
}

func newSlots(limit int) *slots {
	if limit < 1 {
		limit = 1
	}
	return &slots{limit: limit, changed: make(chan struct{})}
}

func (s *slots) acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.used < s.limit {
			s.used++
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *slots) release() {
	s.mu.Lock()
	if s.used > 0 {
		s.used--
	}
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *slots) resize(limit int) {
	if limit < 1 {
		limit = 1
	}
	s.mu.Lock()
	s.limit = limit
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *slots) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

func (s *slots) inUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *slots) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// hostSlots partitions concurrency per host the way a downloader keeps one
// slot per remote peer.
type hostSlots struct {
	mu    sync.Mutex
	limit int
	hosts map[string]*slots
}

func newHostSlots(limit int) *hostSlots {
	return &hostSlots{limit: limit, hosts: make(map[string]*slots)}
}

func (h *hostSlots) get(host string) *slots {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.hosts[host]
	if !ok {
		s = newSlots(h.limit)
		h.hosts[host] = s
	}
	return s
}

// resize updates the default for new hosts and every existing host slot.
func (h *hostSlots) resize(limit int) {
	h.mu.Lock()
	h.limit = limit
	existing := make([]*slots, 0, len(h.hosts))
	for _, s := range h.hosts {
		existing = append(existing, s)
	}
	h.mu.Unlock()
	for _, s := range existing {
		s.resize(limit)
	}
}

func (h *hostSlots) sizes() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.hosts))
	for host, s := range h.hosts {
		out[host] = s.size()
	}
	return out
}
