// Package memory provides an in-process spider.Store for development and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/spiderfleet/internal/clock"
	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// Store keeps definitions, records and the pending-update list in maps.
type Store struct {
	clock spider.Clock

	mu      sync.RWMutex
	defs    map[string]spider.Definition
	records map[string]spider.Record
	pending []string
	closed  bool
}

var _ spider.Store = (*Store)(nil)

// New returns an empty Store. A nil clock uses the wall clock.
func New(clk spider.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{
		clock:   clk,
		defs:    make(map[string]spider.Definition),
		records: make(map[string]spider.Record),
	}
}

// PutDefinition inserts or replaces a definition.
func (s *Store) PutDefinition(_ context.Context, def spider.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.UpdatedAt.IsZero() {
		def.UpdatedAt = s.clock.Now()
	}
	s.defs[def.Name] = def
	return nil
}

// Definition returns the stored definition for name.
func (s *Store) Definition(name string) (spider.Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	return def, ok
}

// FindByStatus implements spider.Store.
func (s *Store) FindByStatus(_ context.Context, statuses ...spider.Status) ([]spider.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []spider.Definition
	for _, def := range s.defs {
		if slices.Contains(statuses, def.Status) {
			def.SourceCode = ""
			out = append(out, def)
		}
	}
	sortDefs(out)
	return out, nil
}

// FindSearchable implements spider.Store.
func (s *Store) FindSearchable(_ context.Context) ([]spider.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []spider.Definition
	for _, def := range s.defs {
		if def.Status == spider.StatusFinished && def.Searchable {
			def.SourceCode = ""
			out = append(out, def)
		}
	}
	sortDefs(out)
	return out, nil
}

// GetSource implements spider.Store.
func (s *Store) GetSource(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	if !ok {
		return "", spider.Errorf(spider.ErrNotFound, name, "no such spider")
	}
	return def.SourceCode, nil
}

// Rates implements spider.Store.
func (s *Store) Rates(_ context.Context, names []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(names))
	for _, name := range names {
		if def, ok := s.defs[name]; ok && def.Status == spider.StatusRunning {
			out[name] = def.Rate
		}
	}
	return out, nil
}

// SetRate changes the desired rate of a spider.
func (s *Store) SetRate(_ context.Context, name string, rate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[name]
	if !ok {
		return spider.Errorf(spider.ErrNotFound, name, "no such spider")
	}
	def.Rate = rate
	def.UpdatedAt = s.clock.Now()
	s.defs[name] = def
	return nil
}

// SetStatus implements spider.Store.
func (s *Store) SetStatus(_ context.Context, name string, status spider.Status, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[name]
	if !ok {
		return spider.Errorf(spider.ErrNotFound, name, "no such spider")
	}
	def.Status = status
	def.Comment = comment
	def.UpdatedAt = s.clock.Now()
	s.defs[name] = def
	return nil
}

// SaveStats implements spider.Store.
func (s *Store) SaveStats(_ context.Context, name string, stats spider.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[name]
	if !ok {
		return spider.Errorf(spider.ErrNotFound, name, "no such spider")
	}
	def.Stats = stats
	def.UpdatedAt = s.clock.Now()
	s.defs[name] = def
	return nil
}

// UpsertRecord implements spider.Store.
func (s *Store) UpsertRecord(_ context.Context, rec spider.Record) error {
	if rec.Identity == "" {
		return spider.Errorf(spider.ErrDataConsistency, rec.Spider, "record %q has no identity", rec.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[rec.Identity]; ok && !prev.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	s.records[rec.Identity] = rec
	return nil
}

// FindRecordIdentity implements spider.Store.
func (s *Store) FindRecordIdentity(_ context.Context, spiderName, recordName, url string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, rec := range s.records {
		if rec.Spider == spiderName && rec.Name == recordName && rec.URL == url {
			return id, nil
		}
	}
	return "", nil
}

// RecordBriefs implements spider.Store.
func (s *Store) RecordBriefs(_ context.Context, recordNames []string) (map[string][]spider.RecordBrief, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]spider.RecordBrief)
	for _, rec := range s.records {
		if !slices.Contains(recordNames, rec.Name) {
			continue
		}
		out[rec.Name] = append(out[rec.Name], spider.RecordBrief{
			Spider:   rec.Spider,
			Identity: rec.Identity,
			URL:      rec.URL,
		})
	}
	for name := range out {
		sort.Slice(out[name], func(i, j int) bool {
			return out[name][i].Identity < out[name][j].Identity
		})
	}
	return out, nil
}

// Records returns every stored record ordered by identity.
func (s *Store) Records() []spider.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]spider.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// DeleteRecords implements spider.Store.
func (s *Store) DeleteRecords(_ context.Context, spiderName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.Spider == spiderName {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// AddPendingUpdates appends record names to the pending-update list,
// skipping names already present.
func (s *Store) AddPendingUpdates(_ context.Context, recordNames ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range recordNames {
		if !slices.Contains(s.pending, name) {
			s.pending = append(s.pending, name)
		}
	}
	return nil
}

// PendingUpdates implements spider.Store.
func (s *Store) PendingUpdates(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.pending), nil
}

// PullPendingUpdates implements spider.Store.
func (s *Store) PullPendingUpdates(_ context.Context, recordNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = slices.DeleteFunc(s.pending, func(name string) bool {
		return slices.Contains(recordNames, name)
	})
	return nil
}

// Close implements spider.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func sortDefs(defs []spider.Definition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
}
