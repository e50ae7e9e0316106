// Package store wraps a spider.Store with the CRUD error catcher: every
// failed store operation is counted, kept in a bounded in-memory log,
// logged, and appended to a per-kind operations file on disk. Concrete
// stores live in the memory, postgres and sqlite subpackages.
package store
