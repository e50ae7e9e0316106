// Package loader materializes spider types from source code held in the
// store. Preload always recompiles, so edits to a spider's source take
// effect on the next start without restarting the process.
package loader

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/codecache"
	"github.com/JakeFAU/spiderfleet/internal/spider"
	"github.com/JakeFAU/spiderfleet/internal/spiderdef"
)

// SourceStore fetches spider source code.
type SourceStore interface {
	GetSource(ctx context.Context, name string) (string, error)
}

type loaded struct {
	typ        *spiderdef.Type
	generation int
}

// Loader owns the set of materialized spider types.
type Loader struct {
	store  SourceStore
	cache  *codecache.Cache
	logger *zap.Logger

	mu    sync.RWMutex
	types map[string]loaded
}

// New constructs a Loader.
func New(store SourceStore, cache *codecache.Cache, logger *zap.Logger) *Loader {
	if cache == nil {
		cache = codecache.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		store:  store,
		cache:  cache,
		logger: logger.Named("loader"),
		types:  make(map[string]loaded),
	}
}

// LoadCode fetches the current source for name and stages it in the cache.
func (l *Loader) LoadCode(ctx context.Context, name string) (string, error) {
	src, err := l.store.GetSource(ctx, name)
	if err != nil {
		if errors.Is(err, spider.ErrNotFound) {
			return "", err
		}
		return "", spider.Wrap(spider.ErrStore, name, err)
	}
	if strings.TrimSpace(src) == "" {
		return "", spider.Errorf(spider.ErrNotFound, name, "no source code stored")
	}
	l.cache.Put(name, src)
	return src, nil
}

// Preload stages the source for name, compiles it and registers the
// resulting type, replacing any previously materialized version. Runners
// already holding the old type keep using it.
func (l *Loader) Preload(ctx context.Context, name string) (*spiderdef.Type, error) {
	if _, err := l.LoadCode(ctx, name); err != nil {
		return nil, err
	}
	src, err := l.cache.Resolve(name)
	if err != nil {
		return nil, err
	}
	mod, err := spiderdef.Compile(src)
	if err != nil {
		return nil, spider.Wrap(spider.ErrLoad, name, err)
	}
	typ, err := mod.Lookup(name)
	if err != nil {
		return nil, spider.Wrap(spider.ErrLoad, name, err)
	}
	if typ.Name() != name {
		return nil, spider.Errorf(spider.ErrLoad, name, "module declares %s", typ.Name())
	}

	l.mu.Lock()
	prev, reload := l.types[name]
	gen := prev.generation + 1
	l.types[name] = loaded{typ: typ, generation: gen}
	l.mu.Unlock()

	l.logger.Info("materialized spider",
		zap.String("spider", name),
		zap.Bool("reload", reload),
		zap.Int("generation", gen),
	)
	return typ, nil
}

// Load returns the materialized type without touching the store.
func (l *Loader) Load(name string) (*spiderdef.Type, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.types[name]
	if !ok {
		return nil, spider.Errorf(spider.ErrNotFound, name, "spider not loaded")
	}
	return entry.typ, nil
}

// IsLoaded reports whether name has been materialized.
func (l *Loader) IsLoaded(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.types[name]
	return ok
}

// Generation returns how many times name has been materialized.
func (l *Loader) Generation(name string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.types[name].generation
}

// Forget drops the materialized type and any staged source for name.
func (l *Loader) Forget(name string) {
	l.mu.Lock()
	delete(l.types, name)
	l.mu.Unlock()
	l.cache.Drop(name)
}
