package lifecycle

import (
	"context"
	"fmt"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// StatusQuerier is the slice of the store the Finder reads.
type StatusQuerier interface {
	FindByStatus(ctx context.Context, statuses ...spider.Status) ([]spider.Definition, error)
}

// Finder lists spiders whose status holds a pending transition request.
type Finder struct {
	store    StatusQuerier
	statuses []spider.Status
}

// NewFinder builds a Finder over statuses. Empty statuses means every
// transition request.
func NewFinder(store StatusQuerier, statuses []spider.Status) *Finder {
	if len(statuses) == 0 {
		statuses = spider.UserStatuses()
	}
	return &Finder{store: store, statuses: statuses}
}

// Find returns the spiders awaiting a transition.
func (f *Finder) Find(ctx context.Context) ([]spider.Definition, error) {
	defs, err := f.store.FindByStatus(ctx, f.statuses...)
	if err != nil {
		return nil, fmt.Errorf("find spiders by status %v: %w", f.statuses, err)
	}
	return defs, nil
}
