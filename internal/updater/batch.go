package updater

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// batchType is the synthetic job type of an update job. Its start requests
// are the batch and each response is handed to the spider that issued the
// request.
type batchType struct {
	name     string
	requests []spider.Request

	mu    sync.RWMutex
	types map[string]spider.JobType
}

var _ spider.JobType = (*batchType)(nil)

func (b *batchType) Name() string { return b.name }

func (b *batchType) StartRequests() []spider.Request {
	return append([]spider.Request(nil), b.requests...)
}

func (b *batchType) Settings() spider.Settings { return spider.Settings{} }

func (b *batchType) Handle(ctx context.Context, req spider.Request, page spider.Page) (spider.Output, error) {
	b.mu.RLock()
	owner, ok := b.types[req.Spider]
	b.mu.RUnlock()
	if !ok {
		return spider.Output{}, fmt.Errorf("update job %s has no spider %q", b.name, req.Spider)
	}
	return owner.Handle(ctx, req, page)
}

func (b *batchType) addTypes(types map[string]spider.JobType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, t := range types {
		b.types[name] = t
	}
}
