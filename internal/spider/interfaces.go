package spider

import (
	"context"
	"time"
)

// JobType is a materialized spider: a named set of callbacks plus the
// requests it starts from.
type JobType interface {
	Name() string
	StartRequests() []Request
	Handle(ctx context.Context, req Request, page Page) (Output, error)
	Settings() Settings
}

// Refresher builds a request that re-scrapes a record the spider produced before.
type Refresher interface {
	RefreshRequest(brief RecordBrief) Request
}

// Searcher builds a request that looks a record up by its bare name.
type Searcher interface {
	SearchRequest(recordName string) (Request, error)
}

// Runner is a live engine instance executing one JobType.
type Runner interface {
	// Run starts crawling. The returned channel receives exactly one
	// Completion and is then closed. A non-nil error means the run never
	// started.
	Run(ctx context.Context) (<-chan Completion, error)
	Stop()
	Pause()
	Resume()
	Paused() bool
	IsIdle() bool
	Inject(reqs ...Request) error
	Concurrency() int
	SetConcurrency(n int)
}

// Engine creates runners.
type Engine interface {
	Create(t JobType) (Runner, error)
}

// Store is the persistence contract for spider definitions, records and
// the pending-update list.
type Store interface {
	// FindByStatus returns definitions (without source) whose status is one of statuses.
	FindByStatus(ctx context.Context, statuses ...Status) ([]Definition, error)
	// FindSearchable returns finished definitions flagged searchable.
	FindSearchable(ctx context.Context) ([]Definition, error)
	// GetSource returns the spider source code, ErrNotFound if absent.
	GetSource(ctx context.Context, name string) (string, error)
	// Rates returns the desired rate of each named spider whose status is running.
	Rates(ctx context.Context, names []string) (map[string]int, error)
	SetStatus(ctx context.Context, name string, status Status, comment string) error
	SaveStats(ctx context.Context, name string, stats Stats) error

	UpsertRecord(ctx context.Context, rec Record) error
	// FindRecordIdentity returns the identity of an existing record, "" if none.
	FindRecordIdentity(ctx context.Context, spiderName, recordName, url string) (string, error)
	// RecordBriefs groups the briefs of existing records by record name.
	RecordBriefs(ctx context.Context, recordNames []string) (map[string][]RecordBrief, error)
	DeleteRecords(ctx context.Context, spiderName string) (int64, error)

	PendingUpdates(ctx context.Context) ([]string, error)
	PullPendingUpdates(ctx context.Context, recordNames []string) error

	Close() error
}

// Publisher broadcasts lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Purger removes the artifacts a spider left outside the store.
type Purger interface {
	Purge(ctx context.Context, spiderName string) error
}

// IDGenerator produces record identities.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for components that stamp stats and records.
type Clock interface {
	Now() time.Time
}
