package spider

import (
	"net/http"
	"time"
)

// Status is the value persisted in a spider definition's status field. It
// holds either an operator request (start, terminate, ...) or the state the
// orchestrator left the spider in (running, finished, ...).
type Status string

// Transition requests written by operators.
const (
	StatusStart     Status = "start"
	StatusTerminate Status = "terminate"
	StatusPause     Status = "pause"
	StatusResume    Status = "resume"
	StatusRestart   Status = "restart"
	StatusDelete    Status = "delete"
)

// States written by the orchestrator.
const (
	StatusNew        Status = "new"
	StatusRunning    Status = "running"
	StatusTerminated Status = "has_terminated"
	StatusPaused     Status = "has_paused"
	StatusFinished   Status = "finished"
	StatusError      Status = "error"
	StatusDeleted    Status = "has_deleted"
)

// UserStatuses returns the transition requests the status loop acts on by default.
func UserStatuses() []Status {
	return []Status{StatusStart, StatusTerminate, StatusPause, StatusResume, StatusRestart, StatusDelete}
}

// Definition is the persisted document describing one spider.
type Definition struct {
	Name       string    `json:"name"`
	SourceCode string    `json:"source_code,omitempty"`
	Status     Status    `json:"status"`
	Comment    string    `json:"comment"`
	Rate       int       `json:"rate"`
	Searchable bool      `json:"searchable"`
	Stats      Stats     `json:"stats"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Stats summarizes record production for a spider run.
type Stats struct {
	Records          int64     `json:"records"`
	Requests         int64     `json:"requests"`
	Failures         int64     `json:"failures"`
	RecordsPerMinute float64   `json:"records_per_minute"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Record is one scraped output document.
type Record struct {
	Identity  string         `json:"record_identity"`
	Spider    string         `json:"spider_name"`
	Name      string         `json:"record_name"`
	URL       string         `json:"record_url"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_time"`
}

// RecordBrief is the (spider, identity, url) triple the update coordinator
// uses to route a refresh back to the spider that produced a record.
type RecordBrief struct {
	Spider   string `json:"spider_name"`
	Identity string `json:"record_identity"`
	URL      string `json:"record_url"`
}

// Callback names the spider handler that should process a response.
type Callback string

// Callbacks understood by materialized spiders.
const (
	CallbackParse  Callback = "parse"
	CallbackRecord Callback = "parse_record"
	CallbackSearch Callback = "parse_search"
)

// Meta carries record context across requests.
type Meta struct {
	RecordIdentity string `json:"record_identity,omitempty"`
	RecordName     string `json:"record_name,omitempty"`
}

// Request is a unit of crawl work.
type Request struct {
	URL        string   `json:"url"`
	Callback   Callback `json:"callback"`
	Spider     string   `json:"spider"`
	Meta       Meta     `json:"meta"`
	DontFilter bool     `json:"dont_filter"`
	Depth      int      `json:"depth"`
}

// Page is a fetched response handed to a spider callback.
type Page struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	UsedHeadless bool
}

// Output is what a callback produced for one page.
type Output struct {
	Records  []Record
	Requests []Request
}

// Render selects how pages of a spider are fetched.
type Render string

// Render modes.
const (
	RenderNever  Render = "never"
	RenderAlways Render = "always"
	RenderAuto   Render = "auto"
)

// Settings are the per-spider engine knobs declared in spider source.
type Settings struct {
	DownloadDelay  time.Duration
	Concurrency    int
	MaxDepth       int
	UserAgent      string
	Render         Render
	AllowedDomains []string
}

// Outcome classifies how an engine run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeSuccess    Outcome = "success"
	OutcomeError      Outcome = "error"
	OutcomeTerminated Outcome = "terminated"
)

// Completion is delivered exactly once when an engine run ends.
type Completion struct {
	Outcome Outcome
	Detail  string
	Err     error
	Stats   Stats
}
