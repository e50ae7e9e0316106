package spider

import (
	"context"
	"net/http"
	"time"
)

// FetchRequest describes a single page download.
type FetchRequest struct {
	URL       string
	Spider    string
	UserAgent string
	Headers   http.Header
}

// FetchResponse is what a Fetcher returns.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher downloads pages.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a plain HTTP response needs a browser render.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}
