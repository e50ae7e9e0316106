// Package ratelimit spaces requests to the same host by a download delay.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages per-host token buckets.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	observe  func(host string, waited time.Duration)
}

// Config holds rate limiter configuration.
type Config struct {
	// Delay is the minimum spacing between requests to one host. Zero disables limiting.
	Delay time.Duration
	Burst int
	// Observe, when set, is told how long a Wait blocked. Waits under a
	// millisecond are not reported.
	Observe func(host string, waited time.Duration)
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limitFor(cfg.Delay),
		burst:    burst,
		observe:  cfg.Observe,
	}
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// Wait blocks until the host of rawURL may be contacted again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := Host(rawURL)
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(host, waited)
	}
	return nil
}

// SetDelay changes the spacing for every known and future host.
func (l *Limiter) SetDelay(delay time.Duration) {
	limit := limitFor(delay)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
	for _, limiter := range l.limiters {
		limiter.SetLimit(limit)
	}
}

// Delay reports the current spacing, zero when unlimited.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit == rate.Inf || l.limit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(l.limit))
}

// Host returns the lowercase hostname of rawURL, "unknown" if it has none.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
