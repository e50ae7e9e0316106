// Package collyfetcher implements spider.Fetcher on top of gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps response bodies in bytes; 0 keeps colly's default.
	MaxBodySize int
}

// Fetcher downloads pages with a fresh clone of a shared base collector per
// request, so spiders never share visit state or callbacks.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// visit is the outcome of one Visit. Only the goroutine running the visit
// writes it.
type visit struct {
	resp spider.FetchResponse
	err  error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// Clones share the base collector's http.Client.
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch performs a GET for req.URL. Non-2xx responses are returned, not
// treated as errors; transport failures are.
func (f *Fetcher) Fetch(ctx context.Context, req spider.FetchRequest) (spider.FetchResponse, error) {
	v := &visit{}
	collector := f.buildCollector(req, time.Now(), v)
	return runCollector(ctx, collector, req.URL, v)
}

func (f *Fetcher) buildCollector(req spider.FetchRequest, start time.Time, v *visit) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	switch {
	case req.UserAgent != "":
		collector.UserAgent = req.UserAgent
	case f.cfg.UserAgent != "":
		collector.UserAgent = f.cfg.UserAgent
	}
	configureHooks(collector, req, start, v)
	return collector
}

func configureHooks(hooks collectorHooks, req spider.FetchRequest, start time.Time, v *visit) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, val := range values {
				r.Headers.Add(key, val)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		v.resp = spider.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			v.err = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		v.err = err
	})
}

// runCollector visits url on its own goroutine. The visit state is handed
// back over the channel, so an abandoned visit never races the caller.
func runCollector(ctx context.Context, collector *colly.Collector, url string, v *visit) (spider.FetchResponse, error) {
	type outcome struct {
		visit
		visitErr error
	}
	done := make(chan outcome, 1)
	go func() {
		err := collector.Visit(url)
		done <- outcome{visit: *v, visitErr: err}
	}()

	select {
	case <-ctx.Done():
		return spider.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case out := <-done:
		if out.visitErr != nil {
			return spider.FetchResponse{}, fmt.Errorf("colly visit failed: %w", out.visitErr)
		}
		if out.err != nil {
			return spider.FetchResponse{}, fmt.Errorf("colly response failed: %w", out.err)
		}
		return out.resp, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
