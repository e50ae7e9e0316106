package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/policy/ratelimit"
	"github.com/JakeFAU/spiderfleet/internal/progress"
	"github.com/JakeFAU/spiderfleet/internal/spider"
	"github.com/JakeFAU/spiderfleet/internal/storage"
	"github.com/JakeFAU/spiderfleet/internal/telemetry"
)

func (h *Handle) process(ctx context.Context, req spider.Request) {
	defer func() {
		h.mu.Lock()
		h.inflight--
		h.signalLocked()
		h.mu.Unlock()
	}()

	host := ratelimit.Host(req.URL)
	hostSlot := h.hosts.get(host)
	if err := hostSlot.acquire(ctx); err != nil {
		return
	}
	defer hostSlot.release()
	if err := h.limiter.Wait(ctx, req.URL); err != nil {
		return
	}

	resp, err := h.fetch(ctx, req)
	if err != nil && h.isStopping() {
		return
	}
	h.count(func(s *spider.Stats) { s.Requests++ })
	if err != nil {
		h.count(func(s *spider.Stats) { s.Failures++ })
		h.emit(progress.Event{Stage: progress.StageFetchError, Site: host, URL: req.URL, Note: err.Error()})
		h.logger.Warn("fetch failed", zap.String("url", req.URL), zap.Error(err))
		return
	}
	h.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Site:        host,
		URL:         req.URL,
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	if resp.StatusCode >= 400 {
		h.count(func(s *spider.Stats) { s.Failures++ })
		h.logger.Warn("http error response", zap.String("url", req.URL), zap.Int("status", resp.StatusCode))
		return
	}

	h.archive(ctx, req, resp)

	page := spider.Page{
		URL:          resp.URL,
		StatusCode:   resp.StatusCode,
		Headers:      resp.Headers,
		Body:         resp.Body,
		UsedHeadless: resp.UsedHeadless,
	}
	if page.URL == "" {
		page.URL = req.URL
	}
	out, err := h.callback(ctx, req, page)
	if err != nil {
		h.count(func(s *spider.Stats) { s.Failures++ })
		h.logger.Error("callback failed",
			zap.String("url", req.URL),
			zap.String("callback", string(req.Callback)),
			zap.Error(err),
		)
		return
	}
	for _, rec := range out.Records {
		h.saveRecord(ctx, req, rec)
	}
	if len(out.Requests) > 0 {
		h.mu.Lock()
		for _, next := range out.Requests {
			h.enqueueLocked(next, req.Spider)
		}
		h.mu.Unlock()
	}
}

func (h *Handle) fetch(ctx context.Context, req spider.Request) (resp spider.FetchResponse, err error) {
	ctx, span := h.eng.deps.Tracer.Start(ctx, "engine.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			telemetry.SpiderAttr(req.Spider),
			attribute.String("url.full", req.URL),
			attribute.String("spider.callback", string(req.Callback)),
		),
	)
	defer func() {
		if err == nil {
			span.SetAttributes(
				attribute.Int("http.status_code", resp.StatusCode),
				attribute.Bool("fetch.headless", resp.UsedHeadless),
			)
		}
		telemetry.End(span, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, h.eng.cfg.RequestTimeout)
	defer cancel()

	deps := h.eng.deps
	freq := spider.FetchRequest{URL: req.URL, Spider: req.Spider, UserAgent: h.ua}
	switch h.settings.Render {
	case spider.RenderAlways:
		if deps.Headless == nil {
			return spider.FetchResponse{}, errors.New("headless fetcher not configured")
		}
		return deps.Headless.Fetch(ctx, freq)
	case spider.RenderAuto:
		resp, err = deps.Fetcher.Fetch(ctx, freq)
		if err != nil || deps.Headless == nil || deps.Detector == nil || !deps.Detector.ShouldPromote(resp) {
			return resp, err
		}
		h.logger.Debug("promoting fetch to headless", zap.String("url", req.URL))
		return deps.Headless.Fetch(ctx, freq)
	default:
		return deps.Fetcher.Fetch(ctx, freq)
	}
}

func (h *Handle) callback(ctx context.Context, req spider.Request, page spider.Page) (out spider.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback %s panicked: %v", req.Callback, r)
		}
	}()
	return h.typ.Handle(ctx, req, page)
}

// archive stores the raw page under the owning spider's prefix so that a
// purge of that spider removes it.
func (h *Handle) archive(ctx context.Context, req spider.Request, resp spider.FetchResponse) {
	deps := h.eng.deps
	if deps.Blobs == nil || deps.Hasher == nil || len(resp.Body) == 0 {
		return
	}
	digest, err := deps.Hasher.Hash(resp.Body)
	if err != nil {
		h.logger.Warn("hash page", zap.String("url", req.URL), zap.Error(err))
		return
	}
	path := storage.PagePath(h.eng.cfg.ArchivePrefix, req.Spider, digest)
	if _, err := deps.Blobs.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(resp.Body)); err != nil {
		h.logger.Warn("archive page", zap.String("url", req.URL), zap.String("path", path), zap.Error(err))
	}
}

// saveRecord upserts by identity. A record without one reuses the identity
// of the same (spider, name, url) triple, or gets a fresh one.
func (h *Handle) saveRecord(ctx context.Context, req spider.Request, rec spider.Record) {
	deps := h.eng.deps
	if rec.Spider == "" {
		rec.Spider = req.Spider
	}
	if rec.Identity == "" {
		id, err := deps.Records.FindRecordIdentity(ctx, rec.Spider, rec.Name, rec.URL)
		if err != nil {
			h.logger.Error("lookup record identity", zap.String("record", rec.Name), zap.Error(err))
			return
		}
		rec.Identity = id
	}
	if rec.Identity == "" {
		id, err := deps.IDs.NewID()
		if err != nil {
			h.logger.Error("generate record identity", zap.String("record", rec.Name), zap.Error(err))
			return
		}
		rec.Identity = id
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = deps.Clock.Now()
	}
	if err := deps.Records.UpsertRecord(ctx, rec); err != nil {
		h.logger.Error("save record", zap.String("record", rec.Name), zap.Error(err))
		return
	}
	h.count(func(s *spider.Stats) { s.Records++ })
	h.emit(progress.Event{Stage: progress.StageRecordSaved, URL: rec.URL, Note: rec.Name})
}

func (h *Handle) count(fn func(*spider.Stats)) {
	h.mu.Lock()
	fn(&h.stats)
	h.mu.Unlock()
}
