package spiderdef

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"text/template"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

type links struct {
	selector expr
	group    *expr
	name     *expr
	url      *expr
}

type search struct {
	url    *template.Template
	result expr
}

// Type is a compiled spider. It is immutable and safe for concurrent use.
type Type struct {
	name      string
	startURLs []string
	settings  spider.Settings

	follow     *expr
	record     *expr
	recordName *expr

	title  expr
	fields map[string]expr
	links  *links

	search *search
}

var (
	_ spider.JobType   = (*Type)(nil)
	_ spider.Refresher = (*Type)(nil)
	_ spider.Searcher  = (*Type)(nil)
)

// Name returns the spider name.
func (t *Type) Name() string { return t.name }

// Settings returns the engine knobs declared by the spider.
func (t *Type) Settings() spider.Settings {
	s := t.settings
	s.AllowedDomains = append([]string(nil), t.settings.AllowedDomains...)
	return s
}

// StartRequests returns one parse request per start URL.
func (t *Type) StartRequests() []spider.Request {
	reqs := make([]spider.Request, 0, len(t.startURLs))
	for _, u := range t.startURLs {
		reqs = append(reqs, spider.Request{URL: u, Callback: spider.CallbackParse, Spider: t.name})
	}
	return reqs
}

// RefreshRequest re-scrapes a record this spider produced before.
func (t *Type) RefreshRequest(brief spider.RecordBrief) spider.Request {
	return spider.Request{
		URL:        brief.URL,
		Callback:   spider.CallbackRecord,
		Spider:     t.name,
		Meta:       spider.Meta{RecordIdentity: brief.Identity},
		DontFilter: true,
	}
}

// CanSearch reports whether the spider declares a search block.
func (t *Type) CanSearch() bool { return t.search != nil }

// SearchRequest builds the search request for a bare record name.
func (t *Type) SearchRequest(recordName string) (spider.Request, error) {
	if t.search == nil {
		return spider.Request{}, fmt.Errorf("spider %s has no search", t.name)
	}
	var buf bytes.Buffer
	if err := t.search.url.Execute(&buf, struct{ Name string }{recordName}); err != nil {
		return spider.Request{}, fmt.Errorf("render search url: %w", err)
	}
	if err := checkAbsolute(buf.String()); err != nil {
		return spider.Request{}, err
	}
	return spider.Request{
		URL:      buf.String(),
		Callback: spider.CallbackSearch,
		Spider:   t.name,
		Meta:     spider.Meta{RecordName: recordName},
	}, nil
}

// Handle runs the callback named by req against page.
func (t *Type) Handle(_ context.Context, req spider.Request, page spider.Page) (spider.Output, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return spider.Output{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return spider.Output{}, fmt.Errorf("page url: %w", err)
	}
	switch req.Callback {
	case spider.CallbackParse, "":
		return t.parseListing(doc.Selection, base, req), nil
	case spider.CallbackRecord:
		return t.parseRecord(doc.Selection, base, req, page), nil
	case spider.CallbackSearch:
		return t.parseSearch(doc.Selection, base, req), nil
	default:
		return spider.Output{}, fmt.Errorf("spider %s has no callback %q", t.name, req.Callback)
	}
}

func (t *Type) parseListing(doc *goquery.Selection, base *url.URL, req spider.Request) spider.Output {
	var out spider.Output
	if t.follow != nil {
		t.follow.each(doc, func(_ *goquery.Selection, href string) {
			if u, ok := resolve(base, href); ok {
				out.Requests = append(out.Requests, spider.Request{
					URL: u, Callback: spider.CallbackParse, Spider: t.name, Depth: req.Depth + 1,
				})
			}
		})
	}
	if t.record != nil {
		t.record.each(doc, func(el *goquery.Selection, href string) {
			u, ok := resolve(base, href)
			if !ok {
				return
			}
			name := collapse(el.Text())
			if t.recordName != nil {
				if v, ok := t.recordName.first(el); ok {
					name = v
				}
			}
			out.Requests = append(out.Requests, spider.Request{
				URL:      u,
				Callback: spider.CallbackRecord,
				Spider:   t.name,
				Meta:     spider.Meta{RecordName: name},
				Depth:    req.Depth + 1,
			})
		})
	}
	return out
}

func (t *Type) parseRecord(doc *goquery.Selection, base *url.URL, req spider.Request, page spider.Page) spider.Output {
	name, ok := t.title.first(doc)
	if !ok || name == "" {
		name = req.Meta.RecordName
	}
	if name == "" {
		return spider.Output{}
	}
	payload := make(map[string]any, len(t.fields)+1)
	for field, e := range t.fields {
		if v, ok := e.first(doc); ok {
			if e.attr == "src" || e.attr == "href" {
				if abs, ok := resolve(base, v); ok {
					v = abs
				}
			}
			payload[field] = v
		}
	}
	if t.links != nil {
		payload["links"] = t.extractLinks(doc, base)
	}
	return spider.Output{Records: []spider.Record{{
		Identity: req.Meta.RecordIdentity,
		Spider:   t.name,
		Name:     name,
		URL:      page.URL,
		Payload:  payload,
	}}}
}

func (t *Type) extractLinks(doc *goquery.Selection, base *url.URL) []map[string]string {
	out := []map[string]string{}
	t.links.selector.targets(doc).Each(func(_ int, el *goquery.Selection) {
		entry := map[string]string{}
		if t.links.group != nil {
			if v, ok := t.links.group.first(el); ok {
				entry["group"] = v
			}
		}
		if v, ok := t.links.name.first(el); ok {
			entry["name"] = v
		}
		if v, ok := t.links.url.first(el); ok {
			if abs, ok := resolve(base, v); ok {
				entry["url"] = abs
			}
		}
		if entry["url"] != "" {
			out = append(out, entry)
		}
	})
	return out
}

func (t *Type) parseSearch(doc *goquery.Selection, base *url.URL, req spider.Request) spider.Output {
	if t.search == nil {
		return spider.Output{}
	}
	href, ok := t.search.result.first(doc)
	if !ok {
		return spider.Output{}
	}
	u, ok := resolve(base, href)
	if !ok {
		return spider.Output{}
	}
	return spider.Output{Requests: []spider.Request{{
		URL:      u,
		Callback: spider.CallbackRecord,
		Spider:   t.name,
		Meta:     req.Meta,
		Depth:    req.Depth + 1,
	}}}
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}
