package spiderdef

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

const filmModule = `
spiders:
  - name: films
    start_urls: ["https://films.example/list"]
    allowed_domains: ["films.example"]
    render: auto
    settings:
      download_delay: 500ms
      concurrency: 4
      max_depth: 3
    parse:
      follow: "a.next"
      record: "div.film a.title"
      record_name: "@data-name"
    parse_record:
      name: "h1"
      fields:
        poster: "img.poster@src"
        year: "span.year"
      links:
        selector: "ul.players a"
        group: "@data-player"
    search:
      url: "https://films.example/search?q={{ .Name | urlquery }}"
      result: "div.result a"
  - name: shorts
    start_urls: ["https://shorts.example/"]
    parse_record:
      name: "h2"
`

func TestCompileModule(t *testing.T) {
	t.Parallel()

	mod, err := Compile(filmModule)
	require.NoError(t, err)
	assert.Equal(t, []string{"films", "shorts"}, mod.Names())

	films, err := mod.Lookup("films")
	require.NoError(t, err)
	assert.Equal(t, "films", films.Name())
	assert.True(t, films.CanSearch())

	settings := films.Settings()
	assert.Equal(t, 500*time.Millisecond, settings.DownloadDelay)
	assert.Equal(t, 4, settings.Concurrency)
	assert.Equal(t, 3, settings.MaxDepth)
	assert.Equal(t, spider.RenderAuto, settings.Render)
	assert.Equal(t, []string{"films.example"}, settings.AllowedDomains)

	assert.Equal(t, []spider.Request{{
		URL: "https://films.example/list", Callback: spider.CallbackParse, Spider: "films",
	}}, films.StartRequests())

	shorts, err := mod.Lookup("shorts")
	require.NoError(t, err)
	assert.False(t, shorts.CanSearch())
	assert.Equal(t, spider.RenderNever, shorts.Settings().Render)
	_, err = shorts.SearchRequest("x")
	require.Error(t, err)

	_, err = mod.Lookup("missing")
	require.ErrorContains(t, err, "no spider named missing")
}

func TestCompileRejectsInvalidModules(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":          "   ",
		"syntax":         "spiders: [",
		"no spiders":     "spiders: []",
		"missing name":   "spiders:\n  - start_urls: [\"https://a.example\"]\n    parse_record: {name: h1}",
		"duplicate":      "spiders:\n  - {name: a, start_urls: [\"https://a.example\"], parse_record: {name: h1}}\n  - {name: a, start_urls: [\"https://a.example\"], parse_record: {name: h1}}",
		"no record name": "spiders:\n  - {name: a, start_urls: [\"https://a.example\"]}",
		"no entry point": "spiders:\n  - {name: a, parse_record: {name: h1}}",
		"relative start": "spiders:\n  - {name: a, start_urls: [\"/list\"], parse_record: {name: h1}}",
		"bad selector":   "spiders:\n  - {name: a, start_urls: [\"https://a.example\"], parse_record: {name: \"div[\"}}",
		"bad render":     "spiders:\n  - {name: a, render: sometimes, start_urls: [\"https://a.example\"], parse_record: {name: h1}}",
		"negative":       "spiders:\n  - {name: a, settings: {concurrency: -1}, start_urls: [\"https://a.example\"], parse_record: {name: h1}}",
		"bad template":   "spiders:\n  - {name: a, search: {url: \"https://a.example/?q={{ .Name\", result: a}, parse_record: {name: h1}}",
		"unknown field":  "spiders:\n  - {name: a, search: {url: \"https://a.example/?q={{ .Title }}\", result: a}, parse_record: {name: h1}}",
		"search partial": "spiders:\n  - {name: a, search: {url: \"https://a.example/\"}, parse_record: {name: h1}}",
	}
	for name, src := range cases {
		src := src
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Compile(src)
			require.Error(t, err)
		})
	}
}

func TestHandleListing(t *testing.T) {
	t.Parallel()

	mod, err := Compile(filmModule)
	require.NoError(t, err)
	films, err := mod.Lookup("films")
	require.NoError(t, err)

	body := `<html><body>
		<div class="film"><a class="title" href="/film/1" data-name="Alien">Alien (1979)</a></div>
		<div class="film"><a class="title" href="https://films.example/film/2" data-name="Heat">Heat</a></div>
		<div class="film"><a class="title" href="#">skip</a></div>
		<a class="next" href="list?page=2">next</a>
	</body></html>`
	out, err := films.Handle(context.Background(),
		spider.Request{URL: "https://films.example/list", Callback: spider.CallbackParse, Depth: 1},
		spider.Page{URL: "https://films.example/list", StatusCode: 200, Body: []byte(body)})
	require.NoError(t, err)
	require.Empty(t, out.Records)
	require.Len(t, out.Requests, 3)

	assert.Equal(t, spider.Request{
		URL: "https://films.example/list?page=2", Callback: spider.CallbackParse, Spider: "films", Depth: 2,
	}, out.Requests[0])
	assert.Equal(t, "https://films.example/film/1", out.Requests[1].URL)
	assert.Equal(t, spider.CallbackRecord, out.Requests[1].Callback)
	assert.Equal(t, "Alien", out.Requests[1].Meta.RecordName)
	assert.Equal(t, "Heat", out.Requests[2].Meta.RecordName)
}

func TestHandleRecord(t *testing.T) {
	t.Parallel()

	mod, err := Compile(filmModule)
	require.NoError(t, err)
	films, err := mod.Lookup("films")
	require.NoError(t, err)

	body := `<html><body>
		<h1>  Alien
		</h1>
		<img class="poster" src="/img/alien.jpg">
		<span class="year">1979</span>
		<ul class="players">
			<li><a data-player="hd" href="/play/1">Part 1</a></li>
			<li><a data-player="sd" href="/play/2">Part 2</a></li>
		</ul>
	</body></html>`
	req := films.RefreshRequest(spider.RecordBrief{Spider: "films", Identity: "id-1", URL: "https://films.example/film/1"})
	assert.Equal(t, spider.CallbackRecord, req.Callback)
	assert.Equal(t, "id-1", req.Meta.RecordIdentity)

	out, err := films.Handle(context.Background(), req,
		spider.Page{URL: req.URL, StatusCode: 200, Body: []byte(body)})
	require.NoError(t, err)
	require.Len(t, out.Records, 1)

	rec := out.Records[0]
	assert.Equal(t, "id-1", rec.Identity)
	assert.Equal(t, "films", rec.Spider)
	assert.Equal(t, "Alien", rec.Name)
	assert.Equal(t, "https://films.example/film/1", rec.URL)
	assert.Equal(t, "https://films.example/img/alien.jpg", rec.Payload["poster"])
	assert.Equal(t, "1979", rec.Payload["year"])
	assert.Equal(t, []map[string]string{
		{"group": "hd", "name": "Part 1", "url": "https://films.example/play/1"},
		{"group": "sd", "name": "Part 2", "url": "https://films.example/play/2"},
	}, rec.Payload["links"])
}

func TestHandleRecordFallsBackToRequestName(t *testing.T) {
	t.Parallel()

	mod, err := Compile(filmModule)
	require.NoError(t, err)
	films, err := mod.Lookup("films")
	require.NoError(t, err)

	out, err := films.Handle(context.Background(),
		spider.Request{Callback: spider.CallbackRecord, Meta: spider.Meta{RecordName: "Heat"}},
		spider.Page{URL: "https://films.example/film/2", Body: []byte("<p>no title</p>")})
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	assert.Equal(t, "Heat", out.Records[0].Name)

	out, err = films.Handle(context.Background(),
		spider.Request{Callback: spider.CallbackRecord},
		spider.Page{URL: "https://films.example/film/2", Body: []byte("<p>no title</p>")})
	require.NoError(t, err)
	assert.Empty(t, out.Records)
}

func TestSearch(t *testing.T) {
	t.Parallel()

	mod, err := Compile(filmModule)
	require.NoError(t, err)
	films, err := mod.Lookup("films")
	require.NoError(t, err)

	req, err := films.SearchRequest("The Thing")
	require.NoError(t, err)
	assert.Equal(t, "https://films.example/search?q=The+Thing", req.URL)
	assert.Equal(t, spider.CallbackSearch, req.Callback)
	assert.Equal(t, "films", req.Spider)
	assert.Equal(t, "The Thing", req.Meta.RecordName)

	out, err := films.Handle(context.Background(), req, spider.Page{
		URL:  req.URL,
		Body: []byte(`<div class="result"><a href="/film/9">The Thing</a></div><div class="result"><a href="/film/10">x</a></div>`),
	})
	require.NoError(t, err)
	require.Len(t, out.Requests, 1)
	assert.Equal(t, "https://films.example/film/9", out.Requests[0].URL)
	assert.Equal(t, spider.CallbackRecord, out.Requests[0].Callback)
	assert.Equal(t, "The Thing", out.Requests[0].Meta.RecordName)
}

func TestHandleUnknownCallback(t *testing.T) {
	t.Parallel()

	mod, err := Compile(filmModule)
	require.NoError(t, err)
	films, err := mod.Lookup("films")
	require.NoError(t, err)

	_, err = films.Handle(context.Background(), spider.Request{Callback: "parse_image"},
		spider.Page{URL: "https://films.example/", Body: []byte("<p></p>")})
	require.ErrorContains(t, err, "parse_image")
}
