// Package detector decides when a plain HTTP response should be re-fetched
// with a headless browser for spiders using render: auto.
package detector

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

const (
	defaultBodyThreshold = 2048
	defaultScriptPercent = 25
)

var defaultMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("please enable javascript"),
}

// Heuristic promotes responses that look like client-rendered shells.
type Heuristic struct {
	// BodyThreshold is the size below which script-heavy bodies are promoted.
	BodyThreshold int
	// ScriptPercent is the share of the body inside <script> tags that counts as script-heavy.
	ScriptPercent int
	markers       [][]byte
}

var _ spider.HeadlessDetector = (*Heuristic)(nil)

// NewHeuristic builds a detector; extra markers are matched case-insensitively
// in addition to the built-in ones.
func NewHeuristic(threshold int, extraMarkers ...string) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyThreshold
	}
	markers := append([][]byte(nil), defaultMarkers...)
	for _, m := range extraMarkers {
		if m != "" {
			markers = append(markers, bytes.ToLower([]byte(m)))
		}
	}
	return &Heuristic{BodyThreshold: threshold, ScriptPercent: defaultScriptPercent, markers: markers}
}

// ShouldPromote implements spider.HeadlessDetector.
func (h *Heuristic) ShouldPromote(resp spider.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if len(resp.Body) == 0 {
		return true
	}
	lower := bytes.ToLower(resp.Body)
	if len(lower) < h.BodyThreshold && scriptPercent(lower) >= h.ScriptPercent {
		return true
	}
	for _, marker := range h.markers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptPercent returns how much of body, in percent, sits inside script
// elements. Unterminated tags count to the end of the body.
func scriptPercent(body []byte) int {
	total := len(body)
	if total == 0 {
		return 0
	}
	openTag, closeTag := []byte("<script"), []byte("</script>")
	covered := 0
	rest := body
	for {
		start := bytes.Index(rest, openTag)
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start:], closeTag)
		if end < 0 {
			covered += len(rest) - start
			break
		}
		end += start + len(closeTag)
		covered += end - start
		rest = rest[end:]
	}
	return covered * 100 / total
}
