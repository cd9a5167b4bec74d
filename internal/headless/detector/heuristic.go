// Package detector decides when a plain fetch should be repeated in a
// browser because the page looks like a client-rendered shell.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/stagecrawler/internal/stage"
)

const (
	defaultBodyLengthThreshold = 2048
	// scriptSharePercent is the share of a small page covered by <script>
	// elements above which it counts as a shell.
	scriptSharePercent = 25
)

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// Heuristic promotes empty pages, small script-heavy pages and pages that
// carry a single-page-app mount point.
type Heuristic struct {
	// BodyLengthThreshold is the size below which script density is checked.
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A non-positive threshold uses 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// ShouldPromote decides whether a headless fetch is required. Only 200
// responses are candidates.
func (h *Heuristic) ShouldPromote(resp *stage.Response) bool {
	if resp == nil || resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	switch {
	case len(bytes.TrimSpace(body)) == 0:
		return true
	case len(body) < h.BodyLengthThreshold && scriptShare(body) >= scriptSharePercent:
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body spanned by <script> elements,
// tags included. An unterminated script runs to the end of the body.
func scriptShare(body []byte) int {
	lower := strings.ToLower(string(body))
	if lower == "" {
		return 0
	}
	covered := 0
	rest := lower
	for {
		start := strings.Index(rest, "<script")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "</script>")
		if end < 0 {
			covered += len(rest) - start
			break
		}
		end += start + len("</script>")
		covered += end - start
		rest = rest[end:]
	}
	return covered * 100 / len(lower)
}
