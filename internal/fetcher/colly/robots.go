package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// robotsGuard sits under a collector that respects robots.txt. When the
// robots.txt request itself fails at the transport level the guard answers
// with an allow-all file and remembers why, so an unreachable robots.txt
// does not fail the stage fetch behind it. Colly caches robots.txt per host,
// so each host falls back at most once.
type robotsGuard struct {
	base http.RoundTripper

	mu     sync.Mutex
	causes map[string]error
}

func newRobotsGuard(base http.RoundTripper) *robotsGuard {
	return &robotsGuard{base: base, causes: make(map[string]error)}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	resp, err := g.base.RoundTrip(req)
	if err == nil || !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return resp, err //nolint:wrapcheck // transport errors reach colly unchanged
	}
	if errors.Is(err, context.Canceled) {
		return nil, err //nolint:wrapcheck // see above
	}
	g.mu.Lock()
	g.causes[req.URL.Host] = err
	g.mu.Unlock()
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}, nil
}

// takeFallback returns, once, the transport error that made host's
// robots.txt allow-all.
func (g *robotsGuard) takeFallback(host string) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.causes[host]
	delete(g.causes, host)
	return err
}
