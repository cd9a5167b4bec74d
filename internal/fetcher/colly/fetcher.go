// Package collyfetcher implements stage.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/stage"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher issues one synchronous colly visit per Get. Every visit runs on a
// clone of a single base collector, so clones share the HTTP client and the
// robots.txt cache.
type Fetcher struct {
	base   *colly.Collector
	robots *robotsGuard
	logger *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		// stages decide what a non-2xx status means
		colly.ParseHTTPErrorResponse(),
	)
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	base.IgnoreRobotsTxt = !cfg.RespectRobots
	base.SetRequestTimeout(cfg.Timeout)

	f := &Fetcher{base: base, logger: logger.Named("fetcher.colly")}
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		f.robots = newRobotsGuard(transport)
		transport = f.robots
	}
	base.WithTransport(transport)
	return f
}

// Get fetches url. Non-2xx responses are returned as responses, not errors.
func (f *Fetcher) Get(ctx context.Context, rawURL string, opts stage.FetchOptions) (*stage.Response, error) {
	c := &capture{headers: opts.Headers}
	collector := f.base.Clone()
	collector.Context = ctx
	collector.OnRequest(c.onRequest)
	collector.OnResponse(c.onResponse)
	collector.OnError(c.onError)

	done := make(chan error, 1)
	go func() { done <- collector.Visit(rawURL) }()

	var err error
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err = <-done:
	}
	f.reportRobotsFallback(rawURL)
	if err != nil {
		return nil, fmt.Errorf("colly visit %s: %w", rawURL, err)
	}
	if c.err != nil {
		return nil, fmt.Errorf("colly response %s: %w", rawURL, c.err)
	}
	if c.resp == nil {
		return nil, fmt.Errorf("colly visit %s: no response", rawURL)
	}
	return c.resp, nil
}

func (f *Fetcher) reportRobotsFallback(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	if cause := f.robots.takeFallback(u.Host); cause != nil {
		f.logger.Warn("robots.txt unreachable, treating host as allowed",
			zap.String("host", u.Host), zap.Error(cause))
	}
}

// capture records what the collector callbacks saw for one visit.
type capture struct {
	headers http.Header
	resp    *stage.Response
	err     error
}

func (c *capture) onRequest(r *colly.Request) {
	for key, values := range c.headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func (c *capture) onResponse(r *colly.Response) {
	resp := &stage.Response{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		FetchedAt:  time.Now().UTC(),
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	c.resp = resp
}

func (c *capture) onError(_ *colly.Response, err error) {
	c.err = err
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
