// Package fetcher composes the page fetchers stages download through.
package fetcher

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/metrics"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// Detector decides whether a plain response needs a browser.
type Detector interface {
	ShouldPromote(resp *stage.Response) bool
}

// Router sends each request to Plain or Headless depending on the stage's
// fetch options. With a Detector, plain responses that look client-rendered
// are fetched again through Headless.
type Router struct {
	Plain    stage.Fetcher
	Headless stage.Fetcher
	Detector Detector
	Logger   *zap.Logger
}

// Get implements stage.Fetcher.
func (r Router) Get(ctx context.Context, url string, opts stage.FetchOptions) (*stage.Response, error) {
	if opts.Headless && r.Headless != nil {
		return r.Headless.Get(ctx, url, opts)
	}
	resp, err := r.Plain.Get(ctx, url, opts)
	if err != nil || r.Detector == nil || r.Headless == nil || !r.Detector.ShouldPromote(resp) {
		return resp, err
	}
	promoted, err := r.Headless.Get(ctx, url, opts)
	if err != nil {
		r.logger().Warn("headless promotion failed", zap.String("url", url), zap.Error(err))
		return resp, nil
	}
	r.logger().Info("headless promotion applied", zap.String("url", url))
	return promoted, nil
}

func (r Router) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Instrument records fetch metrics and a debug log line around next.
func Instrument(next stage.Fetcher, logger *zap.Logger) stage.Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return stage.FetcherFunc(func(ctx context.Context, url string, opts stage.FetchOptions) (*stage.Response, error) {
		start := time.Now()
		resp, err := next.Get(ctx, url, opts)
		elapsed := time.Since(start)
		if err != nil {
			metrics.ObserveFetch(url, "error", 0, elapsed)
			logger.Debug("fetch failed", zap.String("url", url), zap.Duration("duration", elapsed), zap.Error(err))
			return nil, err
		}
		metrics.ObserveFetch(url, strconv.Itoa(resp.StatusCode), len(resp.Body), elapsed)
		logger.Debug("fetched",
			zap.String("url", url),
			zap.String("final_url", resp.URL),
			zap.Int("status", resp.StatusCode),
			zap.Int("bytes", len(resp.Body)),
			zap.Bool("headless", opts.Headless),
			zap.Duration("duration", elapsed),
		)
		return resp, nil
	})
}
