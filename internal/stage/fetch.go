package stage

import (
	"context"
	"net/http"
	"time"
)

// FetchOptions are forwarded to the Fetcher with every request.
type FetchOptions struct {
	Headless   bool
	Screenshot bool
	Headers    http.Header
}

// Response is the result of fetching a stage URL.
type Response struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Screenshot []byte
	FetchedAt  time.Time
}

// Fetcher retrieves a page.
type Fetcher interface {
	Get(ctx context.Context, url string, opts FetchOptions) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string, opts FetchOptions) (*Response, error)

// Get implements Fetcher.
func (f FetcherFunc) Get(ctx context.Context, url string, opts FetchOptions) (*Response, error) {
	return f(ctx, url, opts)
}

// Clock supplies timestamps for default records.
type Clock interface {
	Now() time.Time
}
