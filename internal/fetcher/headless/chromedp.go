// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/stagecrawler/internal/stage"
)

const (
	defaultNavTimeout = 45 * time.Second
	screenshotQuality = 90
	// settle gives client-side rendering a moment after the body is ready.
	settle = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrent browser tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Screenshot captures a full-page screenshot for every fetch, not only
	// for stages that ask for one.
	Screenshot bool
}

// Fetcher renders pages in tabs of one shared headless Chrome.
type Fetcher struct {
	cfg         Config
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser is
// started lazily by the first Get.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Get opens url in a new tab and returns the rendered DOM. The status and
// headers are those of the main document response.
func (f *Fetcher) Get(ctx context.Context, url string, opts stage.FetchOptions) (*stage.Response, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("wait for browser tab: %w", err)
		}
		defer f.tabs.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	var (
		html       string
		location   string
		screenshot []byte
	)
	actions := []chromedp.Action{
		f.prepareTab(opts.Headers),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if opts.Screenshot || f.cfg.Screenshot {
		actions = append(actions, chromedp.FullScreenshot(&screenshot, screenshotQuality))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("headless fetch %s canceled: %w", url, ctx.Err())
		}
		return nil, fmt.Errorf("headless fetch %s: %w", url, err)
	}

	resp := doc.response(url, location)
	resp.Body = []byte(html)
	resp.Screenshot = screenshot
	resp.FetchedAt = time.Now().UTC()
	return resp, nil
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// documentResponse remembers the last main-document response a tab saw.
// Redirects produce several; the last one is the page that rendered.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	headers := fromNetworkHeaders(e.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(e.Response.Status)
	d.headers = headers
	d.url = e.Response.URL
}

// response builds the stage response, falling back to the browser location
// and then the requested URL when no document event was seen.
func (d *documentResponse) response(requested, location string) *stage.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := &stage.Response{URL: d.url, StatusCode: d.status, Headers: d.headers}
	if resp.URL == "" {
		resp.URL = location
	}
	if resp.URL == "" {
		resp.URL = requested
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	return resp
}

func fromNetworkHeaders(in network.Headers) http.Header {
	out := make(http.Header, len(in))
	for key, value := range in {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []string:
			for _, entry := range v {
				out.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
