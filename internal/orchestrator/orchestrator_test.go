package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/signal"
	"github.com/JakeFAU/stagecrawler/internal/stage"
	"github.com/JakeFAU/stagecrawler/internal/workqueue"
)

func TestVisitPersistsEveryLinkConcurrently(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 5)
	o := New(Config{MaxWorkers: 3}, zap.NewNop())

	res, err := o.Visit(context.Background(), shop.rt, "Listing", "")
	require.NoError(t, err)
	require.Equal(t, stage.Completed, res)
	require.Equal(t, []string{
		"http://shop.test/p/1", "http://shop.test/p/2", "http://shop.test/p/3",
		"http://shop.test/p/4", "http://shop.test/p/5",
	}, shop.saved.urls())
	for _, rec := range shop.saved.all() {
		require.NotContains(t, rec, TagStage)
		require.NotContains(t, rec, TagCase)
		require.NotContains(t, rec, TagURL)
		require.Contains(t, rec, "name")
	}
}

func TestVisitNeverExceedsMaxWorkersFetches(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 5)
	shop.fetcher.delay = 30 * time.Millisecond
	o := New(Config{MaxWorkers: 3}, zap.NewNop())

	res, err := o.Visit(context.Background(), shop.rt, "Listing", "")
	require.NoError(t, err)
	require.Equal(t, stage.Completed, res)
	require.LessOrEqual(t, shop.fetcher.maxInFlight(), 3)
	require.Len(t, shop.saved.all(), 5)
}

func TestVisitWithReservedEntrySlots(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 4)
	shop.fetcher.delay = 5 * time.Millisecond
	o := New(Config{MaxWorkers: 3, ReserveEntrySlots: true}, zap.NewNop())

	res, err := o.Visit(context.Background(), shop.rt, "Listing", "")
	require.NoError(t, err)
	require.Equal(t, stage.Completed, res)
	require.Len(t, shop.saved.all(), 4)
	// only the zeroth slot is left for fetches
	require.Equal(t, 1, shop.fetcher.maxInFlight())
}

func TestVisitEmptyTuneAbortsFanOut(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 1)
	shop.tune = func(context.Context, *stage.Stage) (stage.Record, error) { return stage.Record{}, nil }
	o := New(Config{MaxWorkers: 2}, zap.NewNop())

	res, err := o.Visit(context.Background(), shop.rt, "Listing", "http://a.test")
	require.Equal(t, stage.Failed, res)
	require.ErrorIs(t, err, signal.ErrBadTuneReturnValue)
	require.Contains(t, err.Error(), "Product")
	require.Contains(t, err.Error(), "{}")
	require.Empty(t, shop.saved.all())
}

func TestVisitEmptyTuneWithoutCaseAbortsFanOut(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"http://a.test":     `<a class="p" href="/p/1">1</a>`,
		"http://a.test/p/1": "<h1>A</h1>",
	}}
	rt := &stage.Runtime{Registry: stage.NewRegistry(), Fetcher: fetcher, Logger: zap.NewNop()}
	require.NoError(t, rt.Registry.RegisterStage(stage.Definition{
		Name: "Listing",
		URL:  "http://a.test",
		Next: "Child",
		Play: scrapeLinks("a.p"),
	}))
	require.NoError(t, rt.Registry.RegisterStage(stage.Definition{
		Name: "Child",
		Tune: func(context.Context, *stage.Stage) (stage.Record, error) { return stage.Record{}, nil },
	}))

	res, err := New(Config{MaxWorkers: 2}, zap.NewNop()).Visit(context.Background(), rt, "Listing", "")
	require.Equal(t, stage.Failed, res)
	require.ErrorIs(t, err, signal.ErrBadTuneReturnValue)
	require.Contains(t, err.Error(), "Child")
	require.Contains(t, err.Error(), "http://a.test/p/1")
}

func TestVisitPersistsExactNumbers(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 1)
	shop.tune = func(context.Context, *stage.Stage) (stage.Record, error) {
		return stage.Record{"id": int64(9007199254740993), "count": int64(3), "price": 9.5}, nil
	}

	res, err := New(Config{MaxWorkers: 2}, zap.NewNop()).Visit(context.Background(), shop.rt, "Listing", "")
	require.NoError(t, err)
	require.Equal(t, stage.Completed, res)

	recs := shop.saved.all()
	require.Len(t, recs, 1)
	require.Equal(t, int64(9007199254740993), recs[0]["id"])
	require.Equal(t, int64(3), recs[0]["count"])
	require.Equal(t, 9.5, recs[0]["price"])
}

func TestVisitRelaysSignalArgsFromCase(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 1)
	sent := signal.New(signal.InvalidState, "quota", int64(3), 0.5, true)
	shop.saved.err = sent

	res, err := New(Config{MaxWorkers: 2}, zap.NewNop()).Visit(context.Background(), shop.rt, "Listing", "")
	require.Equal(t, stage.Failed, res)
	var got *signal.Signal
	require.ErrorAs(t, err, &got)
	require.Equal(t, sent.Name, got.Name)
	require.Equal(t, sent.Args, got.Args)
	require.Empty(t, shop.saved.all())
}

func TestVisitJumpInPlaySkipsLink(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 3)
	shop.play = func(ctx context.Context, s *stage.Stage) error {
		if s.RawURL() == "/p/2" {
			return signal.Jump("not a product")
		}
		return s.Fetch(ctx)
	}
	o := New(Config{MaxWorkers: 2}, zap.NewNop())

	res, err := o.Visit(context.Background(), shop.rt, "Listing", "")
	require.NoError(t, err)
	require.Equal(t, stage.Completed, res)
	require.Equal(t, []string{"http://shop.test/p/1", "http://shop.test/p/3"}, shop.saved.urls())
}

func TestVisitStopFromCaseEndsCleanly(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 4)
	shop.saved.stopAfter = 1
	o := New(Config{MaxWorkers: 2}, zap.NewNop())

	res, err := o.Visit(context.Background(), shop.rt, "Listing", "")
	require.NoError(t, err)
	require.Equal(t, stage.Stopped, res)
	require.NotEmpty(t, shop.saved.all())
}

func TestVisitStopFromNestedStagePropagates(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"http://deep.test":     `<a class="c" href="/c/1">c</a>`,
		"http://deep.test/c/1": `<a class="p" href="/p/1">p</a><a class="p" href="/p/2">p</a>`,
		"http://deep.test/p/1": `<h1>x</h1>`,
	}}
	saved := &memCase{stopAfter: 1}
	rt := &stage.Runtime{Registry: stage.NewRegistry(), Fetcher: fetcher}
	require.NoError(t, rt.Registry.RegisterCase("mem", saved.factory()))
	require.NoError(t, rt.Registry.RegisterStage(stage.Definition{Name: "Home", Next: "Category", Play: scrapeLinks("a.c")}))
	require.NoError(t, rt.Registry.RegisterStage(stage.Definition{Name: "Category", Next: "Product", Play: scrapeLinks("a.p")}))
	require.NoError(t, rt.Registry.RegisterStage(stage.Definition{Name: "Product", Case: "mem"}))

	o := New(Config{MaxWorkers: 2}, zap.NewNop())
	res, err := o.Visit(context.Background(), rt, "Home", "http://deep.test")
	require.NoError(t, err)
	require.Equal(t, stage.Stopped, res)
}

func TestVisitInterrupted(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := New(Config{MaxWorkers: 2, ReserveEntrySlots: true}, zap.NewNop())

	res, err := o.Visit(ctx, shop.rt, "Listing", "")
	require.NoError(t, err)
	require.Equal(t, stage.Interrupted, res)
}

func TestScrapeWorkerCrashReleasesPermit(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 3)
	shop.fetcher.fail = map[string]error{"http://shop.test/p/2": errBoom}
	wq := workqueue.New(2, nil)
	p := NewPipeline(wq, nil, zap.NewNop())
	rt := shop.rt.WithScraper(p)

	root, err := rt.NewStage("Listing", "", nil)
	require.NoError(t, err)
	require.NoError(t, root.Fetch(context.Background()))

	err = root.Play(context.Background())
	require.ErrorIs(t, err, errBoom)
	require.Contains(t, err.Error(), `fetch_async("/p/2")`)
	require.Equal(t, []string{"http://shop.test/p/1", "http://shop.test/p/3"}, shop.saved.urls())
	require.Equal(t, 0, wq.Outstanding())
	require.False(t, wq.Closed())
}

func TestScrapeWorkerPanicIsCrash(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 2)
	shop.tune = func(_ context.Context, s *stage.Stage) (stage.Record, error) {
		if s.RawURL() == "/p/1" {
			panic("selector exploded")
		}
		return stage.Record{"name": "ok"}, nil
	}
	wq := workqueue.New(2, nil)
	p := NewPipeline(wq, nil, zap.NewNop())
	root, err := shop.rt.WithScraper(p).NewStage("Listing", "", nil)
	require.NoError(t, err)
	require.NoError(t, root.Fetch(context.Background()))

	err = root.Play(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "selector exploded")
	require.Equal(t, []string{"http://shop.test/p/2"}, shop.saved.urls())
	require.Equal(t, 0, wq.Outstanding())
}

func TestScrapeDropsRecordsThatCannotBeSerialized(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 2)
	shop.tune = func(_ context.Context, s *stage.Stage) (stage.Record, error) {
		if s.RawURL() == "/p/1" {
			return stage.Record{"raw": []byte("binary")}, nil
		}
		return stage.Record{"name": "ok"}, nil
	}
	o := New(Config{MaxWorkers: 2}, zap.NewNop())

	res, err := o.Visit(context.Background(), shop.rt, "Listing", "")
	require.NoError(t, err)
	require.Equal(t, stage.Completed, res)
	require.Equal(t, []string{"http://shop.test/p/2"}, shop.saved.urls())
}

func TestScrapeOnClosedQueueStops(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 2)
	wq := workqueue.New(2, nil)
	wq.Close()
	p := NewPipeline(wq, nil, zap.NewNop())
	root, err := shop.rt.WithScraper(p).NewStage("Listing", "", nil)
	require.NoError(t, err)

	err = p.Scrape(context.Background(), root, []string{"/p/1"})
	require.ErrorIs(t, err, signal.ErrStopScraping)
	require.Empty(t, shop.fetcher.calls())
}

func TestPersistAsyncStopClosesQueueAndRelaysSignal(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 1)
	shop.saved.stopAfter = 0
	shop.saved.stopNow = true
	wq := workqueue.New(2, nil)
	p := NewPipeline(wq, nil, zap.NewNop())
	root, err := shop.rt.WithScraper(p).NewStage("Listing", "", nil)
	require.NoError(t, err)

	require.NoError(t, wq.WaitForSlot(context.Background(), workerPersist, "test"))
	results := make(chan message, 1)
	p.persistAsync(context.Background(), root, stage.Record{
		TagStage: "Product",
		TagCase:  "mem",
		TagURL:   "http://shop.test/p/1",
		"name":   "One",
	}, results)

	require.True(t, wq.Closed())
	require.Equal(t, 0, wq.Outstanding())
	msg := <-results
	require.NoError(t, msg.crash)
	env, err := decodeEnvelope(msg.payload)
	require.NoError(t, err)
	require.NotNil(t, env.pair)
	require.Equal(t, signal.StopScraping, env.pair.Name)
	require.ErrorIs(t, p.signals.Decode(*env.pair), signal.ErrStopScraping)
}

func TestPersistAsyncUnknownErrorIsCrash(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 1)
	shop.saved.err = errBoom
	wq := workqueue.New(1, nil)
	p := NewPipeline(wq, nil, zap.NewNop())
	root, err := shop.rt.WithScraper(p).NewStage("Listing", "", nil)
	require.NoError(t, err)

	require.NoError(t, wq.WaitForSlot(context.Background(), workerPersist, "test"))
	results := make(chan message, 1)
	p.persistAsync(context.Background(), root, stage.Record{TagStage: "Product", TagCase: "mem", TagURL: "http://shop.test/p/1"}, results)

	msg := <-results
	require.ErrorIs(t, msg.crash, errBoom)
	require.False(t, wq.Closed())
	require.Equal(t, 0, wq.Outstanding())
}

func TestConsumeQueueKeepsCrashesAlongsideSignal(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 1)
	wq := workqueue.New(2, nil)
	p := NewPipeline(wq, nil, zap.NewNop())
	root, err := shop.rt.WithScraper(p).NewStage("Listing", "", nil)
	require.NoError(t, err)

	pair, err := p.signals.Encode(signal.Halt("saved enough"))
	require.NoError(t, err)
	data, err := encodePair(pair)
	require.NoError(t, err)

	results := make(chan message, 2)
	results <- message{crash: errBoom}
	results <- message{payload: data}

	err = p.consumeQueue(context.Background(), root, results, 2)
	require.ErrorIs(t, err, errBoom)
	require.ErrorIs(t, err, signal.ErrStopScraping)
	require.Equal(t, signal.Fatal, signal.Classify(err))
}

func TestSettleTreatsSignalJoinedWithCrashAsCrash(t *testing.T) {
	t.Parallel()

	wq := workqueue.New(1, nil)
	p := NewPipeline(wq, nil, zap.NewNop())

	msg := p.settle(zap.NewNop(), `fetch_async("/c/1")`, nil, errors.Join(errBoom, signal.Halt("nested stop")))
	require.ErrorIs(t, msg.crash, errBoom)
	require.Nil(t, msg.payload)
	require.False(t, wq.Closed())
}

func TestProceedToNextTargetsDescendantType(t *testing.T) {
	t.Parallel()

	shop := newShop(t, 1)
	p := NewPipeline(workqueue.New(1, nil), nil, nil)
	root, err := shop.rt.NewStage("Listing", "", nil)
	require.NoError(t, err)

	w, err := p.ProceedToNext(root, "/p/9")
	require.NoError(t, err)
	require.Equal(t, "Product", w.Child.Name())
	require.Same(t, root, w.Child.Parent())
	require.False(t, w.Child.Fetched())
}

// --- fakes ---

var errBoom = errors.New("boom")

type shopFixture struct {
	rt      *stage.Runtime
	fetcher *fakeFetcher
	saved   *memCase
	play    stage.PlayFunc
	tune    stage.TuneFunc
}

func newShop(t *testing.T, products int) *shopFixture {
	t.Helper()
	pages := map[string]string{}
	listing := ""
	for i := 1; i <= products; i++ {
		listing += fmt.Sprintf(`<a class="p" href="/p/%d">%d</a>`, i, i)
		pages[fmt.Sprintf("http://shop.test/p/%d", i)] = fmt.Sprintf("<h1>Product %d</h1>", i)
	}
	pages["http://shop.test"] = listing
	pages["http://a.test"] = `<a class="p" href="/p/1">1</a>`
	pages["http://a.test/p/1"] = "<h1>A</h1>"

	f := &shopFixture{fetcher: &fakeFetcher{pages: pages}, saved: &memCase{}}
	f.rt = &stage.Runtime{Registry: stage.NewRegistry(), Fetcher: f.fetcher, Logger: zap.NewNop()}
	require.NoError(t, f.rt.Registry.RegisterCase("mem", f.saved.factory()))
	require.NoError(t, f.rt.Registry.RegisterStage(stage.Definition{
		Name: "Listing",
		URL:  "http://shop.test",
		Next: "Product",
		Play: scrapeLinks("a.p"),
	}))
	require.NoError(t, f.rt.Registry.RegisterStage(stage.Definition{
		Name: "Product",
		Case: "mem",
		Play: func(ctx context.Context, s *stage.Stage) error {
			if f.play != nil {
				return f.play(ctx, s)
			}
			return s.Fetch(ctx)
		},
		Tune: func(ctx context.Context, s *stage.Stage) (stage.Record, error) {
			if f.tune != nil {
				return f.tune(ctx, s)
			}
			q, err := s.Query("h1")
			if err != nil {
				return nil, err
			}
			return stage.Record{"name": q.First()}, nil
		},
	}))
	return f
}

func scrapeLinks(selector string) stage.PlayFunc {
	return func(ctx context.Context, s *stage.Stage) error {
		q, err := s.Query(selector)
		if err != nil {
			return err
		}
		return s.Scrape(ctx, q.Attr("href").All()...)
	}
}

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]string
	fail     map[string]error
	delay    time.Duration
	urls     []string
	inFlight int
	peak     int
}

func (f *fakeFetcher) Get(ctx context.Context, url string, _ stage.FetchOptions) (*stage.Response, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	err := f.fail[url]
	body, ok := f.pages[url]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	return &stage.Response{URL: url, StatusCode: status, Body: []byte(body)}, nil
}

func (f *fakeFetcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

func (f *fakeFetcher) maxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type memCase struct {
	mu        sync.Mutex
	records   []stage.Record
	err       error
	stopAfter int
	stopNow   bool
}

func (m *memCase) factory() stage.CaseFactory {
	return func(*stage.Stage) (stage.Case, error) {
		return stage.CaseFunc(func(_ context.Context, rec stage.Record) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.err != nil {
				return m.err
			}
			if m.stopNow {
				return signal.Halt("told to stop")
			}
			m.records = append(m.records, rec)
			if m.stopAfter > 0 && len(m.records) >= m.stopAfter {
				return signal.Halt("saved enough")
			}
			return nil
		}), nil
	}
}

func (m *memCase) all() []stage.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stage.Record(nil), m.records...)
}

func (m *memCase) urls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec["url"].(string))
	}
	sort.Strings(out)
	return out
}
