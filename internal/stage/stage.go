// Package stage implements the pipeline node: URL resolution, the
// fetch/play/tune/persist lifecycle, fan-out over scraped links and the
// pipeline entry point.
package stage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/dom"
	"github.com/JakeFAU/stagecrawler/internal/signal"
)

// Scraper fans a stage out over a set of links.
type Scraper interface {
	Scrape(ctx context.Context, parent *Stage, links []string) error
}

// Runtime holds the collaborators shared by every stage of a pipeline run.
type Runtime struct {
	Registry *Registry
	Fetcher  Fetcher
	// Scraper defaults to Sequential.
	Scraper Scraper
	Clock   Clock
	Logger  *zap.Logger
}

// WithScraper returns a copy of rt using scraper.
func (rt *Runtime) WithScraper(scraper Scraper) *Runtime {
	cp := *rt
	cp.Scraper = scraper
	return &cp
}

// NewStage builds a stage of the registered type name.
func (rt *Runtime) NewStage(name, rawURL string, parent *Stage) (*Stage, error) {
	def, err := rt.Registry.Stage(name)
	if err != nil {
		return nil, err
	}
	return New(rt, def, rawURL, parent), nil
}

// logger never returns nil.
func (rt *Runtime) logger() *zap.Logger {
	if rt.Logger == nil {
		return zap.NewNop()
	}
	return rt.Logger
}

func (rt *Runtime) scraper() Scraper {
	if rt.Scraper == nil {
		return Sequential{}
	}
	return rt.Scraper
}

func (rt *Runtime) now() time.Time {
	if rt.Clock == nil {
		return time.Now().UTC()
	}
	return rt.Clock.Now()
}

// Stage is one node of the pipeline. A Stage is owned by a single goroutine.
type Stage struct {
	rt       *Runtime
	def      *Definition
	rawURL   string
	url      string
	resolved bool
	parent   *Stage
	response *Response
	doc      *dom.Document
}

// New builds a stage. An empty rawURL falls back to the definition default.
func New(rt *Runtime, def *Definition, rawURL string, parent *Stage) *Stage {
	if rawURL == "" {
		rawURL = def.URL
	}
	return &Stage{rt: rt, def: def, rawURL: rawURL, parent: parent}
}

// Name returns the stage type identifier.
func (s *Stage) Name() string { return s.def.Name }

// Definition returns the stage type.
func (s *Stage) Definition() *Definition { return s.def }

// Runtime returns the shared collaborators.
func (s *Stage) Runtime() *Runtime { return s.rt }

// Parent returns the stage this one was scraped from, or nil.
func (s *Stage) Parent() *Stage { return s.parent }

// RawURL returns the unresolved URL fragment.
func (s *Stage) RawURL() string { return s.rawURL }

// Logger returns a logger annotated with the stage identity.
func (s *Stage) Logger() *zap.Logger {
	return s.rt.logger().With(zap.String("stage", s.def.Name), zap.String("raw_url", s.rawURL))
}

// URL resolves the stage URL. The first successful result is kept.
func (s *Stage) URL() (string, error) {
	if s.resolved {
		return s.url, nil
	}
	u, err := Resolve(s.rawURL, s.def.Route, s.parent)
	if err != nil {
		return "", err
	}
	s.url = u
	s.resolved = true
	return u, nil
}

// BaseURL is the URL relative links are resolved against: the final response
// URL once fetched, the resolved URL otherwise.
func (s *Stage) BaseURL() (string, error) {
	if s.response != nil && s.response.URL != "" {
		return s.response.URL, nil
	}
	return s.URL()
}

// Now returns the runtime clock's current time.
func (s *Stage) Now() time.Time { return s.rt.now() }

// Fetched reports whether Fetch has stored a response.
func (s *Stage) Fetched() bool { return s.response != nil }

// Response returns the fetch result or nil.
func (s *Stage) Response() *Response { return s.response }

// Fetch retrieves the stage URL once.
func (s *Stage) Fetch(ctx context.Context) error {
	if s.response != nil {
		return nil
	}
	if s.rawURL == "" {
		return signal.State("cannot fetch stage %s without a URL", s.def.Name)
	}
	u, err := s.URL()
	if err != nil {
		return err
	}
	if s.rt.Fetcher == nil {
		return signal.State("stage %s has no fetcher", s.def.Name)
	}
	resp, err := s.rt.Fetcher.Get(ctx, u, s.def.FetchOptions)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", u, err)
	}
	if resp.FetchedAt.IsZero() {
		resp.FetchedAt = s.rt.now()
	}
	s.response = resp
	return nil
}

// Play runs the stage's play hook. The default only fetches.
func (s *Stage) Play(ctx context.Context) error {
	if s.def.Play != nil {
		return s.def.Play(ctx, s)
	}
	return s.Fetch(ctx)
}

// Tune produces the record for this stage. The default is a timestamp and
// the stage name.
func (s *Stage) Tune(ctx context.Context) (Record, error) {
	if s.def.Tune != nil {
		return s.def.Tune(ctx, s)
	}
	return Record{
		"datetime": s.rt.now().Format(time.RFC3339Nano),
		"stage":    s.def.Name,
	}, nil
}

// Persist hands rec to the stage's case. Stages without a case persist nothing.
func (s *Stage) Persist(ctx context.Context, rec Record) error {
	return s.PersistTo(ctx, s.def.Case, rec)
}

// PersistTo hands rec, merged over {"url": URL()}, to the named case.
func (s *Stage) PersistTo(ctx context.Context, caseName string, rec Record) error {
	if caseName == "" {
		return nil
	}
	factory, err := s.rt.Registry.Case(caseName)
	if err != nil {
		return err
	}
	c, err := factory(s)
	if err != nil {
		return fmt.Errorf("build case %s: %w", caseName, err)
	}
	u, err := s.URL()
	if err != nil {
		return err
	}
	final := Record{"url": u}
	for k, v := range rec {
		final[k] = v
	}
	return c.Save(ctx, final)
}

// Scrape fans out over links using the runtime scraper.
func (s *Stage) Scrape(ctx context.Context, links ...string) error {
	if len(links) == 0 {
		return nil
	}
	return s.rt.scraper().Scrape(ctx, s, links)
}

// Descendant builds the stage for a scraped link. When the stage names a
// next type the child is parented to s; when the stage repeats itself the
// child is parented to s's parent so chains of the same type stay flat.
func (s *Stage) Descendant(link string) (*Stage, error) {
	if s.def.Next != "" {
		def, err := s.rt.Registry.Stage(s.def.Next)
		if err != nil {
			return nil, err
		}
		return New(s.rt, def, link, s), nil
	}
	parent := s.parent
	if parent == nil {
		parent = s
	}
	return New(s.rt, s.def, link, parent), nil
}

// Document parses the fetched body.
func (s *Stage) Document() (*dom.Document, error) {
	if s.response == nil {
		return nil, signal.State("stage %s has not been fetched", s.def.Name)
	}
	if s.doc == nil {
		doc, err := dom.Parse(s.response.Body)
		if err != nil {
			return nil, err
		}
		s.doc = doc
	}
	return s.doc, nil
}

// Query runs a CSS selector against the fetched body.
func (s *Stage) Query(selector string) (*dom.Query, error) {
	doc, err := s.Document()
	if err != nil {
		return nil, err
	}
	return doc.Query(selector), nil
}

// EmptyValue renders an empty tune result for error messages.
func EmptyValue(rec Record) string {
	if rec == nil {
		return "null"
	}
	return "{}"
}
