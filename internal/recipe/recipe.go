// Package recipe builds stage definitions from configuration. A recipe stage
// follows the links matched by a selector and extracts record fields by
// selector and attribute.
package recipe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/config"
	"github.com/JakeFAU/stagecrawler/internal/signal"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

const defaultLinkAttr = "href"

// Register adds one definition per configured stage to reg.
func Register(reg *stage.Registry, stages []config.StageConfig) error {
	for _, sc := range stages {
		def, err := Definition(sc)
		if err != nil {
			return err
		}
		if err := reg.RegisterStage(def); err != nil {
			return err
		}
	}
	return nil
}

// Definition converts one stage declaration.
func Definition(sc config.StageConfig) (stage.Definition, error) {
	def := stage.Definition{
		Name: sc.Name,
		URL:  sc.URL,
		Next: sc.Next,
		Case: sc.Case,
		FetchOptions: stage.FetchOptions{
			Headless:   sc.Headless,
			Screenshot: sc.Screenshot,
			Headers:    headers(sc.Headers),
		},
	}
	if sc.Route.Pattern != "" {
		route, err := stage.NewRoute(sc.Route.Pattern, sc.Route.Template)
		if err != nil {
			return stage.Definition{}, fmt.Errorf("stage %s: %w", sc.Name, err)
		}
		def.Route = route
	}
	if sc.Links != "" {
		def.Play = followLinks(sc.Links, linkAttr(sc.LinkAttr))
	}
	if len(sc.Fields) > 0 {
		def.Tune = extractFields(sc.Name, sc.Fields, sc.Require)
	}
	return def, nil
}

func followLinks(selector, attr string) stage.PlayFunc {
	return func(ctx context.Context, s *stage.Stage) error {
		if err := s.Fetch(ctx); err != nil {
			return err
		}
		q, err := s.Query(selector)
		if err != nil {
			return err
		}
		links := absoluteLinks(s.Response().URL, q.Attr(attr).All())
		s.Logger().Debug("following links", zap.String("selector", selector), zap.Int("links", len(links)))
		return s.Scrape(ctx, links...)
	}
}

func extractFields(stageName string, fields map[string]config.FieldConfig, require []string) stage.TuneFunc {
	return func(_ context.Context, s *stage.Stage) (stage.Record, error) {
		rec := stage.Record{
			"datetime": s.Now().Format(time.RFC3339Nano),
			"stage":    stageName,
		}
		for name, field := range fields {
			q, err := s.Query(field.Selector)
			if err != nil {
				return nil, err
			}
			if field.Attr != "" {
				q = q.Attr(field.Attr)
			}
			if values := q.All(); len(values) > 0 {
				rec[name] = oneOrMany(values)
			}
		}
		for _, name := range require {
			if isBlank(rec[strings.ToLower(name)]) {
				return nil, signal.Jump(fmt.Sprintf("not a %s page", stageName))
			}
		}
		return rec, nil
	}
}

// absoluteLinks resolves hrefs against the page URL, drops anything that is
// not http(s) and removes duplicates keeping first-seen order.
func absoluteLinks(pageURL string, hrefs []string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}
	seen := make(map[string]bool, len(hrefs))
	out := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		if href == "" || strings.HasPrefix(href, "#") {
			continue
		}
		link := href
		if base != nil {
			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			abs := base.ResolveReference(ref)
			abs.Fragment = ""
			link = abs.String()
		}
		if !stage.IsAbsolute(link) || seen[link] {
			continue
		}
		seen[link] = true
		out = append(out, link)
	}
	return out
}

func linkAttr(attr string) string {
	if attr == "" {
		return defaultLinkAttr
	}
	return attr
}

func headers(in map[string]string) http.Header {
	if len(in) == 0 {
		return nil
	}
	h := make(http.Header, len(in))
	for k, v := range in {
		h.Set(k, v)
	}
	return h
}

func oneOrMany(values []string) any {
	if len(values) == 1 {
		return values[0]
	}
	return values
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []string:
		for _, s := range val {
			if strings.TrimSpace(s) != "" {
				return false
			}
		}
		return true
	default:
		return false
	}
}
