// Package dom wraps goquery with the small query surface stages use to pull
// links and fields out of fetched pages.
package dom

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Document is a parsed HTML page.
type Document struct {
	doc *goquery.Document
}

// Parse builds a Document from raw HTML.
func Parse(body []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Query selects the elements matching a CSS selector.
func (d *Document) Query(selector string) *Query {
	return &Query{sel: d.doc.Find(selector)}
}

// Title returns the trimmed document title.
func (d *Document) Title() string {
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// Query is a selection plus an optional attribute projection.
type Query struct {
	sel  *goquery.Selection
	attr string
}

// Attr projects the selection onto the named attribute. Elements without the
// attribute are skipped.
func (q *Query) Attr(name string) *Query {
	return &Query{sel: q.sel, attr: name}
}

// Len returns the number of matched elements.
func (q *Query) Len() int {
	return q.sel.Length()
}

// All returns every value: attribute values when projected, trimmed text otherwise.
func (q *Query) All() []string {
	if q.attr != "" {
		return q.attrs()
	}
	return q.texts()
}

// First returns the first value or the empty string.
func (q *Query) First() string {
	values := q.All()
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Text returns trimmed element text, collapsed to a string when exactly one
// element matched and a []string otherwise.
func (q *Query) Text() any {
	return oneOrMany(q.texts())
}

// Raw returns attribute values when projected, or outer HTML for each
// element, collapsed the same way as Text.
func (q *Query) Raw() any {
	if q.attr != "" {
		return oneOrMany(q.attrs())
	}
	out := make([]string, 0, q.sel.Length())
	q.sel.Each(func(_ int, s *goquery.Selection) {
		html, err := goquery.OuterHtml(s)
		if err == nil {
			out = append(out, html)
		}
	})
	return oneOrMany(out)
}

// HTML returns the outer HTML of every matched element concatenated.
func (q *Query) HTML() string {
	var b strings.Builder
	q.sel.Each(func(_ int, s *goquery.Selection) {
		if html, err := goquery.OuterHtml(s); err == nil {
			b.WriteString(html)
		}
	})
	return b.String()
}

func (q *Query) texts() []string {
	out := make([]string, 0, q.sel.Length())
	q.sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, strings.TrimSpace(s.Text()))
	})
	return out
}

func (q *Query) attrs() []string {
	out := make([]string, 0, q.sel.Length())
	q.sel.Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr(q.attr); ok {
			out = append(out, strings.TrimSpace(v))
		}
	})
	return out
}

func oneOrMany(values []string) any {
	if len(values) == 1 {
		return values[0]
	}
	return values
}
