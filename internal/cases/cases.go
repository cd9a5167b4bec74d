// Package cases holds the persistence handlers records are saved through.
// Backends live in subpackages; this package provides the shared record
// document plus the combinators that wrap other sinks.
package cases

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/stagecrawler/internal/signal"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// Document is the stored form of a record.
type Document struct {
	ID      string       `json:"id,omitempty"`
	Stage   string       `json:"stage"`
	URL     string       `json:"url"`
	SavedAt time.Time    `json:"saved_at"`
	Record  stage.Record `json:"record"`
}

// NewDocument wraps rec with the stage it came from.
func NewDocument(id string, s *stage.Stage, rec stage.Record) Document {
	u, _ := rec["url"].(string)
	return Document{ID: id, Stage: s.Name(), URL: u, SavedAt: s.Now(), Record: rec}
}

// Marshal encodes a document as JSON.
func (d Document) Marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal record from %s: %w", d.Stage, err)
	}
	return data, nil
}

// Log writes every record to a logger. It is the sink for pipelines that
// only need to see what they extracted.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Log sink.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Store implements stage.Sink.
func (l *Log) Store(_ context.Context, s *stage.Stage, rec stage.Record) error {
	l.logger.Info("record", zap.String("stage", s.Name()), zap.Any("record", map[string]any(rec)))
	return nil
}

// Tee saves each record to every target concurrently.
type Tee struct {
	targets []stage.Sink
}

// NewTee creates a Tee.
func NewTee(targets ...stage.Sink) *Tee {
	return &Tee{targets: targets}
}

// Store implements stage.Sink. The first target error is returned after all
// targets finish.
func (t *Tee) Store(ctx context.Context, s *stage.Stage, rec stage.Record) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range t.targets {
		g.Go(func() error {
			return target.Store(gctx, s, rec.Clone())
		})
	}
	return g.Wait()
}

// Limit forwards records to target until max have been saved, then asks the
// pipeline to stop.
type Limit struct {
	target stage.Sink
	max    int

	mu    sync.Mutex
	saved int
}

// NewLimit creates a Limit.
func NewLimit(target stage.Sink, limit int) *Limit {
	return &Limit{target: target, max: limit}
}

// Store implements stage.Sink.
func (l *Limit) Store(ctx context.Context, s *stage.Stage, rec stage.Record) error {
	l.mu.Lock()
	if l.saved >= l.max {
		l.mu.Unlock()
		return signal.Halt(fmt.Sprintf("saved %d records", l.max))
	}
	l.saved++
	l.mu.Unlock()
	return l.target.Store(ctx, s, rec)
}

// Saved returns how many records passed through.
func (l *Limit) Saved() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saved
}
