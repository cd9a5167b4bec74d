// Package memory keeps saved records in memory for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// Store keeps records grouped by stage name.
type Store struct {
	mu      sync.RWMutex
	records map[string][]stage.Record
	order   []stage.Record
}

// New creates an empty Store.
func New() *Store {
	return &Store{records: make(map[string][]stage.Record)}
}

// Store implements stage.Sink.
func (m *Store) Store(_ context.Context, s *stage.Stage, rec stage.Record) error {
	cp := rec.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[s.Name()] = append(m.records[s.Name()], cp)
	m.order = append(m.order, cp)
	return nil
}

// Records returns the records saved by the named stage.
func (m *Store) Records(stageName string) []stage.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]stage.Record(nil), m.records[stageName]...)
}

// All returns every saved record in arrival order.
func (m *Store) All() []stage.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]stage.Record(nil), m.order...)
}

// Len returns the number of saved records.
func (m *Store) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}
