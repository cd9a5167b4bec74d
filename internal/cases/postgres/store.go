// Package postgres saves records as JSONB rows.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/stagecrawler/internal/cases"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "records"

// Config controls the Postgres case.
type Config struct {
	DSN   string
	Table string
	// MaxConns caps the pool. Zero keeps the pgx default.
	MaxConns int32
	// CreateTable runs EnsureTable when the case is built.
	CreateTable bool
}

// pool is the part of pgxpool.Pool the case needs.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// IDGenerator hands out row ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Store writes one row per record.
type Store struct {
	pool      pool
	table     string
	insertSQL string
	ids       IDGenerator
}

// New connects to Postgres and builds a Store.
func New(ctx context.Context, cfg Config, ids IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table, ids)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.CreateTable {
		if err := s.EnsureTable(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool builds a Store on an existing pool.
func NewWithPool(p pool, table string, ids IDGenerator) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{
		pool:  p,
		table: table,
		insertSQL: fmt.Sprintf(
			`INSERT INTO %s (id, stage, url, saved_at, record) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			table),
		ids: ids,
	}, nil
}

// EnsureTable creates the record table when it does not exist.
func (s *Store) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id       uuid PRIMARY KEY,
	stage    text NOT NULL,
	url      text NOT NULL,
	saved_at timestamptz NOT NULL,
	record   jsonb NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Store implements stage.Sink.
func (s *Store) Store(ctx context.Context, st *stage.Stage, rec stage.Record) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("record id: %w", err)
	}
	doc := cases.NewDocument(id, st, rec)
	payload, err := json.Marshal(doc.Record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := s.pool.Exec(ctx, s.insertSQL, doc.ID, doc.Stage, doc.URL, doc.SavedAt, payload); err != nil {
		return fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return nil
}
