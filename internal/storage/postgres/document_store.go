// Package postgres persists processed items into a Postgres documents table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// DefaultTable receives documents when no table is configured.
const DefaultTable = "documents"

// DocumentStoreConfig controls the Postgres connection pool used for documents.
type DocumentStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// DocumentStore upserts one row per item, keyed by item ID.
type DocumentStore struct {
	pool  execCloser
	table string
}

// NewDocumentStore connects to Postgres and ensures the documents table exists.
func NewDocumentStore(ctx context.Context, cfg DocumentStoreConfig) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewDocumentStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewDocumentStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewDocumentStoreWithPool(pool execCloser, table string) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DocumentStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the documents table when missing.
func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	dedup_key TEXT NOT NULL,
	url TEXT,
	source TEXT NOT NULL,
	section TEXT,
	title TEXT,
	retrieved_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ,
	body TEXT,
	summary TEXT,
	parts JSONB,
	metadata JSONB
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreItem upserts the item and returns a URI naming the row.
func (s *DocumentStore) StoreItem(ctx context.Context, item harvest.Item) (string, error) {
	if s == nil || s.pool == nil {
		return "", fmt.Errorf("document store is not configured")
	}
	if item.ID == "" {
		return "", fmt.Errorf("item id is required")
	}
	partsJSON, err := json.Marshal(item.Parts)
	if err != nil {
		return "", fmt.Errorf("marshal parts: %w", err)
	}
	metaJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	query, args, err := psql.Insert(s.table).
		Columns("id", "dedup_key", "url", "source", "section", "title",
			"retrieved_at", "published_at", "body", "summary", "parts", "metadata").
		Values(item.ID, item.Key, item.URL, item.Source, item.Provenance.Section, item.Title,
			item.RetrievedAt, item.Metadata.PublishedAt, item.Text, item.Metadata.Summary, partsJSON, metaJSON).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	body = EXCLUDED.body,
	summary = EXCLUDED.summary,
	parts = EXCLUDED.parts,
	metadata = EXCLUDED.metadata`).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build insert query: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return fmt.Sprintf("postgres://%s/%s", s.table, item.ID), nil
}
