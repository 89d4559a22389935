// Package sqlite implements the durable dedup store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/newsharvest/internal/dedup/sqlite/migrations"
	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// DefaultFilename is used when the configured path is a directory.
const DefaultFilename = "newsharvest_urls.db"

var _ harvest.DedupStore = (*Store)(nil)

// Store is a SQLite-backed dedup store. A single connection serializes all
// writers, and synchronous=FULL makes every insert durable before it returns.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the store at path and applies pending migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("dedup path is required")
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultFilename)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating dedup directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening dedup database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing dedup database: %w", err)
	}
	return nil
}

// Exists reports whether key has been recorded.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dedup_records WHERE key = ?`, key).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case err == sql.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("query dedup key: %w", err)
	}
}

// Insert records a key. The first record for a key wins; later inserts
// return harvest.ErrAlreadyRecorded.
func (s *Store) Insert(ctx context.Context, record harvest.DedupRecord) error {
	if record.Key == "" {
		return fmt.Errorf("dedup key is required")
	}
	firstSeen := record.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_records (key, first_seen, source)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		record.Key, firstSeen.UTC().Format(time.RFC3339Nano), record.Source,
	)
	if err != nil {
		return fmt.Errorf("insert dedup key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert dedup key: %w", err)
	}
	if n == 0 {
		return harvest.ErrAlreadyRecorded
	}
	return nil
}

// Get returns the stored record for key.
func (s *Store) Get(ctx context.Context, key string) (harvest.DedupRecord, bool, error) {
	var (
		rec       harvest.DedupRecord
		firstSeen string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, first_seen, source FROM dedup_records WHERE key = ?`, key,
	).Scan(&rec.Key, &firstSeen, &rec.Source)
	if err == sql.ErrNoRows {
		return harvest.DedupRecord{}, false, nil
	}
	if err != nil {
		return harvest.DedupRecord{}, false, fmt.Errorf("query dedup record: %w", err)
	}
	rec.FirstSeen, err = time.Parse(time.RFC3339Nano, firstSeen)
	if err != nil {
		return harvest.DedupRecord{}, false, fmt.Errorf("parse first_seen: %w", err)
	}
	return rec, true, nil
}

// Count returns the number of recorded keys.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dedup_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dedup keys: %w", err)
	}
	return n, nil
}

// migrate runs all pending migrations.
func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}
