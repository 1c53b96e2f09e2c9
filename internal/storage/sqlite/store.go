// Package sqlite persists crawl state in a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
)

const currentSchemaVersion = 2

// Store implements crawler.Store on top of database/sql.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ crawler.Store = (*Store)(nil)

// Open opens or creates the database at path and applies pending migrations.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; the coordinator commits serially anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if version >= currentSchemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		version int
		ddl     string
	}{
		{1, schemaV1},
		{2, schemaV2},
	}
	for _, step := range steps {
		if version >= step.version {
			continue
		}
		if _, err := tx.ExecContext(ctx, step.ddl); err != nil {
			return fmt.Errorf("apply schema v%d: %w", step.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", step.version); err != nil {
			return fmt.Errorf("record schema v%d: %w", step.version, err)
		}
		s.logger.Info("applied schema migration", zap.Int("version", step.version))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists); err != nil {
		return 0, fmt.Errorf("inspect schema: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// VisitedURLs implements crawler.Store. Entity rows whose crawl_log entry is
// still pending are left out: a release page creates its artist row before the
// artist page itself has been crawled.
func (s *Store) VisitedURLs(ctx context.Context) ([]string, error) {
	return s.queryURLs(ctx, `
		SELECT v.url FROM (
			SELECT url FROM artists
			UNION SELECT url FROM users
			UNION SELECT r.url FROM releases r JOIN release_metadata m ON m.release_id = r.id
			UNION SELECT url FROM crawl_log WHERE processed = 1
		) v
		WHERE v.url NOT IN (SELECT url FROM crawl_log WHERE processed = 0)
	`)
}

// PendingURLs implements crawler.Store.
func (s *Store) PendingURLs(ctx context.Context) ([]string, error) {
	return s.queryURLs(ctx, "SELECT url FROM crawl_log WHERE processed = 0 ORDER BY seq")
}

func (s *Store) queryURLs(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query urls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate urls: %w", err)
	}
	return urls, nil
}

// WithinTx implements crawler.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(tx crawler.StoreTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&storeTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Counts implements crawler.Store.
func (s *Store) Counts(ctx context.Context) (crawler.StoreCounts, error) {
	var c crawler.StoreCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM artists),
		  (SELECT COUNT(*) FROM releases),
		  (SELECT COUNT(*) FROM release_metadata),
		  (SELECT COUNT(*) FROM users),
		  (SELECT COUNT(*) FROM user_supports),
		  (SELECT COUNT(*) FROM crawl_log),
		  (SELECT COUNT(*) FROM crawl_log WHERE processed = 0)
	`).Scan(&c.Artists, &c.Releases, &c.ReleaseMetadata, &c.Users, &c.Supports, &c.LogTotal, &c.LogPending)
	if err != nil {
		return crawler.StoreCounts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}
