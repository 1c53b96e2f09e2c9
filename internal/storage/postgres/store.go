// Package postgres provides a Postgres-backed crawl store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements crawler.Store using Postgres.
type Store struct {
	pool pool
}

var _ crawler.Store = (*Store)(nil)

// NewStore connects to Postgres and applies the schema.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.postgres.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: p}, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
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
			UNION SELECT url FROM crawl_log WHERE processed
		) v
		WHERE v.url NOT IN (SELECT url FROM crawl_log WHERE NOT processed)
	`)
}

// PendingURLs implements crawler.Store.
func (s *Store) PendingURLs(ctx context.Context) ([]string, error) {
	return s.queryURLs(ctx, "SELECT url FROM crawl_log WHERE NOT processed ORDER BY seq")
}

func (s *Store) queryURLs(ctx context.Context, query string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query urls: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect urls: %w", err)
	}
	return urls, nil
}

// WithinTx implements crawler.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(tx crawler.StoreTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&storeTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Counts implements crawler.Store.
func (s *Store) Counts(ctx context.Context) (crawler.StoreCounts, error) {
	var c crawler.StoreCounts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM artists),
			(SELECT COUNT(*) FROM releases),
			(SELECT COUNT(*) FROM release_metadata),
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM user_supports),
			(SELECT COUNT(*) FROM crawl_log),
			(SELECT COUNT(*) FROM crawl_log WHERE NOT processed)
	`).Scan(&c.Artists, &c.Releases, &c.ReleaseMetadata, &c.Users, &c.Supports, &c.LogTotal, &c.LogPending)
	if err != nil {
		return crawler.StoreCounts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}

type storeTx struct {
	tx pgx.Tx
}

func (t *storeTx) EnsureArtist(ctx context.Context, name, url string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO artists (name, url) VALUES ($1, $2)
		ON CONFLICT (url) DO UPDATE
		SET name = CASE WHEN artists.name = '' THEN EXCLUDED.name ELSE artists.name END
		RETURNING id
	`, name, url).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert artist: %w", err)
	}
	return id, nil
}

func (t *storeTx) EnsureRelease(ctx context.Context, url string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO releases (url) VALUES ($1)
		ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
		RETURNING id
	`, url).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert release: %w", err)
	}
	return id, nil
}

func (t *storeTx) InsertReleaseMetadata(ctx context.Context, meta crawler.ReleaseMetadata) error {
	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}
	var year *int
	if meta.Year > 0 {
		y := meta.Year
		year = &y
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO release_metadata (release_id, artist_id, name, year, tags)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (release_id) DO NOTHING
	`, meta.ReleaseID, meta.ArtistID, meta.Name, year, tags); err != nil {
		return fmt.Errorf("insert release metadata: %w", err)
	}
	return nil
}

func (t *storeTx) EnsureUser(ctx context.Context, name, url string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO users (name, url) VALUES ($1, $2)
		ON CONFLICT (url) DO UPDATE
		SET name = CASE WHEN users.name = '' THEN EXCLUDED.name ELSE users.name END
		RETURNING id
	`, name, url).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert user: %w", err)
	}
	return id, nil
}

func (t *storeTx) InsertSupport(ctx context.Context, userID, releaseID int64) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO user_supports (user_id, release_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, releaseID); err != nil {
		return fmt.Errorf("insert support: %w", err)
	}
	return nil
}

// LogURLs inserts in slice order so seq preserves discovery order.
func (t *storeTx) LogURLs(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO crawl_log (url)
		SELECT u FROM unnest($1::text[]) WITH ORDINALITY AS t(u, ord)
		ORDER BY ord
		ON CONFLICT (url) DO NOTHING
	`, urls); err != nil {
		return fmt.Errorf("log urls: %w", err)
	}
	return nil
}

func (t *storeTx) MarkProcessed(ctx context.Context, url string, outcome crawler.Outcome) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO crawl_log (url, processed, outcome, processed_at)
		VALUES ($1, TRUE, $2, now())
		ON CONFLICT (url) DO UPDATE
		SET processed = TRUE, outcome = EXCLUDED.outcome, processed_at = EXCLUDED.processed_at
		WHERE NOT crawl_log.processed
	`, url, string(outcome)); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}
