package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
)

type storeTx struct {
	tx *sql.Tx
}

var _ crawler.StoreTx = (*storeTx)(nil)

// EnsureArtist inserts the artist or fills in a missing name.
func (t *storeTx) EnsureArtist(ctx context.Context, name, url string) (int64, error) {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO artists (name, url) VALUES (?, ?)
		ON CONFLICT(url) DO UPDATE SET name = excluded.name
		WHERE artists.name = '' AND excluded.name <> ''
	`, name, url); err != nil {
		return 0, fmt.Errorf("upsert artist: %w", err)
	}
	return t.lookupID(ctx, "SELECT id FROM artists WHERE url = ?", url)
}

func (t *storeTx) EnsureRelease(ctx context.Context, url string) (int64, error) {
	if _, err := t.tx.ExecContext(ctx,
		"INSERT INTO releases (url) VALUES (?) ON CONFLICT(url) DO NOTHING", url,
	); err != nil {
		return 0, fmt.Errorf("upsert release: %w", err)
	}
	return t.lookupID(ctx, "SELECT id FROM releases WHERE url = ?", url)
}

// InsertReleaseMetadata keeps the first metadata row written for a release.
func (t *storeTx) InsertReleaseMetadata(ctx context.Context, meta crawler.ReleaseMetadata) error {
	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	var year sql.NullInt64
	if meta.Year > 0 {
		year = sql.NullInt64{Int64: int64(meta.Year), Valid: true}
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO release_metadata (release_id, artist_id, name, year, tags)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(release_id) DO NOTHING
	`, meta.ReleaseID, meta.ArtistID, meta.Name, year, string(encoded)); err != nil {
		return fmt.Errorf("insert release metadata: %w", err)
	}
	return nil
}

func (t *storeTx) EnsureUser(ctx context.Context, name, url string) (int64, error) {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (name, url) VALUES (?, ?)
		ON CONFLICT(url) DO UPDATE SET name = excluded.name
		WHERE users.name = '' AND excluded.name <> ''
	`, name, url); err != nil {
		return 0, fmt.Errorf("upsert user: %w", err)
	}
	return t.lookupID(ctx, "SELECT id FROM users WHERE url = ?", url)
}

func (t *storeTx) InsertSupport(ctx context.Context, userID, releaseID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		"INSERT INTO user_supports (user_id, release_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
		userID, releaseID,
	); err != nil {
		return fmt.Errorf("insert support: %w", err)
	}
	return nil
}

func (t *storeTx) LogURLs(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, "INSERT INTO crawl_log (url) VALUES (?) ON CONFLICT(url) DO NOTHING")
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, u := range urls {
		if _, err := stmt.ExecContext(ctx, u); err != nil {
			return fmt.Errorf("log url %s: %w", u, err)
		}
	}
	return nil
}

func (t *storeTx) MarkProcessed(ctx context.Context, url string, outcome crawler.Outcome) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO crawl_log (url, processed, outcome, processed_at)
		VALUES (?, 1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(url) DO UPDATE SET
		  processed = 1,
		  outcome = excluded.outcome,
		  processed_at = excluded.processed_at
		WHERE crawl_log.processed = 0
	`, url, string(outcome)); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (t *storeTx) lookupID(ctx context.Context, query, url string) (int64, error) {
	var id int64
	if err := t.tx.QueryRowContext(ctx, query, url).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup id for %s: %w", url, err)
	}
	return id, nil
}
