package crawler

import (
	"context"
	"io"
	"time"
)

// Extractor fetches and parses one page of a known kind.
type Extractor interface {
	Extract(ctx context.Context, url string, kind Kind) (Extraction, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Store persists entities and the crawl log.
type Store interface {
	// VisitedURLs returns the dedup baseline: artist and user URLs, release
	// URLs with metadata, and every processed crawl log URL.
	VisitedURLs(ctx context.Context) ([]string, error)
	// PendingURLs returns unprocessed crawl log URLs in insertion order.
	PendingURLs(ctx context.Context) ([]string, error)
	// WithinTx runs fn in a single transaction, committing only if fn returns nil.
	WithinTx(ctx context.Context, fn func(tx StoreTx) error) error
	// Counts reports table cardinalities.
	Counts(ctx context.Context) (StoreCounts, error)
	Close() error
}

// StoreTx is the write surface available inside a unit of work. Every method
// is idempotent.
type StoreTx interface {
	EnsureArtist(ctx context.Context, name, url string) (int64, error)
	EnsureRelease(ctx context.Context, url string) (int64, error)
	InsertReleaseMetadata(ctx context.Context, meta ReleaseMetadata) error
	EnsureUser(ctx context.Context, name, url string) (int64, error)
	InsertSupport(ctx context.Context, userID, releaseID int64) error
	// LogURLs appends URLs to the crawl log; already logged URLs are left untouched.
	LogURLs(ctx context.Context, urls []string) error
	// MarkProcessed flips a log row to processed. Rows already processed keep
	// their original outcome.
	MarkProcessed(ctx context.Context, url string, outcome Outcome) error
}

// ReleaseMetadata is the metadata row attached to a release identity.
type ReleaseMetadata struct {
	ReleaseID int64
	ArtistID  int64
	Name      string
	Year      int
	Tags      []string
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for archive keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
