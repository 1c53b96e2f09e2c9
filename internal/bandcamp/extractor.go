package bandcamp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
	"github.com/JakeFAU/bandcamp-crawler/internal/progress"
)

// Config tunes the extractor.
type Config struct {
	// MaxCollection bounds the advertised size of a user collection (0 = unbounded).
	MaxCollection int
	// BodyLengthThreshold feeds the headless detector.
	BodyLengthThreshold int
	// SessionID tags emitted fetch events.
	SessionID [16]byte
}

// Extractor implements crawler.Extractor for Bandcamp pages. Every page is
// probed with the plain fetcher; pages with hidden content are re-fetched
// through the headless fetcher when one is configured.
type Extractor struct {
	cfg      Config
	probe    crawler.Fetcher
	headless crawler.Fetcher
	detector *Detector
	archive  crawler.BlobStore
	hasher   crawler.Hasher
	emitter  progress.Emitter
	clock    crawler.Clock
	logger   *zap.Logger
}

var _ crawler.Extractor = (*Extractor)(nil)

// Option customizes an Extractor.
type Option func(*Extractor)

// WithHeadless enables dynamic expansion through a rendering fetcher.
func WithHeadless(f crawler.Fetcher) Option {
	return func(e *Extractor) { e.headless = f }
}

// WithArchive stores every fetched body in blobs under a content hash.
func WithArchive(blobs crawler.BlobStore, hasher crawler.Hasher) Option {
	return func(e *Extractor) {
		e.archive = blobs
		e.hasher = hasher
	}
}

// WithEmitter publishes FETCH_DONE events.
func WithEmitter(emitter progress.Emitter) Option {
	return func(e *Extractor) { e.emitter = emitter }
}

// WithClock overrides the event clock.
func WithClock(clock crawler.Clock) Option {
	return func(e *Extractor) { e.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExtractor builds an extractor around the plain probe fetcher.
func NewExtractor(cfg Config, probe crawler.Fetcher, opts ...Option) (*Extractor, error) {
	if probe == nil {
		return nil, errors.New("probe fetcher is required")
	}
	if cfg.MaxCollection < 0 {
		return nil, fmt.Errorf("max collection must be >= 0, got %d", cfg.MaxCollection)
	}
	e := &Extractor{
		cfg:      cfg,
		probe:    probe,
		detector: NewDetector(cfg.BodyLengthThreshold),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.archive != nil && e.hasher == nil {
		return nil, errors.New("archive requires a hasher")
	}
	return e, nil
}

// Extract implements crawler.Extractor.
func (e *Extractor) Extract(ctx context.Context, url string, kind crawler.Kind) (crawler.Extraction, error) {
	resp, err := e.fetch(ctx, e.probe, crawler.FetchRequest{URL: url, Kind: kind})
	if err != nil {
		return crawler.Extraction{}, err
	}
	doc, err := parseDocument(url, resp.Body)
	if err != nil {
		return crawler.Extraction{}, err
	}

	expand := e.detector.ShouldExpand(kind, resp, doc)
	if expand && e.headless == nil {
		e.logger.Warn("page hides content behind dynamic controls but headless expansion is disabled; lists may be truncated",
			zap.String("url", url),
			zap.String("kind", string(kind)),
		)
	}
	if expand && e.headless != nil {
		expected := 0
		if kind == crawler.KindUser {
			expected = collectionCount(doc)
			if e.cfg.MaxCollection > 0 && expected > e.cfg.MaxCollection {
				return crawler.Extraction{}, fmt.Errorf("collection of %s has %d items (max %d): %w", url, expected, e.cfg.MaxCollection, crawler.ErrTooLarge)
			}
		}
		e.logger.Debug("expanding page in headless browser",
			zap.String("url", url),
			zap.String("kind", string(kind)),
			zap.Int("expected_items", expected),
		)
		resp, err = e.fetch(ctx, e.headless, crawler.FetchRequest{URL: url, Kind: kind, ExpectedItems: expected})
		if err != nil {
			return crawler.Extraction{}, err
		}
		if doc, err = parseDocument(url, resp.Body); err != nil {
			return crawler.Extraction{}, err
		}
	}

	e.store(ctx, kind, url, resp.Body)

	pageURL := url
	if resp.URL != "" {
		pageURL = resp.URL
	}
	switch kind {
	case crawler.KindArtist:
		rec, links, err := parseArtist(doc, pageURL)
		return crawler.Extraction{Record: rec, Links: links}, err
	case crawler.KindRelease:
		rec, links, err := parseRelease(doc, pageURL)
		return crawler.Extraction{Record: rec, Links: links}, err
	case crawler.KindUser:
		rec, links, err := parseUser(doc, pageURL, e.cfg.MaxCollection)
		return crawler.Extraction{Record: rec, Links: links}, err
	default:
		return crawler.Extraction{}, fmt.Errorf("no parser for kind %q: %w", kind, crawler.ErrMalformed)
	}
}

func (e *Extractor) fetch(ctx context.Context, f crawler.Fetcher, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := f.Fetch(ctx, req)
	if e.emitter != nil && (err == nil || resp.StatusCode != 0) {
		e.emitter.Emit(progress.Event{
			SessionID:   e.cfg.SessionID,
			TS:          e.now(),
			Stage:       progress.StageFetchDone,
			Kind:        string(req.Kind),
			URL:         req.URL,
			Bytes:       int64(len(resp.Body)),
			StatusClass: progress.ClassifyStatus(resp.StatusCode),
			Headless:    resp.UsedHeadless,
			Dur:         resp.Duration,
		})
	}
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	return resp, nil
}

// store archives the body; failures are logged and never fail the page.
func (e *Extractor) store(ctx context.Context, kind crawler.Kind, url string, body []byte) {
	if e.archive == nil || len(body) == 0 {
		return
	}
	digest, err := e.hasher.Hash(body)
	if err != nil {
		e.logger.Warn("hash page body failed", zap.String("url", url), zap.Error(err))
		return
	}
	key := path.Join(string(kind), digest+".html")
	uri, err := e.archive.PutObject(ctx, key, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		e.logger.Warn("archive page failed", zap.String("url", url), zap.String("key", key), zap.Error(err))
		return
	}
	e.logger.Debug("page archived", zap.String("url", url), zap.String("uri", uri))
}

func (e *Extractor) now() time.Time {
	if e.clock != nil {
		return e.clock.Now().UTC()
	}
	return time.Now().UTC()
}

func parseDocument(url string, body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html of %s: %v: %w", url, err, crawler.ErrMalformed)
	}
	return doc, nil
}
