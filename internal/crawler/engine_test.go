package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	seedURL    = "https://fffoxtails.bandcamp.com/"
	artistURL  = "https://fffoxtails.bandcamp.com"
	releaseOne = "https://fffoxtails.bandcamp.com/album/flannel"
	releaseTwo = "https://otherband.bandcamp.com/album/static"
	fanURL     = "https://bandcamp.com/somefan"
)

// MockExtractor is a mock implementation of the Extractor interface.
type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Extract(ctx context.Context, url string, kind Kind) (Extraction, error) {
	args := m.Called(ctx, url, kind)
	return args.Get(0).(Extraction), args.Error(1)
}

// scriptedExtractor answers from per-URL functions and counts attempts.
type scriptedExtractor struct {
	mu      sync.Mutex
	pages   map[string]func(ctx context.Context, attempt int) (Extraction, error)
	attempt map[string]int
}

func newScriptedExtractor() *scriptedExtractor {
	return &scriptedExtractor{
		pages:   map[string]func(context.Context, int) (Extraction, error){},
		attempt: map[string]int{},
	}
}

func (s *scriptedExtractor) page(url string, fn func(ctx context.Context, attempt int) (Extraction, error)) {
	s.pages[url] = fn
}

func (s *scriptedExtractor) static(url string, ext Extraction) {
	s.page(url, func(context.Context, int) (Extraction, error) { return ext, nil })
}

func (s *scriptedExtractor) Extract(ctx context.Context, url string, _ Kind) (Extraction, error) {
	s.mu.Lock()
	s.attempt[url]++
	attempt := s.attempt[url]
	fn, ok := s.pages[url]
	s.mu.Unlock()
	if !ok {
		return Extraction{}, fmt.Errorf("no fixture for %s: %w", url, ErrMalformed)
	}
	return fn(ctx, attempt)
}

func (s *scriptedExtractor) attempts(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt[url]
}

func newTestEngine(t *testing.T, store Store, extractor Extractor, cfg EngineConfig) *Engine {
	t.Helper()
	classifier, err := NewClassifier(nil)
	require.NoError(t, err)
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	return NewEngine(
		cfg,
		store,
		extractor,
		classifier,
		NewCanonicalizer(DefaultReferralParams),
		NewExponentialRetryPolicy(3, 0, 0),
		nil,
		nil,
		nil,
	)
}

func fullSiteExtractor() *scriptedExtractor {
	ext := newScriptedExtractor()
	ext.static(artistURL, Extraction{
		Record: ArtistRecord{Name: "fffoxtails"},
		Links:  []string{releaseOne + "?from=discover", fanURL + "?from=fanthanks"},
	})
	ext.static(releaseOne, Extraction{
		Record: ReleaseRecord{Name: "flannel", ArtistName: "fffoxtails", ArtistURL: seedURL, Year: 2021, Tags: []string{"emo"}},
		Links:  []string{fanURL + "?from=fanthanks", artistURL + "/#top"},
	})
	ext.static(fanURL, Extraction{
		Record: UserRecord{Name: "somefan", Collection: []string{releaseOne, releaseTwo}},
		Links:  []string{releaseOne, releaseTwo},
	})
	ext.static(releaseTwo, Extraction{
		Record: ReleaseRecord{Name: "static", ArtistName: "otherband", ArtistURL: "https://otherband.bandcamp.com"},
		Links:  []string{"https://otherband.bandcamp.com/"},
	})
	ext.static("https://otherband.bandcamp.com", Extraction{Record: ArtistRecord{Name: "otherband"}})
	return ext
}

// TestEngineCrawlsFromSeed walks a small graph to completion.
func TestEngineCrawlsFromSeed(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ext := fullSiteExtractor()
	engine := newTestEngine(t, store, ext, EngineConfig{})

	require.NoError(t, engine.Run(context.Background(), seedURL))

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, counts.LogPending)
	require.Equal(t, 2, counts.Artists)
	require.Equal(t, 2, counts.Releases)
	require.Equal(t, 2, counts.ReleaseMetadata)
	require.Equal(t, 1, counts.Users)
	require.Equal(t, 2, counts.Supports)

	stats := engine.Stats()
	require.Equal(t, 2, stats.Processed[KindArtist])
	require.Equal(t, 2, stats.Processed[KindRelease])
	require.Equal(t, 1, stats.Processed[KindUser])
	require.Zero(t, stats.QueueDepth)
	require.Zero(t, stats.InFlight)

	for _, u := range []string{artistURL, releaseOne, fanURL, releaseTwo} {
		require.Equal(t, 1, ext.attempts(u), u)
		outcome, processed := store.outcome(u)
		require.True(t, processed, u)
		require.Equal(t, OutcomeDone, outcome)
	}
}

// TestEngineSecondRunIsNoop ensures a finished crawl does no work when rerun.
func TestEngineSecondRunIsNoop(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	require.NoError(t, newTestEngine(t, store, fullSiteExtractor(), EngineConfig{}).Run(context.Background(), seedURL))
	before, err := store.Counts(context.Background())
	require.NoError(t, err)

	ext := &MockExtractor{}
	engine := newTestEngine(t, store, ext, EngineConfig{})
	require.NoError(t, engine.Run(context.Background(), seedURL))

	after, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, after)
	ext.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, mock.Anything)
	require.Equal(t, 1, engine.Stats().Duplicates)
}

// TestEngineResumesPendingWork restarts from the crawl log and ignores the seed.
func TestEngineResumesPendingWork(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	require.NoError(t, store.WithinTx(context.Background(), func(tx StoreTx) error {
		if _, err := tx.EnsureArtist(context.Background(), "fffoxtails", artistURL); err != nil {
			return err
		}
		if err := tx.LogURLs(context.Background(), []string{artistURL, releaseOne}); err != nil {
			return err
		}
		return tx.MarkProcessed(context.Background(), artistURL, OutcomeDone)
	}))

	ext := &MockExtractor{}
	ext.On("Extract", mock.Anything, releaseOne, KindRelease).Return(Extraction{
		Record: ReleaseRecord{Name: "flannel", ArtistName: "fffoxtails", ArtistURL: artistURL},
		Links:  []string{artistURL},
	}, nil).Once()

	engine := newTestEngine(t, store, ext, EngineConfig{Concurrency: 1})
	require.NoError(t, engine.Run(context.Background(), "https://unrelated.bandcamp.com"))

	ext.AssertExpectations(t)
	ext.AssertNumberOfCalls(t, "Extract", 1)
	require.Equal(t, 1, engine.Stats().Duplicates)

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, counts.LogTotal)
	require.Equal(t, 1, counts.ReleaseMetadata)
}

// TestEngineRetriesTransientFailures retries until the extraction succeeds.
func TestEngineRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ext := newScriptedExtractor()
	ext.page(artistURL, func(_ context.Context, attempt int) (Extraction, error) {
		if attempt < 3 {
			return Extraction{}, fmt.Errorf("status 503: %w", ErrTransient)
		}
		return Extraction{Record: ArtistRecord{Name: "fffoxtails"}}, nil
	})

	engine := newTestEngine(t, store, ext, EngineConfig{})
	require.NoError(t, engine.Run(context.Background(), seedURL))

	require.Equal(t, 3, ext.attempts(artistURL))
	stats := engine.Stats()
	require.Equal(t, 2, stats.Retries)
	require.Equal(t, 1, stats.Processed[KindArtist])
	outcome, processed := store.outcome(artistURL)
	require.True(t, processed)
	require.Equal(t, OutcomeDone, outcome)
}

// TestEngineSkipsAfterMaxAttempts marks a persistently failing URL as skipped.
func TestEngineSkipsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ext := newScriptedExtractor()
	ext.page(artistURL, func(context.Context, int) (Extraction, error) {
		return Extraction{}, fmt.Errorf("connection reset: %w", ErrTransient)
	})

	engine := newTestEngine(t, store, ext, EngineConfig{})
	require.NoError(t, engine.Run(context.Background(), seedURL))

	require.Equal(t, 3, ext.attempts(artistURL))
	stats := engine.Stats()
	require.Equal(t, 1, stats.Skipped)
	require.Equal(t, 2, stats.Retries)

	outcome, processed := store.outcome(artistURL)
	require.True(t, processed)
	require.Equal(t, OutcomeSkipped, outcome)
	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Artists)
}

// TestEngineSkipsOversizedPages does not retry bounded-content failures.
func TestEngineSkipsOversizedPages(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ext := newScriptedExtractor()
	ext.static(artistURL, Extraction{Record: ArtistRecord{Name: "fffoxtails"}, Links: []string{fanURL}})
	ext.page(fanURL, func(context.Context, int) (Extraction, error) {
		return Extraction{}, fmt.Errorf("collection of 12000 items: %w", ErrTooLarge)
	})

	engine := newTestEngine(t, store, ext, EngineConfig{})
	require.NoError(t, engine.Run(context.Background(), seedURL))

	require.Equal(t, 1, ext.attempts(fanURL))
	outcome, processed := store.outcome(fanURL)
	require.True(t, processed)
	require.Equal(t, OutcomeSkipped, outcome)
	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Users)
}

// TestEngineRecordsUnclassifiedURLs never extracts URLs no rule matches.
func TestEngineRecordsUnclassifiedURLs(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ext := newScriptedExtractor()
	ext.static(artistURL, Extraction{
		Record: ArtistRecord{Name: "fffoxtails"},
		Links:  []string{"https://twitter.com/fffoxtails", "mailto:band@example.com"},
	})

	engine := newTestEngine(t, store, ext, EngineConfig{})
	require.NoError(t, engine.Run(context.Background(), seedURL))

	require.Zero(t, ext.attempts("https://twitter.com/fffoxtails"))
	require.Equal(t, 1, engine.Stats().Unclassified)
	outcome, processed := store.outcome("https://twitter.com/fffoxtails")
	require.True(t, processed)
	require.Equal(t, OutcomeUnclassified, outcome)
}

// TestEngineHonorsMaxUnits stops dispatching once the unit bound is reached.
func TestEngineHonorsMaxUnits(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ext := fullSiteExtractor()
	engine := newTestEngine(t, store, ext, EngineConfig{Concurrency: 4, MaxUnits: 1})
	require.NoError(t, engine.Run(context.Background(), seedURL))

	require.Equal(t, 1, engine.Stats().Units())
	require.Zero(t, ext.attempts(releaseOne))
	pending, err := store.PendingURLs(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{releaseOne, fanURL}, pending)
}

// TestEngineAbortsOnStorageError surfaces commit failures as StorageError.
func TestEngineAbortsOnStorageError(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.failMark = errStoreDown
	ext := fullSiteExtractor()
	engine := newTestEngine(t, store, ext, EngineConfig{Concurrency: 1})

	err := engine.Run(context.Background(), seedURL)
	require.Error(t, err)
	require.True(t, IsStorageError(err))
	require.ErrorIs(t, err, errStoreDown)

	counts, cerr := store.Counts(context.Background())
	require.NoError(t, cerr)
	require.Zero(t, counts.Artists)
	require.Equal(t, 1, counts.LogPending)
}

// TestEngineStopFinishesInFlightWork commits the in-flight page before returning.
func TestEngineStopFinishesInFlightWork(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	started := make(chan struct{})
	release := make(chan struct{})
	ext := newScriptedExtractor()
	ext.page(artistURL, func(context.Context, int) (Extraction, error) {
		close(started)
		<-release
		return Extraction{Record: ArtistRecord{Name: "fffoxtails"}, Links: []string{releaseOne}}, nil
	})

	engine := newTestEngine(t, store, ext, EngineConfig{Concurrency: 1})
	done := make(chan error, 1)
	go func() { done <- engine.Run(context.Background(), seedURL) }()

	<-started
	engine.Stop()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	outcome, processed := store.outcome(artistURL)
	require.True(t, processed)
	require.Equal(t, OutcomeDone, outcome)
	require.Zero(t, ext.attempts(releaseOne))
	pending, err := store.PendingURLs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{releaseOne}, pending)
}

// TestEngineCancelLeavesWorkPending abandons in-flight work on cancellation.
func TestEngineCancelLeavesWorkPending(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	started := make(chan struct{})
	ext := newScriptedExtractor()
	ext.page(artistURL, func(ctx context.Context, _ int) (Extraction, error) {
		close(started)
		<-ctx.Done()
		return Extraction{}, ctx.Err()
	})

	engine := newTestEngine(t, store, ext, EngineConfig{Concurrency: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, seedURL) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not return after cancel")
	}

	pending, err := store.PendingURLs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{artistURL}, pending)
}

// TestEngineRejectsInvalidSeed fails fast on seeds that cannot be canonicalized.
func TestEngineRejectsInvalidSeed(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, newMemStore(), newScriptedExtractor(), EngineConfig{})
	err := engine.Run(context.Background(), "ftp://fffoxtails.bandcamp.com")
	require.Error(t, err)
	require.False(t, IsStorageError(err))
}

// TestEngineKeepsFirstArtistName verifies a later release page cannot rename an artist.
func TestEngineKeepsFirstArtistName(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ext := newScriptedExtractor()
	ext.static(artistURL, Extraction{Record: ArtistRecord{Name: "fffoxtails"}, Links: []string{releaseOne}})
	ext.static(releaseOne, Extraction{
		Record: ReleaseRecord{Name: "flannel", ArtistName: "FFFOXTAILS (live)"},
	})

	engine := newTestEngine(t, store, ext, EngineConfig{Concurrency: 1})
	require.NoError(t, engine.Run(context.Background(), seedURL))

	require.Equal(t, "fffoxtails", store.artistName(artistURL))
}
