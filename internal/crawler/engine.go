package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bandcamp-crawler/internal/progress"
)

// EngineConfig bounds a crawl session.
type EngineConfig struct {
	// Concurrency is the number of extractions allowed in flight.
	Concurrency int
	// MaxUnits stops dispatching once this many units are committed (0 = unbounded).
	MaxUnits int
	// ExtractTimeout bounds a single extraction attempt (0 = no per-attempt limit).
	ExtractTimeout time.Duration
	// SessionID tags progress events.
	SessionID [16]byte
}

// Engine drives a resumable crawl. A single coordinator goroutine owns the
// frontier and performs every commit; extractions run concurrently.
type Engine struct {
	cfg        EngineConfig
	store      Store
	extractor  Extractor
	classifier *Classifier
	canon      *Canonicalizer
	retry      RetryPolicy
	emitter    progress.Emitter
	clock      Clock
	logger     *zap.Logger

	mu       sync.Mutex
	frontier *Frontier
	stats    Stats

	stopOnce sync.Once
	stopCh   chan struct{}
}

type extractResult struct {
	url        string
	kind       Kind
	extraction Extraction
	err        error
	dur        time.Duration
}

// NewEngine wires the engine's collaborators. emitter, clock and logger may be nil.
func NewEngine(
	cfg EngineConfig,
	store Store,
	extractor Extractor,
	classifier *Classifier,
	canon *Canonicalizer,
	retry RetryPolicy,
	emitter progress.Emitter,
	clock Clock,
	logger *zap.Logger,
) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy(0, time.Second, 0)
	}
	if canon == nil {
		canon = NewCanonicalizer(DefaultReferralParams)
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		extractor:  extractor,
		classifier: classifier,
		canon:      canon,
		retry:      retry,
		emitter:    emitter,
		clock:      clock,
		logger:     logger,
		frontier:   NewFrontier(),
		stats:      Stats{Processed: make(map[Kind]int)},
		stopCh:     make(chan struct{}),
	}
}

// Run loads persisted state, seeds the frontier when there is nothing to
// resume, and crawls until the frontier drains, MaxUnits is reached, Stop is
// called or ctx is canceled. A graceful stop returns nil; cancellation
// returns ctx.Err(); a failed commit returns a *StorageError.
func (e *Engine) Run(ctx context.Context, seed string) error {
	start := e.clock.Now()
	if err := e.bootstrap(ctx, seed); err != nil {
		e.emit(progress.Event{Stage: progress.StageCrawlError, Note: err.Error()})
		return err
	}
	e.logger.Info("crawl started",
		zap.Int("visited", e.visitedCount()),
		zap.Int("queued", e.queueDepth()),
		zap.Int("concurrency", e.cfg.Concurrency),
		zap.Int("max_units", e.cfg.MaxUnits),
	)
	e.emit(progress.Event{Stage: progress.StageCrawlStart})

	err := e.loop(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	stats := e.Stats()
	fields := []zap.Field{
		zap.Duration("dur", e.clock.Now().Sub(start)),
		zap.Int("skipped", stats.Skipped),
		zap.Int("unclassified", stats.Unclassified),
		zap.Int("retries", stats.Retries),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("aborted", stats.Aborted),
		zap.Int("queued", stats.QueueDepth),
	}
	for _, kind := range Kinds {
		fields = append(fields, zap.Int(string(kind), stats.Processed[kind]))
	}
	if err != nil {
		e.logger.Error("crawl ended", append(fields, zap.Error(err))...)
		e.emit(progress.Event{Stage: progress.StageCrawlError, Dur: e.clock.Now().Sub(start), Note: err.Error()})
		return err
	}
	e.logger.Info("crawl finished", fields...)
	e.emit(progress.Event{Stage: progress.StageCrawlDone, Dur: e.clock.Now().Sub(start)})
	return nil
}

// Stop requests a graceful shutdown: no new units are dispatched and
// in-flight units are committed before Run returns.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Stats returns a snapshot of the session counters. Safe for concurrent use.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stats
	out.Processed = make(map[Kind]int, len(e.stats.Processed))
	for k, v := range e.stats.Processed {
		out.Processed[k] = v
	}
	out.QueueDepth = e.frontier.Len()
	out.InFlight = e.frontier.InFlight()
	return out
}

func (e *Engine) bootstrap(ctx context.Context, seed string) error {
	visited, err := e.store.VisitedURLs(ctx)
	if err != nil {
		return fmt.Errorf("load visited urls: %w", err)
	}
	pending, err := e.store.PendingURLs(ctx)
	if err != nil {
		return fmt.Errorf("load pending urls: %w", err)
	}

	// A pending log row wins over an entity row: the URL was discovered but
	// its own page never committed.
	unfinished := make(map[string]struct{}, len(pending))
	for _, u := range pending {
		unfinished[u] = struct{}{}
	}
	e.mu.Lock()
	for _, u := range visited {
		if _, ok := unfinished[u]; !ok {
			e.frontier.MarkVisited(u)
		}
	}
	for _, u := range pending {
		e.frontier.Push(u)
	}
	empty := e.frontier.Len() == 0
	e.mu.Unlock()

	if !empty || seed == "" {
		return nil
	}
	canonical, err := e.canon.Canonicalize(seed)
	if err != nil {
		return fmt.Errorf("seed url: %w", err)
	}
	if err := e.store.WithinTx(ctx, func(tx StoreTx) error {
		return tx.LogURLs(ctx, []string{canonical})
	}); err != nil {
		return &StorageError{URL: canonical, Err: err}
	}
	e.mu.Lock()
	e.frontier.Push(canonical)
	e.mu.Unlock()
	e.logger.Info("seeded frontier", zap.String("url", canonical))
	return nil
}

func (e *Engine) loop(ctx context.Context) error {
	results := make(chan extractResult, e.cfg.Concurrency)
	inflight := 0
	var fatal error

	for {
		for fatal == nil && inflight < e.cfg.Concurrency {
			url, kind, ok, err := e.next(ctx, inflight)
			if err != nil {
				fatal = err
				break
			}
			if !ok {
				break
			}
			inflight++
			go e.extract(ctx, url, kind, results)
		}
		if inflight == 0 {
			return fatal
		}

		res := <-results
		inflight--
		if fatal != nil {
			e.release(res.url)
			continue
		}
		if err := e.handle(ctx, res); err != nil {
			fatal = err
		}
	}
}

// next pops the next dispatchable URL. It returns ok=false when nothing
// should be dispatched right now. When every queued URL is backing off and
// nothing is in flight, it sleeps until the earliest deadline.
func (e *Engine) next(ctx context.Context, inflight int) (string, Kind, bool, error) {
	deferred := 0
	var earliest time.Duration
	for {
		if !e.canDispatch(ctx, inflight) {
			return "", "", false, nil
		}
		e.mu.Lock()
		url, ok := e.frontier.Pop()
		if ok && !e.frontier.Claimable(url) {
			e.stats.Duplicates++
			e.mu.Unlock()
			continue
		}
		var notBefore time.Time
		if ok {
			notBefore = e.frontier.NotBefore(url)
		}
		e.mu.Unlock()
		if !ok {
			return "", "", false, nil
		}

		if wait := notBefore.Sub(e.clock.Now()); wait > 0 {
			e.mu.Lock()
			e.frontier.Push(url)
			queued := e.frontier.Len()
			e.mu.Unlock()
			deferred++
			if earliest == 0 || wait < earliest {
				earliest = wait
			}
			if deferred < queued {
				continue
			}
			if inflight > 0 {
				return "", "", false, nil
			}
			if !e.sleep(ctx, earliest) {
				return "", "", false, nil
			}
			deferred = 0
			earliest = 0
			continue
		}

		kind, err := e.classifier.Classify(url)
		if err != nil {
			if err := e.commitOutcome(ctx, url, OutcomeUnclassified); err != nil {
				return "", "", false, err
			}
			e.mu.Lock()
			e.stats.Unclassified++
			e.mu.Unlock()
			e.logger.Warn("url unclassified", zap.String("url", url))
			e.emit(progress.Event{Stage: progress.StagePageUnclassified, URL: url})
			continue
		}

		e.mu.Lock()
		e.frontier.Claim(url)
		e.mu.Unlock()
		return url, kind, true, nil
	}
}

func (e *Engine) canDispatch(ctx context.Context, inflight int) bool {
	if ctx.Err() != nil || e.stopped() {
		return false
	}
	if e.cfg.MaxUnits <= 0 {
		return true
	}
	e.mu.Lock()
	units := e.stats.Units()
	e.mu.Unlock()
	return units+inflight < e.cfg.MaxUnits
}

func (e *Engine) extract(ctx context.Context, url string, kind Kind, results chan<- extractResult) {
	attemptCtx := ctx
	if e.cfg.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.ExtractTimeout)
		defer cancel()
	}
	start := e.clock.Now()
	extraction, err := e.extractor.Extract(attemptCtx, url, kind)
	if err == nil && (extraction.Record == nil || extraction.Record.Kind() != kind) {
		err = fmt.Errorf("extractor returned %T for %s page: %w", extraction.Record, kind, ErrMalformed)
	}
	results <- extractResult{
		url:        url,
		kind:       kind,
		extraction: extraction,
		err:        err,
		dur:        e.clock.Now().Sub(start),
	}
}

func (e *Engine) handle(ctx context.Context, res extractResult) error {
	defer e.release(res.url)
	url := res.url

	if ctx.Err() != nil {
		// Canceled sessions leave the URL pending for the next run.
		return nil
	}

	if res.err != nil {
		e.mu.Lock()
		attempt := e.frontier.Attempts(url) + 1
		e.mu.Unlock()
		switch e.retry.Decide(res.err, attempt) {
		case DecisionRetry:
			backoff := e.retry.Backoff(attempt)
			e.mu.Lock()
			e.frontier.Requeue(url, attempt, e.clock.Now().Add(backoff))
			e.stats.Retries++
			e.mu.Unlock()
			e.logger.Warn("extraction failed, retry scheduled",
				zap.String("url", url),
				zap.String("kind", string(res.kind)),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(res.err),
			)
			e.emit(progress.Event{
				Stage:   progress.StagePageRetry,
				Kind:    string(res.kind),
				URL:     url,
				Attempt: attempt,
				Dur:     res.dur,
				Note:    res.err.Error(),
			})
		case DecisionSkip:
			if err := e.commitOutcome(ctx, url, OutcomeSkipped); err != nil {
				return err
			}
			e.mu.Lock()
			e.stats.Skipped++
			e.mu.Unlock()
			e.logger.Warn("page skipped",
				zap.String("url", url),
				zap.String("kind", string(res.kind)),
				zap.Int("attempt", attempt),
				zap.Error(res.err),
			)
			e.emit(progress.Event{
				Stage:   progress.StagePageSkipped,
				Kind:    string(res.kind),
				URL:     url,
				Attempt: attempt,
				Dur:     res.dur,
				Note:    res.err.Error(),
			})
		case DecisionAbort:
			e.mu.Lock()
			e.stats.Aborted++
			e.mu.Unlock()
			e.logger.Warn("extraction aborted, url left pending for the next run",
				zap.String("url", url),
				zap.String("kind", string(res.kind)),
				zap.Int("attempt", attempt),
				zap.Error(res.err),
			)
		}
		return nil
	}

	links := e.canonicalLinks(url, res.extraction.Links)
	if err := e.store.WithinTx(ctx, func(tx StoreTx) error {
		if err := e.persistRecord(ctx, tx, url, res.extraction.Record); err != nil {
			return err
		}
		if err := tx.LogURLs(ctx, links); err != nil {
			return fmt.Errorf("log discovered urls: %w", err)
		}
		return tx.MarkProcessed(ctx, url, OutcomeDone)
	}); err != nil {
		return &StorageError{URL: url, Err: err}
	}

	e.mu.Lock()
	e.frontier.MarkVisited(url)
	for _, link := range links {
		e.frontier.Push(link)
	}
	e.stats.Processed[res.kind]++
	depth := e.frontier.Len()
	e.mu.Unlock()

	e.logger.Info("page processed",
		zap.String("url", url),
		zap.String("kind", string(res.kind)),
		zap.Int("links", len(links)),
		zap.Int("queued", depth),
		zap.Duration("dur", res.dur),
	)
	e.emit(progress.Event{
		Stage:      progress.StagePageDone,
		Kind:       string(res.kind),
		URL:        url,
		Links:      int64(len(links)),
		QueueDepth: int64(depth),
		Dur:        res.dur,
	})
	return nil
}

func (e *Engine) commitOutcome(ctx context.Context, url string, outcome Outcome) error {
	if err := e.store.WithinTx(ctx, func(tx StoreTx) error {
		return tx.MarkProcessed(ctx, url, outcome)
	}); err != nil {
		return &StorageError{URL: url, Err: err}
	}
	e.mu.Lock()
	e.frontier.MarkVisited(url)
	e.mu.Unlock()
	return nil
}

// canonicalLinks canonicalizes discovered links, dropping invalid and repeated ones.
func (e *Engine) canonicalLinks(pageURL string, raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, link := range raw {
		canonical, err := e.canon.Canonicalize(link)
		if err != nil {
			e.logger.Debug("dropping invalid link", zap.String("page", pageURL), zap.String("link", link), zap.Error(err))
			continue
		}
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	return out
}

func (e *Engine) release(url string) {
	e.mu.Lock()
	e.frontier.Release(url)
	e.mu.Unlock()
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d. It returns false when ctx ends or Stop is called first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-e.stopCh:
		return false
	}
}

func (e *Engine) emit(evt progress.Event) {
	if e.emitter == nil {
		return
	}
	evt.SessionID = e.cfg.SessionID
	evt.TS = e.clock.Now().UTC()
	e.emitter.Emit(evt)
}

func (e *Engine) visitedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frontier.VisitedCount()
}

func (e *Engine) queueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frontier.Len()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// IsStorageError reports whether err aborted the crawl at the commit boundary.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
