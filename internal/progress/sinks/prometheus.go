package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bandcamp-crawler/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns the
// collectors for crawl sessions, per-kind page outcomes, fetches and the
// frontier depth.
type PrometheusSink struct {
	crawlsStarted   prometheus.Counter
	crawlsCompleted *prometheus.CounterVec
	crawlsRunning   prometheus.Gauge
	crawlRuntime    *prometheus.HistogramVec

	pages      *prometheus.CounterVec
	links      *prometheus.CounterVec
	queueDepth prometheus.Gauge

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		crawlsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bandcamp_crawls_started_total",
			Help: "Total crawl sessions that have started.",
		}),
		crawlsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandcamp_crawls_completed_total",
			Help: "Total crawl sessions completed partitioned by result.",
		}, []string{"result"}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bandcamp_crawls_running",
			Help: "Current number of running crawl sessions.",
		}),
		crawlRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bandcamp_crawl_runtime_seconds",
			Help:    "Wall time per completed crawl session.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandcamp_pages_total",
			Help: "Pages handled by the crawl loop partitioned by kind and outcome.",
		}, []string{"kind", "outcome"}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandcamp_links_discovered_total",
			Help: "Outbound links produced by processed pages per kind.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bandcamp_frontier_queue_depth",
			Help: "URLs waiting in the frontier at the last page event.",
		}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandcamp_fetch_requests_total",
			Help: "Fetch completions partitioned by kind, status class and renderer.",
		}, []string{"kind", "status_class", "renderer"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandcamp_fetch_bytes_total",
			Help: "Bytes downloaded per kind.",
		}, []string{"kind"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bandcamp_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by kind and renderer.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind", "renderer"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.crawlsStarted,
		s.crawlsCompleted,
		s.crawlsRunning,
		s.crawlRuntime,
		s.pages,
		s.links,
		s.queueDepth,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart, progress.StageCrawlDone, progress.StageCrawlError:
		s.handleCrawlEvent(evt)
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	case progress.StagePageDone, progress.StagePageRetry, progress.StagePageSkipped, progress.StagePageUnclassified:
		s.handlePageEvent(evt)
	}
}

func (s *PrometheusSink) handleCrawlEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart:
		s.crawlsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.crawlsRunning.Inc()
		}
		s.queueDepth.Set(float64(evt.QueueDepth))
	case progress.StageCrawlDone:
		s.crawlsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageCrawlError:
		s.crawlsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageCrawlStart && s.tracker.complete(evt.SessionID) {
		s.crawlsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.crawlRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	kind := labelOrUnknown(evt.Kind)
	var outcome string
	switch evt.Stage {
	case progress.StagePageDone:
		outcome = "done"
		if evt.Links > 0 {
			s.links.WithLabelValues(kind).Add(float64(evt.Links))
		}
	case progress.StagePageRetry:
		outcome = "retry"
	case progress.StagePageSkipped:
		outcome = "skipped"
	default:
		outcome = "unclassified"
	}
	s.pages.WithLabelValues(kind, outcome).Inc()
	s.queueDepth.Set(float64(evt.QueueDepth))
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	kind := labelOrUnknown(evt.Kind)
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	renderer := "probe"
	if evt.Headless {
		renderer = "headless"
	}
	s.fetchRequests.WithLabelValues(kind, statusClass, renderer).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(kind).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(kind, renderer).Observe(evt.Dur.Seconds())
	}
}

func labelOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[[16]byte]struct{})}
}

func (t *sessionTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
