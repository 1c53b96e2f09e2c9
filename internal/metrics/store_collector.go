package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
)

// CountsReader is the slice of crawler.Store the collector needs.
type CountsReader interface {
	Counts(ctx context.Context) (crawler.StoreCounts, error)
}

// StoreCollector reports store cardinalities at scrape time.
type StoreCollector struct {
	store   CountsReader
	timeout time.Duration
	logger  *zap.Logger

	rows    *prometheus.Desc
	pending *prometheus.Desc
	up      *prometheus.Desc
}

var _ prometheus.Collector = (*StoreCollector)(nil)

// NewStoreCollector builds a collector; a zero timeout defaults to 5s.
func NewStoreCollector(store CountsReader, timeout time.Duration, logger *zap.Logger) *StoreCollector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreCollector{
		store:   store,
		timeout: timeout,
		logger:  logger,
		rows: prometheus.NewDesc(
			"bandcamp_store_rows",
			"Rows per crawl store table.",
			[]string{"table"}, nil,
		),
		pending: prometheus.NewDesc(
			"bandcamp_crawl_log_pending",
			"Crawl log entries not yet processed.",
			nil, nil,
		),
		up: prometheus.NewDesc(
			"bandcamp_store_up",
			"Whether the last store scrape succeeded.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rows
	ch <- c.pending
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	counts, err := c.store.Counts(ctx)
	if err != nil {
		c.logger.Warn("store scrape failed", zap.Error(err))
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	for table, n := range map[string]int{
		"artists":          counts.Artists,
		"releases":         counts.Releases,
		"release_metadata": counts.ReleaseMetadata,
		"users":            counts.Users,
		"user_supports":    counts.Supports,
		"crawl_log":        counts.LogTotal,
	} {
		ch <- prometheus.MustNewConstMetric(c.rows, prometheus.GaugeValue, float64(n), table)
	}
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(counts.LogPending))
}
