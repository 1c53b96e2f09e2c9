package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bandcamp-crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	sessionID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{SessionID: sessionID, TS: now, Stage: progress.StageCrawlStart, QueueDepth: 1},
		{
			SessionID:   sessionID,
			TS:          now.Add(time.Second),
			Stage:       progress.StageFetchDone,
			Kind:        "release",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{
			SessionID:   sessionID,
			TS:          now.Add(2 * time.Second),
			Stage:       progress.StageFetchDone,
			Kind:        "user",
			StatusClass: progress.Status2xx,
			Headless:    true,
			Dur:         3 * time.Second,
		},
		{SessionID: sessionID, TS: now, Stage: progress.StagePageDone, Kind: "release", URL: "https://a.bandcamp.com/album/x", Links: 3, QueueDepth: 7},
		{SessionID: sessionID, TS: now, Stage: progress.StagePageRetry, Kind: "user", URL: "https://bandcamp.com/fan", Attempt: 1, QueueDepth: 6},
		{SessionID: sessionID, TS: now, Stage: progress.StagePageSkipped, Kind: "user", URL: "https://bandcamp.com/fan", Attempt: 5, QueueDepth: 5},
		{SessionID: sessionID, TS: now, Stage: progress.StagePageUnclassified, URL: "https://bandcamp.com/help/x", QueueDepth: 4},
		{SessionID: sessionID, TS: now.Add(15 * time.Second), Stage: progress.StageCrawlDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 1, testutil.CollectAndCount(sink.crawlRuntime, "bandcamp_crawl_runtime_seconds"))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("release", "done")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("user", "retry")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("user", "skipped")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("unknown", "unclassified")), 1e-9)
	require.InDelta(t, 3.0, testutil.ToFloat64(sink.links.WithLabelValues("release")), 1e-9)
	require.InDelta(t, 4.0, testutil.ToFloat64(sink.queueDepth), 1e-9)

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchRequests.WithLabelValues("release", "2xx", "probe")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchRequests.WithLabelValues("user", "2xx", "headless")), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("release")), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.fetchDuration, "bandcamp_fetch_duration_seconds"))
}

func TestPrometheusSinkCrawlError(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	sessionID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: sessionID, TS: time.Now(), Stage: progress.StageCrawlStart},
		{SessionID: sessionID, TS: time.Now(), Stage: progress.StageCrawlStart},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.crawlsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: sessionID, TS: time.Now(), Stage: progress.StageCrawlError, Note: "disk full"},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
