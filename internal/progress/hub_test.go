package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageCrawlStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageCrawlStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubDropsPageEventsWhenFull asserts page events never block a full hub.
func TestHubDropsPageEventsWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{LifecycleWait: time.Minute},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StagePageDone))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, HubStats{Dropped: 1}, hub.Stats())
}

// TestHubLifecycleEventsWaitForSpace asserts CRAWL_* events wait for buffer space.
func TestHubLifecycleEventsWaitForSpace(t *testing.T) {
	t.Parallel()

	events := make(chan Event)
	hub := &Hub{
		cfg:    Config{LifecycleWait: 5 * time.Second},
		events: events,
		logger: zap.NewNop(),
	}
	received := make(chan Event, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		received <- <-events
	}()

	hub.Emit(sampleEvent(StageCrawlDone))
	require.Equal(t, StageCrawlDone, (<-received).Stage)
	require.Equal(t, HubStats{Emitted: 1}, hub.Stats())
}

// TestHubLifecycleWaitTimesOut asserts the lifecycle wait is bounded.
func TestHubLifecycleWaitTimesOut(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{LifecycleWait: 20 * time.Millisecond},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	hub.Emit(sampleEvent(StageCrawlStart))
	require.Equal(t, int64(1), hub.Stats().Dropped)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StageCrawlStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

// TestHubDiscardsInvalidEvents ensures events failing validation never reach sinks.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)

	hub.Emit(Event{Stage: StagePageDone})
	missingURL := sampleEvent(StagePageDone)
	missingURL.URL = ""
	hub.Emit(missingURL)
	hub.Emit(sampleEvent(StagePageDone))

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, StagePageDone, batches[0][0].Stage)
	require.Equal(t, HubStats{Emitted: 1, Invalid: 2}, hub.Stats())
}

// TestHubEmitAfterClose verifies late emitters are ignored instead of panicking.
func TestHubEmitAfterClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent(StageCrawlStart))
	require.Empty(t, sink.Batches())

	var nilHub *Hub
	nilHub.Emit(sampleEvent(StageCrawlStart))
	require.NoError(t, nilHub.Close(context.Background()))
	require.Equal(t, HubStats{}, nilHub.Stats())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	id := uuid.New()
	return Event{
		SessionID: UUIDToBytes(id),
		TS:        time.Now(),
		Stage:     stage,
		Kind:      "release",
		URL:       "https://fffoxtails.bandcamp.com/album/flannel",
		StatusClass: func() StatusClass {
			if stage == StageFetchDone {
				return Status2xx
			}
			return ""
		}(),
	}
}
