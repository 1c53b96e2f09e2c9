package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	session := UUIDToBytes(uuid.MustParse("0190b5a4-0000-7000-8000-00000000000a"))
	base := Event{SessionID: session, TS: time.Unix(10, 0)}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr string
	}{
		{name: "crawl start", mutate: func(e *Event) { e.Stage = StageCrawlStart }},
		{name: "missing session", mutate: func(e *Event) { e.Stage = StageCrawlStart; e.SessionID = [16]byte{} }, wantErr: "session id"},
		{name: "missing timestamp", mutate: func(e *Event) { e.Stage = StageCrawlDone; e.TS = time.Time{} }, wantErr: "timestamp"},
		{name: "page done", mutate: func(e *Event) { e.Stage = StagePageDone; e.URL = "https://a.bandcamp.com"; e.Kind = "artist" }},
		{name: "page without kind", mutate: func(e *Event) { e.Stage = StagePageSkipped; e.URL = "https://a.bandcamp.com" }, wantErr: "kind"},
		{name: "unclassified without kind", mutate: func(e *Event) { e.Stage = StagePageUnclassified; e.URL = "https://bandcamp.com/help/x" }},
		{name: "unclassified without url", mutate: func(e *Event) { e.Stage = StagePageUnclassified }, wantErr: "url"},
		{name: "fetch without status", mutate: func(e *Event) { e.Stage = StageFetchDone; e.Kind = "user" }, wantErr: "status class"},
		{name: "negative duration", mutate: func(e *Event) { e.Stage = StageCrawlDone; e.Dur = -time.Second }, wantErr: "duration"},
		{name: "unknown stage", mutate: func(e *Event) { e.Stage = "JOB_START" }, wantErr: "unknown stage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			evt := base
			tt.mutate(&evt)
			err := evt.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSessionUUIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.Must(uuid.NewV7())
	evt := Event{SessionID: UUIDToBytes(id)}
	require.Equal(t, id, evt.SessionUUID())
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(200))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}
