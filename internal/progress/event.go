// Package progress defines the event structures emitted by the crawl engine.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCrawlStart       Stage = "CRAWL_START"
	StageCrawlDone        Stage = "CRAWL_DONE"
	StageCrawlError       Stage = "CRAWL_ERROR"
	StageFetchDone        Stage = "FETCH_DONE"
	StagePageDone         Stage = "PAGE_DONE"
	StagePageRetry        Stage = "PAGE_RETRY"
	StagePageSkipped      Stage = "PAGE_SKIPPED"
	StagePageUnclassified Stage = "PAGE_UNCLASSIFIED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of crawl progress.
type Event struct {
	// SessionID identifies one crawl run using the 16-byte UUID form.
	SessionID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Kind is the page kind for page and fetch events.
	Kind string
	// URL is the canonical page URL.
	URL string
	// Bytes carries the response size for fetch events.
	Bytes int64
	// Links is the number of outbound links a processed page produced.
	Links int64
	// Attempt is the 1-based attempt number for retry and skip events.
	Attempt int
	// QueueDepth is the frontier size when the event was emitted.
	QueueDepth int64
	// StatusClass groups HTTP response codes for fetch events.
	StatusClass StatusClass
	// Headless marks fetches served by the rendering fetcher.
	Headless bool
	// Dur captures latency for fetches, extractions and whole crawls.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlDone, StageCrawlError:
	case StagePageUnclassified:
		if e.URL == "" {
			return errors.New("page event requires url")
		}
	case StagePageDone, StagePageRetry, StagePageSkipped:
		if e.URL == "" {
			return errors.New("page event requires url")
		}
		if e.Kind == "" {
			return errors.New("page event requires kind")
		}
	case StageFetchDone:
		if e.Kind == "" {
			return errors.New("fetch done requires kind")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// IsLifecycle reports whether the event marks the start or end of a crawl.
func (e Event) IsLifecycle() bool {
	switch e.Stage {
	case StageCrawlStart, StageCrawlDone, StageCrawlError:
		return true
	default:
		return false
	}
}

// SessionUUID converts the binary session ID to uuid.UUID.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
