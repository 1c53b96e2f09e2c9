package crawler

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind identifies which page shape a canonical URL points at.
type Kind string

// Page kinds understood by the classifier and the extractor.
const (
	KindArtist  Kind = "artist"
	KindRelease Kind = "release"
	KindUser    Kind = "user"
)

// Kinds lists every kind in a stable order (used for stats output).
var Kinds = []Kind{KindArtist, KindRelease, KindUser}

// ParseKind converts a configuration string into a Kind.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindArtist, KindRelease, KindUser:
		return k, nil
	default:
		return "", fmt.Errorf("unknown page kind %q", raw)
	}
}

// Record is the closed set of structured results an extractor can return.
// Only the three record types in this package implement it.
type Record interface {
	Kind() Kind
	isRecord()
}

// ArtistRecord is extracted from an artist page.
type ArtistRecord struct {
	Name string
}

// ReleaseRecord is extracted from an album or track page.
type ReleaseRecord struct {
	Name       string
	ArtistName string
	ArtistURL  string
	Year       int
	Tags       []string
}

// UserRecord is extracted from a fan profile. Collection holds the release
// URLs the user supports.
type UserRecord struct {
	Name       string
	Collection []string
}

// Kind implements Record.
func (ArtistRecord) Kind() Kind { return KindArtist }

// Kind implements Record.
func (ReleaseRecord) Kind() Kind { return KindRelease }

// Kind implements Record.
func (UserRecord) Kind() Kind { return KindUser }

func (ArtistRecord) isRecord()  {}
func (ReleaseRecord) isRecord() {}
func (UserRecord) isRecord()    {}

// Extraction is the successful result of extracting one page.
type Extraction struct {
	Record Record
	// Links are the outbound URLs discovered on the page (absolute, not yet canonical).
	Links []string
}

// Outcome is persisted in the crawl log once a URL stops being pending.
type Outcome string

// Crawl log outcomes.
const (
	OutcomeDone         Outcome = "done"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeUnclassified Outcome = "unclassified"
)

// FetchRequest captures everything needed to fetch a page.
type FetchRequest struct {
	URL  string
	Kind Kind
	// ExpectedItems is the advertised item count a rendering fetcher should
	// try to load (0 when unknown).
	ExpectedItems int
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Stats is a point-in-time snapshot of crawl progress.
type Stats struct {
	Processed    map[Kind]int `json:"processed"`
	Skipped      int          `json:"skipped"`
	Unclassified int          `json:"unclassified"`
	Retries      int          `json:"retries"`
	Duplicates   int          `json:"duplicates"`
	Aborted      int          `json:"aborted"`
	QueueDepth   int          `json:"queue_depth"`
	InFlight     int          `json:"in_flight"`
}

// Units returns the number of committed units of work.
func (s Stats) Units() int {
	total := s.Skipped + s.Unclassified
	for _, n := range s.Processed {
		total += n
	}
	return total
}

// StoreCounts reports table cardinalities.
type StoreCounts struct {
	Artists         int `json:"artists"`
	Releases        int `json:"releases"`
	ReleaseMetadata int `json:"release_metadata"`
	Users           int `json:"users"`
	Supports        int `json:"supports"`
	LogTotal        int `json:"log_total"`
	LogPending      int `json:"log_pending"`
}
