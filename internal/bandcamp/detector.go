package bandcamp

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
)

const defaultBodyLengthThreshold = 2048

// Detector decides when a probed page must be re-fetched through the
// headless browser.
type Detector struct {
	BodyLengthThreshold int
}

// NewDetector creates a detector; a zero threshold selects the default.
func NewDetector(threshold int) *Detector {
	if threshold <= 0 {
		threshold = defaultBodyLengthThreshold
	}
	return &Detector{BodyLengthThreshold: threshold}
}

var releaseMoreMarkers = [][]byte{
	[]byte("more-thumbs"),
	[]byte("more-writing"),
}

// ShouldExpand reports whether the probe of a page of the given kind hides
// content behind "more" controls or client-side rendering.
func (d *Detector) ShouldExpand(kind crawler.Kind, resp crawler.FetchResponse, doc *goquery.Document) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < d.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}

	switch kind {
	case crawler.KindRelease:
		for _, marker := range releaseMoreMarkers {
			if bytes.Contains(body, marker) {
				return doc.Find("a.more-thumbs, a.more-writing").Length() > 0
			}
		}
	case crawler.KindUser:
		if doc.Find("button.show-more").Length() > 0 {
			return true
		}
		if advertised := collectionCount(doc); advertised > collectionItems(doc) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
