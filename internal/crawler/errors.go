package crawler

import (
	"errors"
	"fmt"
)

// Extractor failure classes. Extractors wrap one of these so the engine can
// decide between retrying and skipping a URL.
var (
	// ErrTransient marks failures worth retrying (timeouts, network errors, 5xx).
	ErrTransient = errors.New("transient extraction failure")
	// ErrTooLarge marks pages whose content exceeds what the extractor will enumerate.
	ErrTooLarge = errors.New("page content too large")
	// ErrMalformed marks pages missing elements the extractor relies on.
	ErrMalformed = errors.New("malformed page")
	// ErrPermanent marks fetch failures that will not change on retry (404, 410, 403).
	ErrPermanent = errors.New("permanent fetch failure")
)

// ClassificationError is returned when no classifier rule matches a URL.
type ClassificationError struct {
	URL string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("unrecognized url %q", e.URL)
}

// StorageError wraps a failure at the commit boundary. It aborts the crawl.
type StorageError struct {
	URL string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("commit %s: %v", e.URL, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
