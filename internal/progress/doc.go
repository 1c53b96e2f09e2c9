// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces the crawl engine and extractor use to report progress. It batches
// events on a background goroutine and fans them out to pluggable sinks such
// as Prometheus metrics or a structured log.
package progress
