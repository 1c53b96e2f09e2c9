// Package crawler implements the resumable crawl engine: URL canonicalization,
// page classification, the retry policy, the frontier and the coordinator that
// commits each extracted page to a Store in a single transaction.
package crawler
