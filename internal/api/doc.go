// Package api hosts the monitoring HTTP server that runs alongside a crawl.
// Routes:
//   - GET /healthz and /readyz for liveness and store reachability.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for engine progress and store cardinalities.
//   - POST /v1/stop to request a graceful stop of the running crawl.
package api
