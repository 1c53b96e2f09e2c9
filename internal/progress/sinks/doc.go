// Package sinks implements concrete progress consumers: a Prometheus exporter
// and a structured log sink. Each sink satisfies the progress.Sink interface
// and is safe for repeated Consume/Close cycles.
package sinks
