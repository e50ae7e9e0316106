// Package sinks implements progress consumers: structured logs, Prometheus
// collectors and per-spider record statistics persisted to the store.
package sinks
