// Package sinks provides events.Sink implementations: structured logging,
// Prometheus collectors, and publication of finished-run summaries.
package sinks
