// Package events carries run lifecycle and item outcome events from the runner
// to pluggable sinks. The Hub buffers events on a background goroutine and
// delivers them in batches so emitters never block on slow consumers such as
// Pub/Sub or a metrics registry.
package events
