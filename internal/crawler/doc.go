// Package crawler defines the domain model shared by every subsystem of the
// localized comic crawler: items, per-source progress, discovery snapshots,
// plans, run bookkeeping, the error taxonomy, and the interfaces implemented by
// source adapters and storage backends.
package crawler
