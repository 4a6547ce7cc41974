// Package memory implements the progress store, dedup index, and step store in
// process memory for development and tests. Nothing survives a restart.
package memory
