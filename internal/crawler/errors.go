package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound means the source has no translation for the requested id.
	// It is an expected outcome, not a failure.
	ErrNotFound = errors.New("item not found")
	// ErrConcurrency reports a Progress write that lost a compare-and-swap
	// race. The whole run must be retried.
	ErrConcurrency = errors.New("progress revision conflict")
	// ErrUnsupported is returned when a source lacks the requested capability.
	ErrUnsupported = errors.New("capability not supported by source")
	// ErrUnsupportedSchema is returned for Progress blobs newer than this build.
	ErrUnsupportedSchema = errors.New("unsupported progress schema")
	// ErrRecordNotFound is returned by stores for absent run records.
	ErrRecordNotFound = errors.New("record not found")
)

// FetchError is a network, timeout, or server-side failure talking to a
// source. It is distinct from ErrNotFound.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request could succeed.
func (e *FetchError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return false
	}
	if e.StatusCode == 429 || e.StatusCode >= 500 {
		return true
	}
	if e.StatusCode > 0 {
		return false
	}
	var netErr net.Error
	if errors.As(e.Err, &netErr) {
		return true
	}
	return e.Err != nil
}

// ParseError means discovery markup no longer matches what the adapter
// expects. It fails the discover step.
type ParseError struct {
	Source string
	What   string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("parse %s %s", e.Source, e.What)
	}
	return fmt.Sprintf("parse %s %s: %v", e.Source, e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed Dedup Index write.
type PersistenceError struct {
	Op  string
	IDs []int
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %d item(s): %v", e.Op, len(e.IDs), e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a fetch failure worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}
