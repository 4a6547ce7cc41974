package crawler

import (
	"context"
	"time"
)

// Source adapts one remote site. Optional capabilities return ErrUnsupported
// when the source does not expose them.
type Source interface {
	Key() string
	Capabilities() Capabilities
	// FetchListing enumerates the ids the site currently exposes, spending
	// at most maxCalls requests when maxCalls is positive. A listing cut
	// short by that cap comes back with Truncated set. Markup drift is
	// reported as *ParseError.
	FetchListing(ctx context.Context, maxCalls int) (Listing, error)
	// FetchChangeFeed returns the bounded recent-activity window.
	FetchChangeFeed(ctx context.Context) (Feed, error)
	// FetchItem returns ErrNotFound for missing ids and *FetchError for
	// network failures.
	FetchItem(ctx context.Context, id int) (Item, error)
	// FetchItemOrNearest returns the item at id or the nearest existing id
	// above it. The returned Item.ID may exceed id.
	FetchItemOrNearest(ctx context.Context, id int) (Item, error)
}

// ProgressStore keeps one whole Progress blob per source. Put succeeds only
// when p.Revision is exactly one above the stored revision (or 1 when nothing
// is stored); otherwise it returns ErrConcurrency.
type ProgressStore interface {
	Get(ctx context.Context, source string) (Progress, bool, error)
	Put(ctx context.Context, source string, p Progress) error
}

// DedupIndex records which item ids each source has already ingested.
type DedupIndex interface {
	ContainsAny(ctx context.Context, source string, ids []int) (map[int]struct{}, error)
	InsertBatch(ctx context.Context, source string, items []Item) error
	InsertOne(ctx context.Context, source string, item Item) error
}

// StepStore memoizes run records and step results.
type StepStore interface {
	// OpenRun returns the most recent run for source that is neither done
	// nor abandoned.
	OpenRun(ctx context.Context, source string) (Run, bool, error)
	// LoadRun returns ErrRecordNotFound for unknown run ids.
	LoadRun(ctx context.Context, runID string) (Run, error)
	SaveRun(ctx context.Context, run Run) error
	LoadStep(ctx context.Context, runID, step string) ([]byte, bool, error)
	// SaveStep keeps the first payload saved for a step and ignores later ones.
	SaveStep(ctx context.Context, runID, step string, payload []byte) error
}

// Publisher pushes run summaries to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run ids.
type IDGenerator interface {
	NewID() (string, error)
}
