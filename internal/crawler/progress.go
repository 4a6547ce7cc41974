package crawler

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// SchemaVersion is the Progress layout written by this build.
const SchemaVersion = 1

// Progress is the durable per-source crawl state. A store holds exactly one
// Progress per source and replaces it as a whole on every commit.
type Progress struct {
	SchemaVersion int    `json:"schema_version"`
	Source        string `json:"source"`

	// Discovery state from the last listing fetch. Id-mode listings fill
	// DiscoveredIDs; count-mode listings fill only the count and max id.
	DiscoveredIDs   []int `json:"discovered_ids,omitempty"`
	DiscoveredCount int   `json:"discovered_count"`
	DiscoveredMaxID int   `json:"discovered_max_id"`

	// ConsumedIDs holds ids at or above the cursor that were consumed out of
	// order, such as change-feed deltas. Ids below the cursor are pruned.
	ConsumedIDs      []int `json:"consumed_ids,omitempty"`
	BackfillCursor   int   `json:"backfill_cursor"`
	BackfillComplete bool  `json:"backfill_complete"`

	LastDiscoverySignature string    `json:"last_discovery_signature,omitempty"`
	TotalProcessed         int       `json:"total_processed"`
	LastRunTime            time.Time `json:"last_run_time,omitzero"`

	// Revision increments on every commit and guards compare-and-swap writes.
	Revision int64 `json:"revision"`
}

// NewProgress returns the initial state for a never-crawled source.
func NewProgress(source string) Progress {
	return Progress{
		SchemaVersion:  SchemaVersion,
		Source:         source,
		BackfillCursor: 1,
	}
}

// DecodeProgress parses a stored blob and upgrades older layouts.
func DecodeProgress(data []byte) (Progress, error) {
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return Progress{}, fmt.Errorf("decode progress: %w", err)
	}
	if p.SchemaVersion > SchemaVersion {
		return Progress{}, fmt.Errorf("%w: version %d", ErrUnsupportedSchema, p.SchemaVersion)
	}
	if p.SchemaVersion == 0 {
		p.SchemaVersion = SchemaVersion
	}
	if p.BackfillCursor < 1 {
		p.BackfillCursor = 1
	}
	p.DiscoveredIDs = SortedUnique(p.DiscoveredIDs)
	p.ConsumedIDs = SortedUnique(p.ConsumedIDs)
	return p, nil
}

// EncodeProgress serializes p for storage.
func EncodeProgress(p Progress) ([]byte, error) {
	if p.SchemaVersion == 0 {
		p.SchemaVersion = SchemaVersion
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode progress: %w", err)
	}
	return data, nil
}

// Clone returns a deep copy so callers can derive a successor safely.
func (p Progress) Clone() Progress {
	cp := p
	cp.DiscoveredIDs = slices.Clone(p.DiscoveredIDs)
	cp.ConsumedIDs = slices.Clone(p.ConsumedIDs)
	return cp
}

// IsConsumed reports whether id was consumed outside the cursor.
func (p Progress) IsConsumed(id int) bool {
	_, ok := slices.BinarySearch(p.ConsumedIDs, id)
	return ok
}

// KnownListing rebuilds the listing recorded by the last discovery.
func (p Progress) KnownListing() Listing {
	if len(p.DiscoveredIDs) > 0 {
		return Listing{
			IDs:   p.DiscoveredIDs,
			Count: len(p.DiscoveredIDs),
			MaxID: p.DiscoveredIDs[len(p.DiscoveredIDs)-1],
		}
	}
	return Listing{Count: p.DiscoveredCount, MaxID: p.DiscoveredMaxID}
}

// Backlog counts ids in l at or above the cursor that are not yet consumed.
func (p Progress) Backlog(l Listing) int {
	cursor := max(p.BackfillCursor, 1)
	if !l.CountMode() {
		start, _ := slices.BinarySearch(l.IDs, cursor)
		n := 0
		for _, id := range l.IDs[start:] {
			if !p.IsConsumed(id) {
				n++
			}
		}
		return n
	}
	if l.MaxID < cursor {
		return 0
	}
	n := l.MaxID - cursor + 1
	for _, id := range p.ConsumedIDs {
		if id >= cursor && id <= l.MaxID {
			n--
		}
	}
	return n
}
