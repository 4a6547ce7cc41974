package crawler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/hash/sha256"
)

// Item is one translated comic, the unit of work and persistence.
type Item struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	ImageRef  string `json:"image_ref"`
	AltText   string `json:"alt_text"`
	OriginURL string `json:"origin_url"`
}

// Capabilities describes which discovery mechanisms a source exposes.
type Capabilities struct {
	HasChangeFeed      bool `json:"has_change_feed" mapstructure:"change_feed"`
	HasNearestRedirect bool `json:"has_nearest_redirect" mapstructure:"nearest_redirect"`
	HasSingleListing   bool `json:"has_single_listing" mapstructure:"single_listing"`
}

// Listing is the result of a listing discovery. Sources that publish every id
// fill IDs; sources that only expose a total fill Count and MaxID and leave IDs
// empty (count mode).
type Listing struct {
	IDs       []int  `json:"ids,omitempty"`
	Count     int    `json:"count"`
	MaxID     int    `json:"max_id"`
	Signature string `json:"signature"`
	Calls     int    `json:"calls"`
	// Truncated marks a listing that stopped at the caller's call cap
	// before the site ran out of pages.
	Truncated bool `json:"truncated,omitempty"`
}

// NewIDListing sorts and deduplicates ids and fingerprints the exact list.
func NewIDListing(ids []int, calls int) Listing {
	sorted := SortedUnique(ids)
	l := Listing{
		IDs:       sorted,
		Count:     len(sorted),
		Signature: "ids:" + sha256.New().HashIDs(sorted),
		Calls:     calls,
	}
	if len(sorted) > 0 {
		l.MaxID = sorted[len(sorted)-1]
	}
	return l
}

// NewCountListing builds a count-mode listing for a dense id range.
func NewCountListing(count, maxID, calls int) Listing {
	return Listing{
		Count:     count,
		MaxID:     maxID,
		Signature: "count:" + strconv.Itoa(count) + ":" + strconv.Itoa(maxID),
		Calls:     calls,
	}
}

// CountMode reports whether the listing carries only a count and a max id.
func (l Listing) CountMode() bool {
	return len(l.IDs) == 0
}

// Feed is a snapshot of a bounded recent-activity listing.
type Feed struct {
	IDs       []int  `json:"ids"`
	Window    int    `json:"window"`
	Signature string `json:"signature"`
	Calls     int    `json:"calls"`
}

// NewFeed fingerprints the feed ids in the order the source shows them.
func NewFeed(ids []int, window, calls int) Feed {
	return Feed{
		IDs:       append([]int(nil), ids...),
		Window:    window,
		Signature: "feed:" + sha256.New().HashIDs(ids),
		Calls:     calls,
	}
}

// PlanKind names one of the four decisions the planner can make.
type PlanKind string

// Plan kinds.
const (
	PlanIdle            PlanKind = "idle"
	PlanBackfill        PlanKind = "backfill"
	PlanChangeFeedDelta PlanKind = "change_feed_delta"
	PlanFullRescan      PlanKind = "full_rescan"
)

// Plan is the single decision taken for one run.
type Plan struct {
	Kind PlanKind `json:"kind"`
	// From and Target scope a backfill: start at id From, fetch at most Target items.
	From   int `json:"from,omitempty"`
	Target int `json:"target,omitempty"`
	// IDs lists the unseen feed ids for a change-feed delta.
	IDs []int `json:"ids,omitempty"`
	// Deferred counts unseen feed ids left for a later run because of the batch size.
	Deferred int    `json:"deferred,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (p Plan) String() string {
	switch p.Kind {
	case PlanBackfill:
		return fmt.Sprintf("Backfill(%d,%d)", p.From, p.Target)
	case PlanChangeFeedDelta:
		parts := make([]string, len(p.IDs))
		for i, id := range p.IDs {
			parts[i] = strconv.Itoa(id)
		}
		return "ChangeFeedDelta(" + strings.Join(parts, ",") + ")"
	case PlanFullRescan:
		return "FullRescan"
	default:
		return "Idle"
	}
}

// SortedUnique returns a sorted copy of ids without duplicates.
func SortedUnique(ids []int) []int {
	if len(ids) == 0 {
		return nil
	}
	out := append([]int(nil), ids...)
	slices.Sort(out)
	return slices.Compact(out)
}
