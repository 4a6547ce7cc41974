// Package planner decides what a run should do. Decide is a pure function of
// the persisted Progress and the fresh discovery snapshot; it performs no I/O
// and never mutates its input.
package planner

import (
	"slices"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// Input is everything the planner looks at.
type Input struct {
	Progress     crawler.Progress
	Capabilities crawler.Capabilities
	// Listing is nil when discovery skipped the listing fetch.
	Listing *crawler.Listing
	// Feed is nil for sources without a change feed.
	Feed *crawler.Feed
	// FeedKnown holds the feed ids already present in the Dedup Index.
	FeedKnown []int
	BatchSize int
}

// Decide returns exactly one plan. The order of checks matters: an unfinished
// backfill always wins, then the change feed, then the listing. Sources with
// both a feed and a single listing consult the listing only when the feed
// has nothing to do.
func Decide(in Input) crawler.Plan {
	batch := max(in.BatchSize, 1)
	p := in.Progress
	if !p.BackfillComplete {
		return backfill(p, listingView(in), batch, "backfill incomplete")
	}
	if !in.Capabilities.HasChangeFeed {
		return decideListing(in, batch)
	}
	plan := decideFeed(in, batch)
	if plan.Kind == crawler.PlanIdle && in.Capabilities.HasSingleListing && in.Listing != nil {
		return decideListing(in, batch)
	}
	return plan
}

// NeedsFeedLookup reports whether Decide will consult FeedKnown, so callers
// can skip the Dedup Index round trip when the feed is unchanged.
func NeedsFeedLookup(p crawler.Progress, caps crawler.Capabilities, feed *crawler.Feed) bool {
	return p.BackfillComplete && caps.HasChangeFeed && feed != nil &&
		feed.Signature != p.LastDiscoverySignature
}

func decideFeed(in Input, batch int) crawler.Plan {
	feed := in.Feed
	if feed == nil {
		return idle("no feed snapshot")
	}
	if feed.Signature == in.Progress.LastDiscoverySignature {
		return idle("feed unchanged")
	}
	known := append(slices.Clone(in.FeedKnown), in.Progress.ConsumedIDs...)
	unseen := Unseen(feed.IDs, known)
	switch {
	case feed.Window > 0 && len(unseen) == feed.Window:
		// The whole window is new, so the feed may have scrolled past items
		// we never saw.
		return crawler.Plan{Kind: crawler.PlanFullRescan, Reason: "feed window saturated"}
	case len(unseen) == 0:
		return idle("feed entries already ingested")
	}
	plan := crawler.Plan{Kind: crawler.PlanChangeFeedDelta, IDs: unseen, Reason: "feed changed"}
	if len(unseen) > batch {
		plan.IDs = unseen[:batch]
		plan.Deferred = len(unseen) - batch
	}
	return plan
}

func decideListing(in Input, batch int) crawler.Plan {
	if in.Listing == nil {
		return idle("no listing snapshot")
	}
	p := in.Progress
	l := *in.Listing
	if listingMoved(in.Capabilities, p, l) {
		if grew(p.KnownListing(), l) {
			return backfill(p, l, batch, "listing grew")
		}
		return crawler.Plan{Kind: crawler.PlanFullRescan, Reason: "listing changed beyond growth"}
	}
	if p.Backlog(l) > 0 {
		return backfill(p, l, batch, "backlog pending")
	}
	return idle("listing unchanged")
}

// listingMoved compares l with what the last run recorded. Feed sources keep
// the feed signature in LastDiscoverySignature, so their listing is compared
// with the discovered ids instead.
func listingMoved(caps crawler.Capabilities, p crawler.Progress, l crawler.Listing) bool {
	if !caps.HasChangeFeed {
		return l.Signature != p.LastDiscoverySignature
	}
	known := p.KnownListing()
	return known.Count != l.Count || known.MaxID != l.MaxID || !slices.Equal(known.IDs, l.IDs)
}

// Unseen returns the sorted feed ids that are not in known.
func Unseen(feedIDs, known []int) []int {
	seen := make(map[int]struct{}, len(known))
	for _, id := range known {
		seen[id] = struct{}{}
	}
	var out []int
	for _, id := range crawler.SortedUnique(feedIDs) {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// grew reports whether next is prev plus ids above prev's range end.
func grew(prev, next crawler.Listing) bool {
	if prev.Count == 0 && prev.MaxID == 0 {
		return true
	}
	if prev.CountMode() != next.CountMode() {
		return false
	}
	if next.CountMode() {
		added := next.Count - prev.Count
		return added > 0 && next.MaxID > prev.MaxID && added <= next.MaxID-prev.MaxID
	}
	if len(next.IDs) <= len(prev.IDs) {
		return false
	}
	return slices.Equal(next.IDs[:len(prev.IDs)], prev.IDs)
}

func backfill(p crawler.Progress, l crawler.Listing, batch int, reason string) crawler.Plan {
	return crawler.Plan{
		Kind:   crawler.PlanBackfill,
		From:   max(p.BackfillCursor, 1),
		Target: min(batch, p.Backlog(l)),
		Reason: reason,
	}
}

func listingView(in Input) crawler.Listing {
	if in.Listing != nil {
		return *in.Listing
	}
	return in.Progress.KnownListing()
}

func idle(reason string) crawler.Plan {
	return crawler.Plan{Kind: crawler.PlanIdle, Reason: reason}
}
