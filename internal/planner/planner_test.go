package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

func feedOf(n, offset int) crawler.Feed {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = offset + i
	}
	f := crawler.NewFeed(ids, n, 1)
	return f
}

func completed(sig string) crawler.Progress {
	p := crawler.NewProgress("src")
	p.BackfillComplete = true
	p.LastDiscoverySignature = sig
	return p
}

func TestDecideScenarioAFreshSource(t *testing.T) {
	t.Parallel()

	for _, listing := range []crawler.Listing{
		crawler.NewIDListing([]int{1, 2, 3}, 1),
		crawler.NewCountListing(3, 3, 1),
	} {
		plan := Decide(Input{
			Progress:  crawler.NewProgress("src"),
			Listing:   &listing,
			BatchSize: 10,
		})
		require.Equal(t, crawler.Plan{Kind: crawler.PlanBackfill, From: 1, Target: 3, Reason: "backfill incomplete"}, plan)
	}
}

func TestDecideScenarioBUnchangedSignatureIsIdle(t *testing.T) {
	t.Parallel()

	listing := crawler.NewCountListing(40, 40, 1)
	p := completed(listing.Signature)
	p.BackfillCursor = 41
	p.DiscoveredCount, p.DiscoveredMaxID = 40, 40

	plan := Decide(Input{Progress: p, Listing: &listing, BatchSize: 10})
	require.Equal(t, crawler.PlanIdle, plan.Kind)

	feed := feedOf(5, 1)
	fp := completed(feed.Signature)
	caps := crawler.Capabilities{HasChangeFeed: true}
	require.False(t, NeedsFeedLookup(fp, caps, &feed))
	require.Equal(t, crawler.PlanIdle, Decide(Input{Progress: fp, Capabilities: caps, Feed: &feed, BatchSize: 10}).Kind)
}

func TestDecideScenarioCSaturatedFeedRescans(t *testing.T) {
	t.Parallel()

	feed := feedOf(20, 100)
	p := completed("feed:old")
	caps := crawler.Capabilities{HasChangeFeed: true}
	require.True(t, NeedsFeedLookup(p, caps, &feed))

	plan := Decide(Input{Progress: p, Capabilities: caps, Feed: &feed, BatchSize: 10})
	require.Equal(t, crawler.PlanFullRescan, plan.Kind)
}

func TestDecideFeedDeltaWhenSomeUnseen(t *testing.T) {
	t.Parallel()

	feed := feedOf(20, 100)
	known := make([]int, 0, 19)
	for id := 100; id < 117; id++ {
		known = append(known, id)
	}
	plan := Decide(Input{
		Progress:     completed("feed:old"),
		Capabilities: crawler.Capabilities{HasChangeFeed: true},
		Feed:         &feed,
		FeedKnown:    known,
		BatchSize:    10,
	})
	require.Equal(t, crawler.PlanChangeFeedDelta, plan.Kind)
	require.Equal(t, []int{117, 118, 119}, plan.IDs)
	require.Zero(t, plan.Deferred)
}

func TestDecideFeedDeltaCappedAtBatch(t *testing.T) {
	t.Parallel()

	feed := feedOf(20, 1)
	plan := Decide(Input{
		Progress:     completed("feed:old"),
		Capabilities: crawler.Capabilities{HasChangeFeed: true},
		Feed:         &feed,
		FeedKnown:    []int{20},
		BatchSize:    5,
	})
	require.Equal(t, crawler.PlanChangeFeedDelta, plan.Kind)
	require.Equal(t, []int{1, 2, 3, 4, 5}, plan.IDs)
	require.Equal(t, 14, plan.Deferred)
}

func TestDecideFeedChangedButAllKnownIsIdle(t *testing.T) {
	t.Parallel()

	feed := feedOf(3, 7)
	plan := Decide(Input{
		Progress:     completed("feed:old"),
		Capabilities: crawler.Capabilities{HasChangeFeed: true},
		Feed:         &feed,
		FeedKnown:    []int{7, 8, 9},
		BatchSize:    5,
	})
	require.Equal(t, crawler.PlanIdle, plan.Kind)
}

func TestDecideShortFeedNeverSaturates(t *testing.T) {
	t.Parallel()

	feed := crawler.NewFeed([]int{1, 2, 3}, 20, 1)
	plan := Decide(Input{
		Progress:     completed("feed:old"),
		Capabilities: crawler.Capabilities{HasChangeFeed: true},
		Feed:         &feed,
		BatchSize:    5,
	})
	require.Equal(t, crawler.PlanChangeFeedDelta, plan.Kind)
}

func TestDecideFeedSkipsConsumedIDs(t *testing.T) {
	t.Parallel()

	feed := crawler.NewFeed([]int{9, 8, 7}, 20, 1)
	p := completed("feed:old")
	p.ConsumedIDs = []int{8}
	in := Input{
		Progress:     p,
		Capabilities: crawler.Capabilities{HasChangeFeed: true},
		Feed:         &feed,
		FeedKnown:    []int{7},
		BatchSize:    5,
	}
	plan := Decide(in)
	require.Equal(t, crawler.PlanChangeFeedDelta, plan.Kind)
	require.Equal(t, []int{9}, plan.IDs)

	in.Progress.ConsumedIDs = []int{8, 9}
	require.Equal(t, crawler.PlanIdle, Decide(in).Kind)
}

func TestDecideFeedAndListingSource(t *testing.T) {
	t.Parallel()

	feed := feedOf(3, 1)
	p := completed(feed.Signature)
	p.DiscoveredIDs = []int{1, 2, 3}
	p.BackfillCursor = 4
	hybrid := crawler.Capabilities{HasChangeFeed: true, HasSingleListing: true}

	grown := crawler.NewIDListing([]int{1, 2, 3, 4, 5}, 1)
	plan := Decide(Input{Progress: p, Capabilities: hybrid, Feed: &feed, Listing: &grown, BatchSize: 10})
	require.Equal(t, crawler.Plan{Kind: crawler.PlanBackfill, From: 4, Target: 2, Reason: "listing grew"}, plan)

	feedOnly := crawler.Capabilities{HasChangeFeed: true}
	require.Equal(t, crawler.PlanIdle, Decide(Input{Progress: p, Capabilities: feedOnly, Feed: &feed, Listing: &grown, BatchSize: 10}).Kind)

	same := crawler.NewIDListing([]int{1, 2, 3}, 1)
	require.Equal(t, crawler.PlanIdle, Decide(Input{Progress: p, Capabilities: hybrid, Feed: &feed, Listing: &same, BatchSize: 10}).Kind)

	shrunk := crawler.NewIDListing([]int{1, 3}, 1)
	require.Equal(t, crawler.PlanFullRescan, Decide(Input{Progress: p, Capabilities: hybrid, Feed: &feed, Listing: &shrunk, BatchSize: 10}).Kind)

	behind := p.Clone()
	behind.BackfillCursor = 3
	plan = Decide(Input{Progress: behind, Capabilities: hybrid, Feed: &feed, Listing: &same, BatchSize: 10})
	require.Equal(t, crawler.Plan{Kind: crawler.PlanBackfill, From: 3, Target: 1, Reason: "backlog pending"}, plan)

	changed := feedOf(3, 4)
	plan = Decide(Input{Progress: p, Capabilities: hybrid, Feed: &changed, FeedKnown: []int{4}, Listing: &grown, BatchSize: 10})
	require.Equal(t, crawler.PlanChangeFeedDelta, plan.Kind, "a changed feed wins over the listing")
}

func TestDecideBackfillTakesPrecedence(t *testing.T) {
	t.Parallel()

	listing := crawler.NewIDListing([]int{1, 2, 3, 4}, 1)
	feed := feedOf(20, 100)
	for _, caps := range allCapabilities() {
		p := crawler.NewProgress("src")
		p.BackfillCursor = 3
		plan := Decide(Input{Progress: p, Capabilities: caps, Listing: &listing, Feed: &feed, BatchSize: 10})
		require.Equal(t, crawler.PlanBackfill, plan.Kind, "caps %+v", caps)
		require.Equal(t, 3, plan.From)
		require.Equal(t, 2, plan.Target)
	}
}

func TestDecideListingChanges(t *testing.T) {
	t.Parallel()

	prev := crawler.NewIDListing([]int{1, 2, 4}, 1)
	base := completed(prev.Signature)
	base.DiscoveredIDs = prev.IDs
	base.BackfillCursor = 5

	tests := []struct {
		name   string
		ids    []int
		want   crawler.PlanKind
		target int
	}{
		{name: "growth above range", ids: []int{1, 2, 4, 6, 7}, want: crawler.PlanBackfill, target: 2},
		{name: "insert below range", ids: []int{1, 2, 3, 4}, want: crawler.PlanFullRescan},
		{name: "removal", ids: []int{1, 4}, want: crawler.PlanFullRescan},
		{name: "same ids", ids: []int{4, 2, 1}, want: crawler.PlanIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			listing := crawler.NewIDListing(tt.ids, 1)
			plan := Decide(Input{Progress: base.Clone(), Listing: &listing, BatchSize: 10})
			require.Equal(t, tt.want, plan.Kind)
			require.Equal(t, tt.target, plan.Target)
		})
	}
}

func TestDecideCountListingGrowth(t *testing.T) {
	t.Parallel()

	prev := crawler.NewCountListing(10, 12, 1)
	p := completed(prev.Signature)
	p.DiscoveredCount, p.DiscoveredMaxID = 10, 12
	p.BackfillCursor = 13

	grown := crawler.NewCountListing(12, 14, 1)
	plan := Decide(Input{Progress: p, Listing: &grown, BatchSize: 1})
	require.Equal(t, crawler.Plan{Kind: crawler.PlanBackfill, From: 13, Target: 1, Reason: "listing grew"}, plan)

	backfilled := crawler.NewCountListing(11, 12, 1)
	plan = Decide(Input{Progress: p, Listing: &backfilled, BatchSize: 1})
	require.Equal(t, crawler.PlanFullRescan, plan.Kind)
}

func TestDecideMatchingSignatureWithBacklog(t *testing.T) {
	t.Parallel()

	listing := crawler.NewCountListing(20, 20, 1)
	p := completed(listing.Signature)
	p.DiscoveredCount, p.DiscoveredMaxID = 20, 20
	p.BackfillCursor = 18

	plan := Decide(Input{Progress: p, Listing: &listing, BatchSize: 10})
	require.Equal(t, crawler.Plan{Kind: crawler.PlanBackfill, From: 18, Target: 3, Reason: "backlog pending"}, plan)
}

func TestDecideDoesNotMutateProgress(t *testing.T) {
	t.Parallel()

	listing := crawler.NewIDListing([]int{1, 2, 3}, 1)
	p := crawler.NewProgress("src")
	p.ConsumedIDs = []int{2}
	before := p.Clone()
	Decide(Input{Progress: p, Listing: &listing, BatchSize: 2})
	require.Equal(t, before, p)
}

func TestUnseen(t *testing.T) {
	t.Parallel()

	require.Equal(t, []int{1, 5}, Unseen([]int{5, 3, 1, 3}, []int{3}))
	require.Nil(t, Unseen([]int{2}, []int{2}))
}

func allCapabilities() []crawler.Capabilities {
	var out []crawler.Capabilities
	for mask := 0; mask < 8; mask++ {
		out = append(out, crawler.Capabilities{
			HasChangeFeed:      mask&1 != 0,
			HasNearestRedirect: mask&2 != 0,
			HasSingleListing:   mask&4 != 0,
		})
	}
	return out
}
