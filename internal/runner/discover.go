package runner

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/executor"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/planner"
)

// discovery is the memoized output of the discover step. Progress is the
// snapshot every later step derives from; its Revision anchors the commit.
type discovery struct {
	Progress  crawler.Progress `json:"progress"`
	Stored    bool             `json:"stored"`
	Listing   *crawler.Listing `json:"listing,omitempty"`
	Feed      *crawler.Feed    `json:"feed,omitempty"`
	FeedKnown []int            `json:"feed_known,omitempty"`
	Calls     int              `json:"calls"`
}

func (rc *runCtx) discover(ctx context.Context) (discovery, error) {
	var d discovery
	caps := rc.src.Capabilities()
	source := rc.src.Key()

	// Discovery keeps one call of the budget for items. The feed is
	// fetched alongside the listing, so it is reserved up front.
	listingCap := rc.budget.Calls - 1
	if caps.HasChangeFeed {
		listingCap--
	}
	listingCap = max(listingCap, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, ok, err := rc.progress.Get(gctx, source)
		if err != nil {
			return fmt.Errorf("load progress: %w", err)
		}
		if !ok {
			p = crawler.NewProgress(source)
		}
		d.Progress, d.Stored = p, ok
		return nil
	})
	if !caps.HasChangeFeed || caps.HasSingleListing {
		g.Go(func() error {
			l, err := rc.src.FetchListing(gctx, listingCap)
			if err != nil {
				return fmt.Errorf("fetch listing: %w", err)
			}
			d.Listing = &l
			return nil
		})
	}
	if caps.HasChangeFeed {
		g.Go(func() error {
			f, err := rc.src.FetchChangeFeed(gctx)
			if err != nil {
				return fmt.Errorf("fetch change feed: %w", err)
			}
			d.Feed = &f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return discovery{}, err
	}

	// Feed-only sources page through their archive listing only until the
	// backfill has caught up.
	if d.Listing == nil && caps.HasChangeFeed && !d.Progress.BackfillComplete {
		l, err := rc.src.FetchListing(ctx, max(rc.budget.Calls-d.Feed.Calls-1, 1))
		if err != nil {
			return discovery{}, fmt.Errorf("fetch listing: %w", err)
		}
		d.Listing = &l
	}
	if d.Listing != nil && d.Listing.Truncated {
		rc.log.Warn("listing truncated by call budget",
			zap.Int("calls", d.Listing.Calls), zap.Int("budget", rc.budget.Calls))
	}
	if planner.NeedsFeedLookup(d.Progress, caps, d.Feed) && len(d.Feed.IDs) > 0 {
		known, err := rc.dedup.ContainsAny(ctx, source, d.Feed.IDs)
		if err != nil {
			return discovery{}, fmt.Errorf("look up feed ids: %w", err)
		}
		d.FeedKnown = make([]int, 0, len(known))
		for id := range known {
			d.FeedKnown = append(d.FeedKnown, id)
		}
		slices.Sort(d.FeedKnown)
	}
	if d.Listing != nil {
		d.Calls += d.Listing.Calls
	}
	if d.Feed != nil {
		d.Calls += d.Feed.Calls
	}
	return d, nil
}

func (rc *runCtx) plan(d discovery) crawler.Plan {
	return planner.Decide(planner.Input{
		Progress:     d.Progress,
		Capabilities: rc.src.Capabilities(),
		Listing:      d.Listing,
		Feed:         d.Feed,
		FeedKnown:    d.FeedKnown,
		BatchSize:    rc.budget.BatchSize,
	})
}

func (rc *runCtx) execute(ctx context.Context, d discovery, plan crawler.Plan) (executor.Result, error) {
	exec := executor.New(rc.dedup, rc.log,
		executor.WithLookupChunk(rc.lookupChunk),
		executor.WithObserver(func(o executor.Outcome) {
			rc.emit(eventForOutcome(o))
		}),
	)
	listing := d.Progress.KnownListing()
	if d.Listing != nil {
		listing = *d.Listing
	}
	return exec.Execute(ctx, rc.src, d.Progress, listing, plan, executor.Budget{
		Items:     rc.budget.BatchSize,
		Calls:     max(0, rc.budget.Calls-d.Calls),
		ItemDelay: rc.budget.ItemDelay,
	})
}
