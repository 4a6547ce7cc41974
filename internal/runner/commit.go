package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/events"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/executor"
)

// commit writes the successor of the discovery snapshot. A conflict is
// tolerated only when the stored record is exactly what this run would have
// written, which happens when a previous attempt committed but died before
// memoizing the step.
func (rc *runCtx) commit(
	ctx context.Context,
	d discovery,
	plan crawler.Plan,
	res executor.Result,
) (crawler.Progress, error) {
	next := nextProgress(d, rc.src.Capabilities(), plan, res, rc.run.StartedAt)
	err := rc.progress.Put(ctx, rc.src.Key(), next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, crawler.ErrConcurrency) {
		return crawler.Progress{}, fmt.Errorf("put progress: %w", err)
	}
	stored, ok, gerr := rc.progress.Get(ctx, rc.src.Key())
	if gerr != nil {
		return crawler.Progress{}, errors.Join(err, fmt.Errorf("reload progress: %w", gerr))
	}
	if ok && sameProgress(stored, next) {
		rc.log.Info("progress already committed by an earlier attempt", zap.Int64("revision", next.Revision))
		return stored, nil
	}
	return crawler.Progress{}, fmt.Errorf("put progress at revision %d: %w", next.Revision, err)
}

// nextProgress is the pure state transition applied at commit.
func nextProgress(
	d discovery,
	caps crawler.Capabilities,
	plan crawler.Plan,
	res executor.Result,
	runTime time.Time,
) crawler.Progress {
	next := d.Progress.Clone()
	next.SchemaVersion = crawler.SchemaVersion

	if d.Listing != nil {
		l := d.Listing
		next.DiscoveredCount = l.Count
		next.DiscoveredMaxID = l.MaxID
		next.DiscoveredIDs = slices.Clone(l.IDs)
	}

	switch plan.Kind {
	case crawler.PlanFullRescan:
		next.BackfillCursor = 1
		next.BackfillComplete = false
		next.ConsumedIDs = nil
	case crawler.PlanBackfill:
		next.BackfillCursor = max(next.BackfillCursor, res.NextCursor, 1)
		// A truncated listing may hide ids past its last page.
		truncated := d.Listing != nil && d.Listing.Truncated
		next.BackfillComplete = res.Exhausted || (!truncated && next.Backlog(next.KnownListing()) == 0)
	case crawler.PlanChangeFeedDelta:
		next.ConsumedIDs = crawler.SortedUnique(append(next.ConsumedIDs, res.ConsumedIDs...))
	}

	switch {
	case caps.HasChangeFeed:
		if d.Feed != nil && feedSettled(plan, res) {
			next.LastDiscoverySignature = d.Feed.Signature
		}
	case d.Listing != nil:
		next.LastDiscoverySignature = d.Listing.Signature
	}

	next.ConsumedIDs = pruneBelow(next.ConsumedIDs, next.BackfillCursor)
	next.TotalProcessed += res.Processed
	next.LastRunTime = runTime.UTC()
	next.Revision = d.Progress.Revision + 1
	return next
}

// feedSettled reports whether the feed snapshot can be recorded as handled.
// Backfill runs never record it, and a delta only once every unseen id was
// fetched cleanly; otherwise the next run must look at the same feed again.
func feedSettled(plan crawler.Plan, res executor.Result) bool {
	switch plan.Kind {
	case crawler.PlanBackfill:
		return false
	case crawler.PlanChangeFeedDelta:
		return res.ScopeDone && plan.Deferred == 0 && res.Errors == 0
	default:
		return true
	}
}

func pruneBelow(ids []int, cursor int) []int {
	i, _ := slices.BinarySearch(ids, cursor)
	if i == 0 {
		return ids
	}
	if i == len(ids) {
		return nil
	}
	return slices.Clone(ids[i:])
}

func sameProgress(a, b crawler.Progress) bool {
	if a.Revision != b.Revision {
		return false
	}
	ea, err := crawler.EncodeProgress(a)
	if err != nil {
		return false
	}
	eb, err := crawler.EncodeProgress(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

func abandoned(err error) bool {
	return errors.Is(err, crawler.ErrConcurrency)
}

func eventForOutcome(o executor.Outcome) events.Event {
	evt := events.Event{Kind: events.KindItem, ItemID: o.ID, Outcome: string(o.Kind), Dur: max(o.Dur, 0)}
	if o.Err != nil {
		evt.Note = o.Err.Error()
	}
	return evt
}
