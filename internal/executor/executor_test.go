package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/source/fake"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/storage/memory"
)

var roomy = Budget{Items: 20, Calls: 50}

func backfillPlan(from, target int) crawler.Plan {
	return crawler.Plan{Kind: crawler.PlanBackfill, From: from, Target: target}
}

func TestExecuteScenarioAAddsEveryNewID(t *testing.T) {
	t.Parallel()

	src := fake.New("fr", crawler.Capabilities{HasSingleListing: true}).WithItems(1, 2, 3)
	idx := memory.NewDedupIndex()
	exec := New(idx, zap.NewNop())

	res, err := exec.Execute(context.Background(), src, crawler.NewProgress("fr"),
		crawler.NewIDListing([]int{1, 2, 3}, 1), backfillPlan(1, 3), roomy)
	require.NoError(t, err)
	require.Equal(t, 3, res.Processed)
	require.Equal(t, 3, res.Added)
	require.Equal(t, 4, res.NextCursor)
	require.Equal(t, 3, res.LastConsumedID)
	require.True(t, res.ScopeDone)
	require.Equal(t, []int{1, 2, 3}, idx.IDs("fr"))
}

func TestExecuteBackfillIsIdempotent(t *testing.T) {
	t.Parallel()

	run := func() Result {
		src := fake.New("es", crawler.Capabilities{}).WithItems(1, 2, 4, 5)
		idx := memory.NewDedupIndex()
		require.NoError(t, idx.InsertOne(context.Background(), "es", crawler.Item{ID: 4}))
		res, err := New(idx, nil).Execute(context.Background(), src, crawler.NewProgress("es"),
			crawler.NewCountListing(5, 5, 1), backfillPlan(1, 5), roomy)
		require.NoError(t, err)
		return res
	}
	first, second := run(), run()
	require.Equal(t, first, second)
	require.Equal(t, 3, first.Added)
	require.Equal(t, 1, first.Skipped)
	require.Equal(t, 1, first.Screened)
}

func TestExecuteNeverFetchesKnownOrConsumedIDs(t *testing.T) {
	t.Parallel()

	src := fake.New("ru", crawler.Capabilities{}).WithItems(1, 2, 3, 4, 5)
	idx := memory.NewDedupIndex()
	require.NoError(t, idx.InsertBatch(context.Background(), "ru", []crawler.Item{{ID: 2}, {ID: 5}}))
	p := crawler.NewProgress("ru")
	p.ConsumedIDs = []int{3}

	res, err := New(idx, nil, WithLookupChunk(2)).Execute(context.Background(), src, p,
		crawler.NewIDListing([]int{1, 2, 3, 4, 5}, 1), backfillPlan(1, 4), roomy)
	require.NoError(t, err)
	require.Equal(t, []int{1, 4}, src.Requested())
	require.Equal(t, 2, res.Added)
	require.Equal(t, 6, res.NextCursor)
	require.Equal(t, 2, res.Screened)
}

func TestExecuteNearestRedirectDiscardsGap(t *testing.T) {
	t.Parallel()

	src := fake.New("de", crawler.Capabilities{HasNearestRedirect: true}).WithItems(7)
	idx := memory.NewDedupIndex()
	p := crawler.NewProgress("de")
	p.BackfillCursor = 5

	res, err := New(idx, nil).Execute(context.Background(), src, p,
		crawler.NewCountListing(7, 7, 1), backfillPlan(5, 3), roomy)
	require.NoError(t, err)
	require.Equal(t, 8, res.NextCursor)
	require.Equal(t, 7, res.LastConsumedID)
	require.Equal(t, 1, res.Added)
	require.Equal(t, []int{5}, src.Requested())
	require.Equal(t, []int{7}, idx.IDs("de"))
}

func TestExecuteNearestNotFoundExhaustsIDSpace(t *testing.T) {
	t.Parallel()

	src := fake.New("de", crawler.Capabilities{HasNearestRedirect: true}).WithItems(1)
	p := crawler.NewProgress("de")
	p.BackfillCursor = 2

	res, err := New(memory.NewDedupIndex(), nil).Execute(context.Background(), src, p,
		crawler.NewCountListing(9, 9, 1), backfillPlan(2, 8), roomy)
	require.NoError(t, err)
	require.True(t, res.Exhausted)
	require.Equal(t, StopIDSpace, res.StopReason)
	require.Equal(t, 2, res.NextCursor)
	require.Zero(t, res.Processed)
}

func TestExecuteAdvancesPastNotFoundAndTransientErrors(t *testing.T) {
	t.Parallel()

	src := fake.New("ko", crawler.Capabilities{}).WithItems(1, 2, 3)
	src.FailItem(2, &crawler.FetchError{URL: "https://ko.example.test/2/", StatusCode: 503})
	idx := memory.NewDedupIndex()

	res, err := New(idx, nil).Execute(context.Background(), src, crawler.NewProgress("ko"),
		crawler.NewIDListing([]int{1, 2, 3, 4}, 1), backfillPlan(1, 4), roomy)
	require.NoError(t, err)
	require.Equal(t, 4, res.Processed)
	require.Equal(t, 2, res.Added)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, res.Errors)
	require.Equal(t, []int{2}, res.ErrorIDs)
	require.Equal(t, 5, res.NextCursor)
}

func TestExecuteStopsOnBudgets(t *testing.T) {
	t.Parallel()

	listing := crawler.NewCountListing(10, 10, 1)
	tests := []struct {
		name      string
		budget    Budget
		processed int
		reason    string
	}{
		{name: "items", budget: Budget{Items: 2, Calls: 10}, processed: 2, reason: StopItemBudget},
		{name: "calls", budget: Budget{Items: 5, Calls: 1}, processed: 1, reason: StopCallBudget},
		{name: "no calls left", budget: Budget{Items: 5, Calls: 0}, processed: 0, reason: StopCallBudget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := fake.New("fr", crawler.Capabilities{}).WithItems(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
			res, err := New(memory.NewDedupIndex(), nil).Execute(context.Background(), src,
				crawler.NewProgress("fr"), listing, backfillPlan(1, 10), tt.budget)
			require.NoError(t, err)
			require.Equal(t, tt.processed, res.Processed)
			require.Equal(t, tt.reason, res.StopReason)
			require.Equal(t, tt.processed+1, res.NextCursor)
			require.False(t, res.ScopeDone)
		})
	}
}

func TestExecuteFallsBackToSingleInserts(t *testing.T) {
	t.Parallel()

	src := fake.New("es", crawler.Capabilities{}).WithItems(1, 2, 3)
	idx := &flakyIndex{DedupIndex: memory.NewDedupIndex(), failOne: map[int]bool{2: true}}

	res, err := New(idx, nil).Execute(context.Background(), src, crawler.NewProgress("es"),
		crawler.NewIDListing([]int{1, 2, 3}, 1), backfillPlan(1, 3), roomy)
	require.NoError(t, err)
	require.Equal(t, 1, idx.batchCalls)
	require.Equal(t, 2, res.Added)
	require.Equal(t, 1, res.Errors)
	require.Equal(t, []int{2}, res.ErrorIDs)
	require.Equal(t, 4, res.NextCursor)
}

func TestExecuteChangeFeedDeltaRechecksBeforePersist(t *testing.T) {
	t.Parallel()

	src := fake.New("zh", crawler.Capabilities{HasChangeFeed: true}).WithItems(10, 12)
	idx := memory.NewDedupIndex()
	require.NoError(t, idx.InsertOne(context.Background(), "zh", crawler.Item{ID: 12}))
	p := crawler.NewProgress("zh")
	p.BackfillCursor = 9
	p.BackfillComplete = true

	plan := crawler.Plan{Kind: crawler.PlanChangeFeedDelta, IDs: []int{10, 11, 12}}
	res, err := New(idx, nil).Execute(context.Background(), src, p, crawler.Listing{}, plan, roomy)
	require.NoError(t, err)
	require.Equal(t, []int{10, 11, 12}, src.Requested())
	require.Equal(t, 1, res.Added)
	require.Equal(t, 2, res.Skipped)
	require.Equal(t, []int{10, 11, 12}, res.ConsumedIDs)
	require.Equal(t, 9, res.NextCursor)
	require.True(t, res.ScopeDone)
}

func TestExecutePacesBetweenFetchesOnly(t *testing.T) {
	t.Parallel()

	src := fake.New("fr", crawler.Capabilities{}).WithItems(1, 2, 3)
	exec := New(memory.NewDedupIndex(), nil)
	var waits []time.Duration
	exec.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	budget := Budget{Items: 10, Calls: 10, ItemDelay: 250 * time.Millisecond}

	res, err := exec.Execute(context.Background(), src, crawler.NewProgress("fr"),
		crawler.NewIDListing([]int{1, 2, 3}, 1), backfillPlan(1, 3), budget)
	require.NoError(t, err)
	require.Equal(t, 3, res.Processed)
	require.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, waits)
}

func TestExecuteIdleAndRescanFetchNothing(t *testing.T) {
	t.Parallel()

	for _, kind := range []crawler.PlanKind{crawler.PlanIdle, crawler.PlanFullRescan} {
		src := fake.New("fr", crawler.Capabilities{}).WithItems(1)
		res, err := New(memory.NewDedupIndex(), nil).Execute(context.Background(), src,
			crawler.NewProgress("fr"), crawler.NewIDListing([]int{1}, 1), crawler.Plan{Kind: kind}, roomy)
		require.NoError(t, err)
		require.Zero(t, src.Calls().Item)
		require.Equal(t, StopNothing, res.StopReason)
		require.Equal(t, 1, res.NextCursor)
	}
}

func TestExecuteReportsOutcomes(t *testing.T) {
	t.Parallel()

	src := fake.New("fr", crawler.Capabilities{}).WithItems(1)
	var (
		mu    sync.Mutex
		kinds []OutcomeKind
	)
	obs := func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, o.Kind)
	}
	_, err := New(memory.NewDedupIndex(), nil, WithObserver(obs)).Execute(context.Background(), src,
		crawler.NewProgress("fr"), crawler.NewIDListing([]int{1, 2}, 1), backfillPlan(1, 2), roomy)
	require.NoError(t, err)
	require.Equal(t, []OutcomeKind{OutcomeSkipped, OutcomeAdded}, kinds)
}

func TestExecuteSurfacesLookupFailure(t *testing.T) {
	t.Parallel()

	src := fake.New("fr", crawler.Capabilities{}).WithItems(1)
	idx := &flakyIndex{DedupIndex: memory.NewDedupIndex(), lookupErr: errors.New("db down")}
	_, err := New(idx, nil).Execute(context.Background(), src, crawler.NewProgress("fr"),
		crawler.NewIDListing([]int{1}, 1), backfillPlan(1, 1), roomy)
	require.ErrorContains(t, err, "db down")
	require.Zero(t, src.Calls().Item)
}

type flakyIndex struct {
	crawler.DedupIndex
	failOne    map[int]bool
	lookupErr  error
	batchCalls int
}

func (f *flakyIndex) ContainsAny(ctx context.Context, source string, ids []int) (map[int]struct{}, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.DedupIndex.ContainsAny(ctx, source, ids)
}

func (f *flakyIndex) InsertBatch(context.Context, string, []crawler.Item) error {
	f.batchCalls++
	return errors.New("malformed row")
}

func (f *flakyIndex) InsertOne(ctx context.Context, source string, item crawler.Item) error {
	if f.failOne[item.ID] {
		return errors.New("constraint violation")
	}
	return f.DedupIndex.InsertOne(ctx, source, item)
}
