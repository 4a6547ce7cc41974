// Package executor runs one bounded batch of a plan: it fetches items from a
// source under item and call budgets, paces requests, and persists successes
// into the Dedup Index with a per-item fallback.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/fetch"
)

const defaultLookupChunk = 256

// Stop reasons reported in Result.StopReason.
const (
	StopItemBudget = "item budget"
	StopCallBudget = "call budget"
	StopScopeDone  = "plan scope exhausted"
	StopIDSpace    = "id space exhausted"
	StopCanceled   = "canceled"
	StopLookup     = "dedup lookup failed"
	StopNothing    = "nothing to execute"
)

// Budget bounds one batch.
type Budget struct {
	// Items caps fetch attempts.
	Items int `json:"items"`
	// Calls caps outbound calls left after discovery.
	Calls int `json:"calls"`
	// ItemDelay is waited before every fetch except the first.
	ItemDelay time.Duration `json:"item_delay"`
}

// Result summarizes a batch. NextCursor is the backfill cursor the commit
// step should store.
type Result struct {
	Plan           crawler.PlanKind `json:"plan"`
	Processed      int              `json:"processed"`
	Added          int              `json:"added"`
	Skipped        int              `json:"skipped"`
	Errors         int              `json:"errors"`
	ErrorIDs       []int            `json:"error_ids"`
	LastConsumedID int              `json:"last_consumed_id"`
	NextCursor     int              `json:"next_cursor"`
	ConsumedIDs    []int            `json:"consumed_ids,omitempty"`
	Screened       int              `json:"screened"`
	Calls          int              `json:"calls"`
	// ScopeDone is set when every id in the plan's scope was visited.
	ScopeDone bool `json:"scope_done"`
	// Exhausted is set when a nearest-redirect source has nothing at or
	// above the cursor.
	Exhausted  bool   `json:"exhausted"`
	StopReason string `json:"stop_reason"`
}

// OutcomeKind classifies what happened to one item.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeAdded   OutcomeKind = "added"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeErrored OutcomeKind = "errored"
)

// Outcome is reported to an Observer for each item.
type Outcome struct {
	Source string
	ID     int
	Kind   OutcomeKind
	Dur    time.Duration
	Err    error
}

// Observer receives item outcomes; it must not block.
type Observer func(Outcome)

// Option configures an Executor.
type Option func(*Executor)

// WithObserver registers an item outcome observer.
func WithObserver(obs Observer) Option {
	return func(e *Executor) { e.observe = obs }
}

// WithLookupChunk sets how many ids are screened per Dedup Index lookup.
func WithLookupChunk(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.chunk = n
		}
	}
}

// Executor is stateless between calls and safe for concurrent use on
// different sources.
type Executor struct {
	dedup   crawler.DedupIndex
	logger  *zap.Logger
	observe Observer
	chunk   int
	sleep   func(context.Context, time.Duration) error
}

// New constructs an Executor.
func New(dedup crawler.DedupIndex, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		dedup:   dedup,
		logger:  logger,
		observe: func(Outcome) {},
		chunk:   defaultLookupChunk,
		sleep:   fetch.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs plan against src. The returned Result is meaningful even when
// err is non-nil; err is only set when the Dedup Index could not be read.
func (e *Executor) Execute(
	ctx context.Context,
	src crawler.Source,
	progress crawler.Progress,
	listing crawler.Listing,
	plan crawler.Plan,
	budget Budget,
) (Result, error) {
	res := Result{Plan: plan.Kind, NextCursor: max(progress.BackfillCursor, 1), ErrorIDs: []int{}}
	b := &batch{
		exec:   e,
		src:    src,
		source: src.Key(),
		budget: budget,
		res:    &res,
		log:    e.logger.With(zap.String("source", src.Key()), zap.Stringer("plan", plan)),
	}
	var runErr error
	switch plan.Kind {
	case crawler.PlanBackfill:
		runErr = b.backfill(ctx, progress, listing, plan)
	case crawler.PlanChangeFeedDelta:
		b.delta(ctx, plan)
	default:
		res.ScopeDone = true
		res.StopReason = StopNothing
		return res, nil
	}
	if err := b.persist(ctx); err != nil {
		return res, err
	}
	b.log.Info("batch finished",
		zap.Int("processed", res.Processed),
		zap.Int("added", res.Added),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", res.Errors),
		zap.Int("next_cursor", res.NextCursor),
		zap.String("stop", res.StopReason),
	)
	return res, runErr
}

type batch struct {
	exec      *Executor
	src       crawler.Source
	source    string
	budget    Budget
	res       *Result
	log       *zap.Logger
	successes []crawler.Item
}

func (b *batch) backfill(ctx context.Context, progress crawler.Progress, listing crawler.Listing, plan crawler.Plan) error {
	cands := backfillCandidates(progress, listing)
	scr := &screener{dedup: b.exec.dedup, source: b.source, cands: cands, chunk: b.exec.chunk}
	nearest := b.src.Capabilities().HasNearestRedirect
	limit := min(b.budget.Items, plan.Target)
	next := max(plan.From, 1)
	defer func() { b.res.NextCursor = max(b.res.NextCursor, next) }()

	for {
		ids := cands.from(next, 1)
		if len(ids) == 0 {
			b.res.ScopeDone = true
			b.stop(StopScopeDone)
			return nil
		}
		if b.res.Processed >= limit {
			b.stop(StopItemBudget)
			return nil
		}
		id := ids[0]
		known, err := scr.isKnown(ctx, id)
		if err != nil {
			b.stop(StopLookup)
			return fmt.Errorf("screen id %d: %w", id, err)
		}
		if known {
			b.res.Screened++
			next = id + 1
			continue
		}
		if !b.ready(ctx) {
			return nil
		}
		item, dur, err := b.fetch(ctx, id, nearest)
		switch {
		case err == nil && nearest && item.ID < id:
			b.log.Warn("nearest redirect went backwards", zap.Int("requested", id), zap.Int("id", item.ID))
			b.skip(id, dur)
			next = id + 1
		case err == nil:
			consumed := id
			if nearest && item.ID > id {
				// Ids strictly between id and item.ID do not exist.
				b.log.Debug("nearest redirect", zap.Int("requested", id), zap.Int("id", item.ID))
				consumed = item.ID
			}
			item.ID = consumed
			b.successes = append(b.successes, item)
			b.res.LastConsumedID = consumed
			next = consumed + 1
		case isCanceled(err):
			b.res.Processed--
			b.stop(StopCanceled)
			return nil
		case errors.Is(err, crawler.ErrNotFound) && nearest:
			b.res.Processed--
			b.res.Exhausted = true
			b.stop(StopIDSpace)
			return nil
		case errors.Is(err, crawler.ErrNotFound):
			b.skip(id, dur)
			next = id + 1
		default:
			b.fail(id, dur, err)
			next = id + 1
		}
	}
}

func (b *batch) delta(ctx context.Context, plan crawler.Plan) {
	limit := min(b.budget.Items, len(plan.IDs))
	for _, id := range plan.IDs {
		if b.res.Processed >= limit {
			b.stop(StopItemBudget)
			return
		}
		if !b.ready(ctx) {
			return
		}
		item, dur, err := b.fetch(ctx, id, false)
		switch {
		case err == nil:
			item.ID = id
			b.successes = append(b.successes, item)
			b.res.ConsumedIDs = append(b.res.ConsumedIDs, id)
			b.res.LastConsumedID = id
		case isCanceled(err):
			b.res.Processed--
			b.stop(StopCanceled)
			return
		case errors.Is(err, crawler.ErrNotFound):
			b.skip(id, dur)
			b.res.ConsumedIDs = append(b.res.ConsumedIDs, id)
		default:
			b.fail(id, dur, err)
		}
	}
	b.res.ScopeDone = true
	b.stop(StopScopeDone)
}

// ready checks the call budget and applies pacing before a fetch.
func (b *batch) ready(ctx context.Context) bool {
	if ctx.Err() != nil {
		b.stop(StopCanceled)
		return false
	}
	if b.res.Calls >= b.budget.Calls {
		b.stop(StopCallBudget)
		return false
	}
	if b.res.Calls > 0 && b.budget.ItemDelay > 0 {
		if err := b.exec.sleep(ctx, b.budget.ItemDelay); err != nil {
			b.stop(StopCanceled)
			return false
		}
	}
	return true
}

func (b *batch) fetch(ctx context.Context, id int, nearest bool) (crawler.Item, time.Duration, error) {
	start := time.Now()
	b.res.Calls++
	b.res.Processed++
	var (
		item crawler.Item
		err  error
	)
	if nearest {
		item, err = b.src.FetchItemOrNearest(ctx, id)
	} else {
		item, err = b.src.FetchItem(ctx, id)
	}
	return item, time.Since(start), err
}

func (b *batch) skip(id int, dur time.Duration) {
	b.res.Skipped++
	b.res.LastConsumedID = id
	b.exec.observe(Outcome{Source: b.source, ID: id, Kind: OutcomeSkipped, Dur: dur})
}

func (b *batch) fail(id int, dur time.Duration, err error) {
	b.res.Errors++
	b.res.ErrorIDs = append(b.res.ErrorIDs, id)
	b.res.LastConsumedID = id
	b.log.Warn("item fetch failed", zap.Int("id", id), zap.Error(err))
	b.exec.observe(Outcome{Source: b.source, ID: id, Kind: OutcomeErrored, Dur: dur, Err: err})
}

func (b *batch) stop(reason string) {
	if b.res.StopReason == "" {
		b.res.StopReason = reason
	}
}

// persist re-checks successes against the Dedup Index, bulk inserts the new
// ones, and falls back to single inserts when the bulk write fails.
func (b *batch) persist(ctx context.Context) error {
	if len(b.successes) == 0 {
		return nil
	}
	ids := make([]int, len(b.successes))
	for i, item := range b.successes {
		ids[i] = item.ID
	}
	known, err := b.exec.dedup.ContainsAny(ctx, b.source, ids)
	if err != nil {
		return fmt.Errorf("recheck dedup index: %w", err)
	}
	fresh := make([]crawler.Item, 0, len(b.successes))
	for _, item := range b.successes {
		if _, dup := known[item.ID]; dup {
			b.res.Skipped++
			b.exec.observe(Outcome{Source: b.source, ID: item.ID, Kind: OutcomeSkipped})
			continue
		}
		fresh = append(fresh, item)
	}
	if len(fresh) == 0 {
		return nil
	}
	err = b.exec.dedup.InsertBatch(ctx, b.source, fresh)
	if err == nil {
		b.res.Added += len(fresh)
		for _, item := range fresh {
			b.exec.observe(Outcome{Source: b.source, ID: item.ID, Kind: OutcomeAdded})
		}
		return nil
	}
	b.log.Warn("bulk insert failed, falling back to single inserts",
		zap.Int("items", len(fresh)), zap.Error(err))
	for _, item := range fresh {
		if err := b.exec.dedup.InsertOne(ctx, b.source, item); err != nil {
			perr := &crawler.PersistenceError{Op: "insert", IDs: []int{item.ID}, Err: err}
			b.res.Errors++
			b.res.ErrorIDs = append(b.res.ErrorIDs, item.ID)
			b.log.Warn("item insert failed", zap.Int("id", item.ID), zap.Error(perr))
			b.exec.observe(Outcome{Source: b.source, ID: item.ID, Kind: OutcomeErrored, Err: perr})
			continue
		}
		b.res.Added++
		b.exec.observe(Outcome{Source: b.source, ID: item.ID, Kind: OutcomeAdded})
	}
	return nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
