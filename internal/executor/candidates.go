package executor

import (
	"context"
	"sort"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// candidates yields backfill ids in ascending order.
type candidates interface {
	// from returns up to n candidate ids at or above start.
	from(start, n int) []int
}

type idCandidates struct {
	ids  []int
	skip func(int) bool
}

func (c idCandidates) from(start, n int) []int {
	var out []int
	for i := sort.SearchInts(c.ids, start); i < len(c.ids) && len(out) < n; i++ {
		if c.skip == nil || !c.skip(c.ids[i]) {
			out = append(out, c.ids[i])
		}
	}
	return out
}

type rangeCandidates struct {
	maxID int
	skip  func(int) bool
}

func (c rangeCandidates) from(start, n int) []int {
	var out []int
	for id := max(start, 1); id <= c.maxID && len(out) < n; id++ {
		if c.skip == nil || !c.skip(id) {
			out = append(out, id)
		}
	}
	return out
}

func backfillCandidates(p crawler.Progress, l crawler.Listing) candidates {
	if l.CountMode() {
		return rangeCandidates{maxID: l.MaxID, skip: p.IsConsumed}
	}
	return idCandidates{ids: l.IDs, skip: p.IsConsumed}
}

// screener answers "already ingested?" for ascending ids, looking ahead a
// chunk at a time so the Dedup Index sees few round trips.
type screener struct {
	dedup   crawler.DedupIndex
	source  string
	cands   candidates
	chunk   int
	known   map[int]struct{}
	covered int
}

func (s *screener) isKnown(ctx context.Context, id int) (bool, error) {
	if id > s.covered {
		batch := s.cands.from(id, s.chunk)
		if len(batch) == 0 {
			batch = []int{id}
		}
		found, err := s.dedup.ContainsAny(ctx, s.source, batch)
		if err != nil {
			return false, err
		}
		s.known = found
		s.covered = batch[len(batch)-1]
	}
	_, ok := s.known[id]
	return ok, nil
}
