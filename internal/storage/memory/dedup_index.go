package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// DedupIndex stores ingested items per source namespace.
type DedupIndex struct {
	mu    sync.RWMutex
	items map[string]map[int]crawler.Item
}

// NewDedupIndex constructs an empty DedupIndex.
func NewDedupIndex() *DedupIndex {
	return &DedupIndex{items: make(map[string]map[int]crawler.Item)}
}

// ContainsAny returns the subset of ids already ingested for source.
func (d *DedupIndex) ContainsAny(_ context.Context, source string, ids []int) (map[int]struct{}, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	found := make(map[int]struct{})
	ns := d.items[source]
	for _, id := range ids {
		if _, ok := ns[id]; ok {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

// InsertBatch stores items, keeping the first copy of an id.
func (d *DedupIndex) InsertBatch(_ context.Context, source string, items []crawler.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, item := range items {
		d.insertLocked(source, item)
	}
	return nil
}

// InsertOne stores a single item.
func (d *DedupIndex) InsertOne(_ context.Context, source string, item crawler.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.insertLocked(source, item)
	return nil
}

// IDs lists the ingested ids for source in ascending order.
func (d *DedupIndex) IDs(source string) []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]int, 0, len(d.items[source]))
	for id := range d.items[source] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (d *DedupIndex) insertLocked(source string, item crawler.Item) {
	ns, ok := d.items[source]
	if !ok {
		ns = make(map[int]crawler.Item)
		d.items[source] = ns
	}
	if _, exists := ns[item.ID]; !exists {
		ns[item.ID] = item
	}
}
