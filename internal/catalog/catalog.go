// Package catalog holds the configured sources and their scheduling data.
package catalog

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/runner"
)

// ErrUnknownSource is returned for keys that are not in the catalog.
var ErrUnknownSource = errors.New("unknown source")

// Entry is one source as the rest of the system sees it.
type Entry struct {
	Key      string
	Language string
	// Cadence is how often the scheduler triggers the source. Zero leaves it
	// to external triggers.
	Cadence time.Duration
	Budget  runner.Budget
	Source  crawler.Source
}

// Catalog is an immutable, key-ordered set of entries.
type Catalog struct {
	entries []Entry
	byKey   map[string]int
}

// New checks that every entry has a source whose key matches and that keys
// are unique.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{byKey: make(map[string]int, len(entries))}
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int { return cmp.Compare(a.Key, b.Key) })
	for i, e := range sorted {
		if e.Key == "" {
			return nil, errors.New("catalog entry without key")
		}
		if e.Source == nil {
			return nil, fmt.Errorf("source %s: adapter is required", e.Key)
		}
		if e.Source.Key() != e.Key {
			return nil, fmt.Errorf("source %s: adapter reports key %q", e.Key, e.Source.Key())
		}
		if e.Cadence < 0 {
			return nil, fmt.Errorf("source %s: cadence must not be negative", e.Key)
		}
		if _, dup := c.byKey[e.Key]; dup {
			return nil, fmt.Errorf("source %s: duplicate key", e.Key)
		}
		c.byKey[e.Key] = i
	}
	c.entries = sorted
	return c, nil
}

// Get returns the entry for key or ErrUnknownSource.
func (c *Catalog) Get(key string) (Entry, error) {
	i, ok := c.byKey[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownSource, key)
	}
	return c.entries[i], nil
}

// Entries returns every entry ordered by key.
func (c *Catalog) Entries() []Entry {
	return slices.Clone(c.entries)
}

// Keys returns the source keys in order.
func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.entries))
	for i, e := range c.entries {
		keys[i] = e.Key
	}
	return keys
}
