// Package fake provides an in-memory crawler.Source that counts every call,
// used to exercise the planner, executor, and runner without a network.
package fake

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// Calls counts adapter invocations per method.
type Calls struct {
	Listing int
	Feed    int
	Item    int
	Nearest int
}

// Source serves items from a map and records what was asked for.
type Source struct {
	mu         sync.Mutex
	key        string
	caps       crawler.Capabilities
	items      map[int]crawler.Item
	listing    crawler.Listing
	listingErr error
	feed       crawler.Feed
	feedErr    error
	itemErrs   map[int]error
	calls      Calls
	requested  []int
}

// New returns an empty source with the given capabilities.
func New(key string, caps crawler.Capabilities) *Source {
	return &Source{
		key:      key,
		caps:     caps,
		items:    make(map[int]crawler.Item),
		itemErrs: make(map[int]error),
	}
}

// WithItems publishes generated items for ids.
func (s *Source) WithItems(ids ...int) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.items[id] = Item(s.key, id)
	}
	return s
}

// WithListing sets the listing returned by FetchListing.
func (s *Source) WithListing(l crawler.Listing) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listing = l
	return s
}

// WithFeed sets the snapshot returned by FetchChangeFeed.
func (s *Source) WithFeed(f crawler.Feed) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = f
	return s
}

// FailListing makes FetchListing return err until cleared with nil.
func (s *Source) FailListing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listingErr = err
}

// FailFeed makes FetchChangeFeed return err until cleared with nil.
func (s *Source) FailFeed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedErr = err
}

// FailItem makes fetches of id return err until cleared with nil.
func (s *Source) FailItem(id int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.itemErrs, id)
		return
	}
	s.itemErrs[id] = err
}

// Calls returns a snapshot of the call counters.
func (s *Source) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requested returns the ids passed to FetchItem and FetchItemOrNearest, in order.
func (s *Source) Requested() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requested)
}

// Key implements crawler.Source.
func (s *Source) Key() string { return s.key }

// Capabilities implements crawler.Source.
func (s *Source) Capabilities() crawler.Capabilities { return s.caps }

// FetchListing implements crawler.Source. A listing costing more than
// maxCalls is treated as equal-sized pages in ascending id order and cut to
// the pages that fit.
func (s *Source) FetchListing(ctx context.Context, maxCalls int) (crawler.Listing, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Listing{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Listing++
	if s.listingErr != nil {
		return crawler.Listing{}, s.listingErr
	}
	l := s.listing
	if maxCalls <= 0 || l.Calls <= maxCalls {
		return l, nil
	}
	if l.CountMode() {
		l = crawler.NewCountListing(l.Count*maxCalls/l.Calls, l.MaxID*maxCalls/l.Calls, maxCalls)
	} else {
		l = crawler.NewIDListing(l.IDs[:len(l.IDs)*maxCalls/l.Calls], maxCalls)
	}
	l.Truncated = true
	return l, nil
}

// FetchChangeFeed implements crawler.Source.
func (s *Source) FetchChangeFeed(ctx context.Context) (crawler.Feed, error) {
	if !s.caps.HasChangeFeed {
		return crawler.Feed{}, crawler.ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return crawler.Feed{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Feed++
	if s.feedErr != nil {
		return crawler.Feed{}, s.feedErr
	}
	return s.feed, nil
}

// FetchItem implements crawler.Source.
func (s *Source) FetchItem(ctx context.Context, id int) (crawler.Item, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Item++
	s.requested = append(s.requested, id)
	if err := s.itemErrs[id]; err != nil {
		return crawler.Item{}, err
	}
	item, ok := s.items[id]
	if !ok {
		return crawler.Item{}, crawler.ErrNotFound
	}
	return item, nil
}

// FetchItemOrNearest implements crawler.Source by returning the smallest
// published id at or above id.
func (s *Source) FetchItemOrNearest(ctx context.Context, id int) (crawler.Item, error) {
	if !s.caps.HasNearestRedirect {
		return crawler.Item{}, crawler.ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return crawler.Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Nearest++
	s.requested = append(s.requested, id)
	if err := s.itemErrs[id]; err != nil {
		return crawler.Item{}, err
	}
	best, found := 0, false
	for candidate := range s.items {
		if candidate >= id && (!found || candidate < best) {
			best, found = candidate, true
		}
	}
	if !found {
		return crawler.Item{}, crawler.ErrNotFound
	}
	return s.items[best], nil
}

// Item builds the deterministic item the fake serves for id.
func Item(source string, id int) crawler.Item {
	return crawler.Item{
		ID:        id,
		Title:     fmt.Sprintf("%s comic %d", source, id),
		ImageRef:  fmt.Sprintf("https://img.example.test/%s/%d.png", source, id),
		AltText:   fmt.Sprintf("alt %d", id),
		OriginURL: fmt.Sprintf("https://%s.example.test/%d/", source, id),
	}
}
