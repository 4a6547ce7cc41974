package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// ProgressStore keeps encoded Progress blobs keyed by source.
type ProgressStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewProgressStore constructs an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{blobs: make(map[string][]byte)}
}

// Get returns the stored Progress for source.
func (s *ProgressStore) Get(_ context.Context, source string) (crawler.Progress, bool, error) {
	s.mu.RLock()
	data, ok := s.blobs[source]
	s.mu.RUnlock()
	if !ok {
		return crawler.Progress{}, false, nil
	}
	p, err := crawler.DecodeProgress(data)
	if err != nil {
		return crawler.Progress{}, false, err
	}
	return p, true, nil
}

// Put replaces the Progress for source if p.Revision follows the stored one.
func (s *ProgressStore) Put(_ context.Context, source string, p crawler.Progress) error {
	data, err := crawler.EncodeProgress(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if prev, ok := s.blobs[source]; ok {
		stored, err := crawler.DecodeProgress(prev)
		if err != nil {
			return err
		}
		current = stored.Revision
	}
	if p.Revision != current+1 {
		return fmt.Errorf("%w: source %s stored revision %d, write revision %d",
			crawler.ErrConcurrency, source, current, p.Revision)
	}
	s.blobs[source] = data
	return nil
}
