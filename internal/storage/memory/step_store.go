package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// StepStore keeps run records and memoized step payloads.
type StepStore struct {
	mu    sync.RWMutex
	runs  map[string]crawler.Run
	order []string
	steps map[string]map[string][]byte
}

// NewStepStore constructs an empty StepStore.
func NewStepStore() *StepStore {
	return &StepStore{
		runs:  make(map[string]crawler.Run),
		steps: make(map[string]map[string][]byte),
	}
}

// OpenRun returns the newest resumable run for source.
func (s *StepStore) OpenRun(_ context.Context, source string) (crawler.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if run.Source == source && !run.State.Terminal() {
			return run, true, nil
		}
	}
	return crawler.Run{}, false, nil
}

// LoadRun returns the run with the given id.
func (s *StepStore) LoadRun(_ context.Context, runID string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.Run{}, fmt.Errorf("run %s: %w", runID, crawler.ErrRecordNotFound)
	}
	return run, nil
}

// SaveRun inserts or replaces a run record.
func (s *StepStore) SaveRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		s.order = append(s.order, run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// LoadStep returns the memoized payload for a step.
func (s *StepStore) LoadStep(_ context.Context, runID, step string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.steps[runID][step]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(payload), true, nil
}

// SaveStep memoizes payload unless the step already has one.
func (s *StepStore) SaveStep(_ context.Context, runID, step string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep, ok := s.steps[runID]
	if !ok {
		byStep = make(map[string][]byte)
		s.steps[runID] = byStep
	}
	if _, exists := byStep[step]; !exists {
		byStep[step] = slices.Clone(payload)
	}
	return nil
}
