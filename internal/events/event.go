package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// Kind names the milestone an Event represents.
type Kind string

// Supported event kinds.
const (
	KindRunStarted  Kind = "RUN_STARTED"
	KindStepDone    Kind = "STEP_DONE"
	KindStepFailed  Kind = "STEP_FAILED"
	KindItem        Kind = "ITEM"
	KindRunFinished Kind = "RUN_FINISHED"
)

// Event is one observation emitted during a run.
type Event struct {
	Kind   Kind
	RunID  string
	Source string
	TS     time.Time
	// Step and Memoized are set for step events.
	Step     string
	Memoized bool
	// ItemID and Outcome are set for item events.
	ItemID  int
	Outcome string
	Dur     time.Duration
	// Summary is attached to RUN_FINISHED.
	Summary *crawler.Summary
	Note    string
}

// Validate rejects events sinks could not interpret.
func (e Event) Validate() error {
	if e.Source == "" {
		return errors.New("source is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	switch e.Kind {
	case KindRunStarted:
	case KindStepDone, KindStepFailed:
		if e.Step == "" {
			return fmt.Errorf("%s requires step", e.Kind)
		}
	case KindItem:
		if e.Outcome == "" {
			return errors.New("item event requires outcome")
		}
	case KindRunFinished:
		if e.Summary == nil {
			return errors.New("run finished requires summary")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}
