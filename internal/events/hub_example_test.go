package events_test

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/events"
)

type outcomeCounter map[string]int

func (c outcomeCounter) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if evt.Kind == events.KindItem {
			c[evt.Outcome]++
		}
	}
	return nil
}

func (outcomeCounter) Close(context.Context) error { return nil }

func ExampleHub_Emit() {
	counts := outcomeCounter{}
	hub := events.NewHub(events.Config{MaxBatch: 1, MaxWait: time.Second}, counts)

	for id, outcome := range []string{"added", "skipped", "added"} {
		hub.Emit(events.Event{
			Kind:    events.KindItem,
			Source:  "de",
			TS:      time.Unix(0, 0),
			ItemID:  id + 1,
			Outcome: outcome,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println("added:", counts["added"], "skipped:", counts["skipped"])
	// Output:
	// added: 2 skipped: 1
}
