package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/events"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/publisher/memory"
)

func TestPublishSinkOnlyForwardsSummaries(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "summaries", nil)
	summary := &crawler.Summary{RunID: "r", Source: "fr", Success: true}
	batch := []events.Event{
		{Kind: events.KindRunStarted, RunID: "r", Source: "fr", TS: time.Unix(0, 0)},
		{Kind: events.KindItem, RunID: "r", Source: "fr", TS: time.Unix(0, 0), Outcome: "added"},
		{Kind: events.KindRunFinished, RunID: "r", Source: "fr", TS: time.Unix(0, 0), Summary: summary},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	got, err := pub.Summaries("summaries")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "r", got[0].RunID)
	require.Equal(t, "fr", got[0].Source)
	require.True(t, got[0].Success)
}

func TestPublishSinkReportsFailures(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailNext(errors.New("unavailable"))
	sink := NewPublishSink(pub, "summaries", nil)
	batch := []events.Event{
		{Kind: events.KindRunFinished, RunID: "a", Source: "fr", TS: time.Unix(0, 0), Summary: &crawler.Summary{RunID: "a"}},
		{Kind: events.KindRunFinished, RunID: "b", Source: "fr", TS: time.Unix(0, 0), Summary: &crawler.Summary{RunID: "b"}},
	}
	err := sink.Consume(context.Background(), batch)
	require.ErrorContains(t, err, "run a")
	require.Len(t, pub.Messages(), 1)
}
