package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/events"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Unix(0, 0)
	batch := []events.Event{
		{Kind: events.KindRunStarted, RunID: "r", Source: "es", TS: now},
		{Kind: events.KindItem, RunID: "r", Source: "es", TS: now, ItemID: 7, Outcome: "added"},
		{Kind: events.KindStepFailed, RunID: "r", Source: "es", TS: now, Step: "execute", Note: "boom"},
		{Kind: events.KindRunFinished, RunID: "r", Source: "es", TS: now, Summary: &crawler.Summary{Plan: crawler.Plan{Kind: crawler.PlanIdle}, Success: true}},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	// item events are below info
	require.Equal(t, 3, logs.Len())
	failed := logs.FilterField(zap.String("step", "execute")).All()
	require.Len(t, failed, 1)
	require.Equal(t, zapcore.WarnLevel, failed[0].Level)
	require.Equal(t, 1, logs.FilterField(zap.String("plan", "Idle")).Len())
}
