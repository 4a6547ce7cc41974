package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/events"
)

// LogSink writes every event as a structured log line. Item events are logged
// at debug level since a backfill can produce thousands of them.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink; a nil logger yields a no-op sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in order.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Kind {
		case events.KindItem:
			level = zapcore.DebugLevel
		case events.KindStepFailed:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "run event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.String("run_id", evt.RunID),
			zap.String("source", evt.Source),
		}
		if evt.Step != "" {
			fields = append(fields, zap.String("step", evt.Step), zap.Bool("memoized", evt.Memoized))
		}
		if evt.Kind == events.KindItem {
			fields = append(fields, zap.Int("item_id", evt.ItemID), zap.String("outcome", evt.Outcome))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Summary != nil {
			fields = append(fields,
				zap.String("plan", evt.Summary.Plan.String()),
				zap.Int("added", evt.Summary.Added),
				zap.Int("errors", evt.Summary.Errors),
				zap.Bool("success", evt.Summary.Success),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error { return nil }
