package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/events"
)

// PublishSink forwards the summary of every finished run to a topic.
type PublishSink struct {
	pub    crawler.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublishSink returns a sink that publishes summaries on topic.
func NewPublishSink(pub crawler.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes each RUN_FINISHED summary. Failures are joined so the
// remaining summaries in the batch are still attempted.
func (s *PublishSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Kind != events.KindRunFinished || evt.Summary == nil {
			continue
		}
		id, err := s.pub.Publish(ctx, s.topic, evt.Summary)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish summary for run %s: %w", evt.RunID, err))
			continue
		}
		s.logger.Debug("run summary published",
			zap.String("run_id", evt.RunID),
			zap.String("topic", s.topic),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close is a no-op; the publisher is owned by the caller.
func (s *PublishSink) Close(context.Context) error { return nil }
