package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/progress"
)

// Publisher publishes a JSON payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PubSubSink forwards lifecycle events to a topic so downstream consumers can
// react to finished scrapes.
type PubSubSink struct {
	pub    Publisher
	topic  string
	stages map[progress.Stage]struct{}
	logger *zap.Logger
}

// NewPubSubSink publishes events of the given stages, or every stage when none are listed.
func NewPubSubSink(pub Publisher, topic string, logger *zap.Logger, stages ...progress.Stage) (*PubSubSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var filter map[progress.Stage]struct{}
	if len(stages) > 0 {
		filter = make(map[progress.Stage]struct{}, len(stages))
		for _, st := range stages {
			filter[st] = struct{}{}
		}
	}
	return &PubSubSink{pub: pub, topic: topic, stages: filter, logger: logger}, nil
}

// Consume publishes each matching event. The first failure aborts the batch.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if s.stages != nil {
			if _, ok := s.stages[evt.Stage]; !ok {
				continue
			}
		}
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			return fmt.Errorf("publish %s for job %d: %w", evt.Stage, evt.JobID, err)
		}
		s.logger.Debug("progress event published",
			zap.String("stage", string(evt.Stage)),
			zap.Int64("job_id", evt.JobID),
			zap.String("message_id", id),
		)
	}
	return nil
}

// Close implements the Sink interface; the publisher is closed by its owner.
func (s *PubSubSink) Close(context.Context) error {
	return nil
}
