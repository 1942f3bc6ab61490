package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/progress"
)

// PublisherSink forwards lifecycle events to a message topic so external
// dashboards can follow jobs without polling.
type PublisherSink struct {
	pub    clone.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink constructs a sink publishing to topic.
func NewPublisherSink(pub clone.Publisher, topic string, logger *zap.Logger) (*PublisherSink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}, nil
}

// Consume publishes every event in the batch. Failures are collected so one
// bad publish does not starve the rest of the batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.pub.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for job %s: %w", evt.Stage, evt.JobID, err))
		}
	}
	if len(errs) > 0 {
		s.logger.Warn("event publish failures", zap.Int("failed", len(errs)), zap.Int("batch", len(batch)))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
