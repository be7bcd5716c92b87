package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/notify"
)

// PublisherSink forwards events to a crawler.Publisher. Every event goes to
// the default topic and to each of its notification targets.
type PublisherSink struct {
	pub    crawler.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink builds a sink publishing to topic. An empty topic only
// delivers to per-event notification targets.
func NewPublisherSink(pub crawler.Publisher, topic string, logger *zap.Logger) (*PublisherSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}, nil
}

// Consume publishes each event. It keeps going after a failure and returns
// the joined errors.
func (s *PublisherSink) Consume(ctx context.Context, batch []notify.Event) error {
	var errs []error
	for _, evt := range batch {
		for _, topic := range s.topics(evt) {
			id, err := s.pub.Publish(ctx, topic, evt)
			if err != nil {
				errs = append(errs, fmt.Errorf("publish %s to %s: %w", evt.Type, topic, err))
				continue
			}
			s.logger.Debug("notification published",
				zap.String("type", evt.Type),
				zap.String("topic", topic),
				zap.String("message_id", id),
			)
		}
	}
	return errors.Join(errs...)
}

func (s *PublisherSink) topics(evt notify.Event) []string {
	targets := evt.Targets()
	out := make([]string, 0, len(targets)+1)
	if s.topic != "" {
		out = append(out, s.topic)
	}
	for _, t := range targets {
		if t != s.topic {
			out = append(out, t)
		}
	}
	return out
}

// Close closes the publisher when it supports closing.
func (s *PublisherSink) Close(context.Context) error {
	if c, ok := s.pub.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
