package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/notify"
)

// LogSink emits one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		s.logger.Info("notification",
			zap.String("type", evt.Type),
			zap.Time("ts", evt.TS),
			zap.Any("payload", evt.Payload),
		)
	}
	return nil
}

// Close implements notify.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
