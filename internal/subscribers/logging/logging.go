package logging

import (
	"context"

	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/subscribers"
)

type Subscriber struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{logger: logger}
}

func (s *Subscriber) Name() string {
	return "logging"
}

func (s *Subscriber) Handle(_ context.Context, event subscribers.Event) error {
	s.logger.Info("lifecycle event",
		zap.String("subscriber", "logging"),
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.EventType)),
		zap.String("session_id", event.SessionID),
		zap.Int64("turn", event.Turn),
		zap.Any("payload", event.Payload),
	)
	return nil
}
