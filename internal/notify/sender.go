package notify

import (
	"context"

	"go.uber.org/zap"
)

// Sender delivers the application-received confirmation email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender is the fallback used when no email provider is configured; it
// records the would-be send and succeeds.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, to, subject, _ string) error {
	s.log.Info("notification email (log-only sender)",
		zap.String("to", to),
		zap.String("subject", subject),
	)
	return nil
}
