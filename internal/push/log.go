package push

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"busmate-tracker/internal/logging"
)

// LogSender only logs messages. It stands in for FCM when no project is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logging.Component(logger, "push")}
}

func (l *LogSender) Send(_ context.Context, msg Message) (string, error) {
	if msg.Token == "" {
		return "", ErrInvalidToken
	}
	id := "log-" + uuid.NewString()
	l.logger.Info("push (log only)",
		slog.String("id", id),
		slog.String("student", msg.Data["studentId"]),
		slog.String("body", msg.Body),
		slog.String("sound", msg.Sound))
	return id, nil
}
