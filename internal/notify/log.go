package notify

import (
	"context"
	"log/slog"

	"ridepool/internal/observability"
	"ridepool/internal/types"
)

// LogNotifier writes notifications to the structured log. Used when no FCM
// project is configured, and in development.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, userID types.ID, kind Kind, title, message string, rideID *types.ID) error {
	attrs := []any{
		"user_id", string(userID),
		"kind", string(kind),
		"title", title,
		"message", message,
	}
	if rideID != nil {
		attrs = append(attrs, "ride_id", string(*rideID))
	}
	n.log.Info("notification", attrs...)
	observability.NotificationsTotal.WithLabelValues(string(kind)).Inc()
	return nil
}
