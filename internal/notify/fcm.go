package notify

import (
	"context"

	"firebase.google.com/go/v4/messaging"

	"ridepool/internal/observability"
	"ridepool/internal/types"
)

// FCMNotifier delivers notifications through Firebase Cloud Messaging.
// Each user is subscribed client-side to a per-user topic, so no device
// token bookkeeping is needed here.
type FCMNotifier struct {
	client *messaging.Client
}

func NewFCMNotifier(client *messaging.Client) *FCMNotifier {
	return &FCMNotifier{client: client}
}

func (n *FCMNotifier) Notify(ctx context.Context, userID types.ID, kind Kind, title, message string, rideID *types.ID) error {
	data := map[string]string{"kind": string(kind)}
	if rideID != nil {
		data["ride_id"] = string(*rideID)
	}
	_, err := n.client.Send(ctx, &messaging.Message{
		Topic: userTopic(userID),
		Notification: &messaging.Notification{
			Title: title,
			Body:  message,
		},
		Data: data,
	})
	if err == nil {
		observability.NotificationsTotal.WithLabelValues(string(kind)).Inc()
	}
	return err
}

func userTopic(userID types.ID) string {
	return "users-" + string(userID)
}
