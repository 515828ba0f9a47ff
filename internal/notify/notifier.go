// README: Notification sink contract. Delivery and retry are the sink's
// responsibility, not the caller's; callers fire and forget.
package notify

import (
	"context"

	"ridepool/internal/types"
)

// Kind classifies a notification for client-side routing.
type Kind string

const (
	KindRideMatched    Kind = "ride_matched"
	KindMemberJoined   Kind = "member_joined"
	KindMemberLeft     Kind = "member_left"
	KindRequestExpired Kind = "request_expired"
	KindRideCompleted  Kind = "ride_completed"
	KindRideCancelled  Kind = "ride_cancelled"
)

// Notifier delivers a notification to a single user. rideID may be nil for
// notifications not tied to a ride.
type Notifier interface {
	Notify(ctx context.Context, userID types.ID, kind Kind, title, message string, rideID *types.ID) error
}
