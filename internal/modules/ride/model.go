// README: Ride and RideRequest aggregates and status definitions.
package ride

import (
	"time"

	"ridepool/internal/types"
)

// MaxPassengers is the seat capacity of every pooled ride.
const MaxPassengers = 4

type Status string

const (
	StatusMatching   Status = "matching"
	StatusFull       Status = "full"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestMatched   RequestStatus = "matched"
	RequestAccepted  RequestStatus = "accepted"
	RequestCancelled RequestStatus = "cancelled"
	RequestCompleted RequestStatus = "completed"
)

type Gender string

const (
	GenderFemale Gender = "female"
	GenderMale   Gender = "male"
	GenderOther  Gender = "other"
)

// Ride is one vehicle trip leaving an event.
type Ride struct {
	ID                types.ID
	EventID           types.ID
	DepartureTime     time.Time
	DepartNow         bool
	Departure         types.Point
	DepartureAddress  string
	CurrentPassengers int
	MaxPassengers     int
	Status            Status
	StatusVersion     int
	FinalCost         *types.Money
	Route             []Waypoint
	RoutePolyline     *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Destination is where one passenger wants to be dropped off.
type Destination struct {
	Address  string
	City     string
	Postcode string
	Point    types.Point
}

// RideRequest is one user's ask to share a ride to a personal destination.
type RideRequest struct {
	ID               types.ID
	RideID           *types.ID
	UserID           types.ID
	EventID          types.ID
	MaxDepartureTime time.Time
	Destination      Destination
	FemaleOnly       bool
	// Gender is denormalised from the profile service at creation time so the
	// compatibility filter needs no identity lookup.
	Gender      Gender
	IsInitiator bool
	Status      RequestStatus
	CreatedAt   time.Time
}

// Active reports whether the request still occupies (or may occupy) a seat.
func (r *RideRequest) Active() bool {
	switch r.Status {
	case RequestPending, RequestMatched, RequestAccepted:
		return true
	}
	return false
}

// Waypoint is one stop in a ride's computed multi-drop route.
type Waypoint struct {
	UserID  types.ID    `json:"user_id"`
	Address string      `json:"address"`
	Point   types.Point `json:"point"`
	Order   int         `json:"order"`
}

// Event is the read-only view of the shared event all members depart from.
// Event CRUD lives elsewhere; the engine only needs the common origin.
type Event struct {
	ID       types.ID
	Name     string
	Address  string
	Location types.Point
	StartsAt time.Time
}

// rideTransitions represents the ride state flow as code. A full ride drops
// back to matching when a member cancels before departure.
var rideTransitions = map[Status][]Status{
	StatusMatching:   {StatusFull, StatusInProgress, StatusCompleted, StatusCancelled},
	StatusFull:       {StatusMatching, StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, s := range rideTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// requestTransitions: a pending request is accepted directly when the engine
// places it into a ride; matched is an intermediate for flows that require
// explicit user confirmation before the seat is taken.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:  {RequestMatched, RequestAccepted, RequestCancelled},
	RequestMatched:  {RequestAccepted, RequestCancelled},
	RequestAccepted: {RequestCompleted, RequestCancelled},
}

func RequestCanTransition(from, to RequestStatus) bool {
	for _, s := range requestTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
