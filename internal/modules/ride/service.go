// README: Ride request lifecycle: creation, cancellation, completion, and the
// expiry sweep.
package ride

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ridepool/internal/config"
	"ridepool/internal/maps"
	"ridepool/internal/notify"
	"ridepool/internal/observability"
	"ridepool/internal/types"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrBadRequest       = errors.New("bad request")
	ErrNotEligible      = errors.New("no valid ticket for event")
	ErrActiveRequest    = errors.New("user already has an active request for this event")
	ErrAlreadyResolved  = errors.New("request already resolved")
	ErrCapacityConflict = errors.New("ride capacity conflict")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrConflict         = errors.New("state conflict")
)

// TicketGate is the consumed eligibility check of the ticketing service.
type TicketGate interface {
	HasValidTicket(ctx context.Context, userID, eventID types.ID) (bool, error)
}

// Geocoder resolves destination addresses before a request enters matching.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*maps.GeoResult, error)
}

// TripPlanner recomputes a ride's multi-stop route.
type TripPlanner interface {
	Trip(ctx context.Context, origin types.Point, destinations []types.Point) (maps.TripPlan, error)
}

type Service struct {
	store    *Store
	gate     TicketGate
	geocoder Geocoder
	routes   TripPlanner
	notifier notify.Notifier
	cfg      config.MatchingConfig
	log      *slog.Logger
}

func NewService(store *Store, gate TicketGate, geocoder Geocoder, routes TripPlanner, notifier notify.Notifier, cfg config.MatchingConfig, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		gate:     gate,
		geocoder: geocoder,
		routes:   routes,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}
}

type CreateRequestCommand struct {
	UserID           types.ID
	EventID          types.ID
	Gender           Gender
	FemaleOnly       bool
	MaxDepartureTime time.Time
	DepartNow        bool
	Destination      Destination
	// Initiate creates a fresh ride led by this request instead of joining an
	// existing one through the matching engine.
	Initiate bool
}

// CreateRequest validates and persists a new ride request. Initiator requests
// get a freshly created ride and are accepted immediately; join requests are
// created pending and handed to the matching engine by the caller.
func (s *Service) CreateRequest(ctx context.Context, cmd CreateRequestCommand) (types.ID, error) {
	if cmd.UserID == "" || cmd.EventID == "" || cmd.MaxDepartureTime.IsZero() {
		return "", ErrBadRequest
	}
	if cmd.Destination.Address == "" && cmd.Destination.Point == (types.Point{}) {
		return "", ErrBadRequest
	}

	if s.gate != nil {
		ok, err := s.gate.HasValidTicket(ctx, cmd.UserID, cmd.EventID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrNotEligible
		}
	}

	active, err := s.store.HasActiveByUserAndEvent(ctx, cmd.UserID, cmd.EventID)
	if err != nil {
		return "", err
	}
	if active {
		return "", ErrActiveRequest
	}

	dest := cmd.Destination
	if dest.Point == (types.Point{}) {
		geo, err := s.geocoder.Geocode(ctx, dest.Address)
		if err != nil {
			return "", err
		}
		if geo == nil {
			return "", ErrBadRequest
		}
		dest.Point = geo.Point
		if dest.City == "" {
			dest.City = geo.City
		}
		if dest.Postcode == "" {
			dest.Postcode = geo.Postcode
		}
	}

	event, err := s.store.GetEvent(ctx, cmd.EventID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	req := &RideRequest{
		ID:               types.ID(uuid.NewString()),
		UserID:           cmd.UserID,
		EventID:          cmd.EventID,
		MaxDepartureTime: cmd.MaxDepartureTime,
		Destination:      dest,
		FemaleOnly:       cmd.FemaleOnly,
		Gender:           cmd.Gender,
		Status:           RequestPending,
		CreatedAt:        now,
	}

	if !cmd.Initiate {
		if err := s.store.CreateRequest(ctx, req); err != nil {
			return "", err
		}
		return req.ID, nil
	}

	ride := &Ride{
		ID:                types.ID(uuid.NewString()),
		EventID:           cmd.EventID,
		DepartureTime:     cmd.MaxDepartureTime,
		DepartNow:         cmd.DepartNow,
		Departure:         event.Location,
		DepartureAddress:  event.Address,
		CurrentPassengers: 1,
		MaxPassengers:     MaxPassengers,
		Status:            StatusMatching,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	req.RideID = &ride.ID
	req.IsInitiator = true
	req.Status = RequestAccepted
	if err := s.store.CreateRideWithInitiator(ctx, ride, req); err != nil {
		return "", err
	}
	return req.ID, nil
}

// CancelRequest cancels a user's request before departure, frees its seat,
// and informs remaining ride members.
func (s *Service) CancelRequest(ctx context.Context, requestID types.ID) error {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !req.Active() {
		return ErrAlreadyResolved
	}
	if req.RideID != nil {
		ride, err := s.store.GetRide(ctx, *req.RideID)
		if err != nil {
			return err
		}
		if ride.Status == StatusInProgress || ride.Status == StatusCompleted {
			return ErrInvalidState
		}
	}

	ok, err := s.store.UpdateRequestStatus(ctx, req.ID, req.Status, RequestCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyResolved
	}
	if req.RideID == nil {
		return nil
	}

	rideID := *req.RideID
	if err := s.store.ReleaseSeat(ctx, rideID); err != nil {
		return err
	}
	members, err := s.store.ListActiveMembers(ctx, rideID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		ride, err := s.store.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if CanTransition(ride.Status, StatusCancelled) {
			if _, err := s.store.UpdateRideStatus(ctx, rideID, ride.Status, StatusCancelled, ride.StatusVersion); err != nil {
				return err
			}
		}
		return nil
	}

	for _, m := range members {
		_ = s.notifier.Notify(ctx, m.UserID, notify.KindMemberLeft,
			"A passenger left your ride", "Your shared ride was updated and the route will be recomputed.", &rideID)
	}
	s.recomputeRoute(ctx, rideID, members)
	return nil
}

// StartRide moves a ride into progress at departure.
func (s *Service) StartRide(ctx context.Context, rideID types.ID) error {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if !CanTransition(ride.Status, StatusInProgress) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateRideStatus(ctx, rideID, ride.Status, StatusInProgress, ride.StatusVersion)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// CompleteRide finishes an in-progress ride, completes its member requests,
// and records the settled cost once if provided.
func (s *Service) CompleteRide(ctx context.Context, rideID types.ID, finalCost *types.Money) error {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if !CanTransition(ride.Status, StatusCompleted) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateRideStatus(ctx, rideID, ride.Status, StatusCompleted, ride.StatusVersion)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	members, err := s.store.ListActiveMembers(ctx, rideID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if _, err := s.store.UpdateRequestStatus(ctx, m.ID, m.Status, RequestCompleted); err != nil {
			s.log.Error("complete member request", "request_id", m.ID, "error", err)
			continue
		}
		_ = s.notifier.Notify(ctx, m.UserID, notify.KindRideCompleted,
			"Ride completed", "Thanks for sharing the ride home.", &rideID)
	}
	if finalCost != nil {
		if err := s.store.SetFinalCost(ctx, rideID, *finalCost); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) GetRide(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.GetRide(ctx, id)
}

func (s *Service) GetRequest(ctx context.Context, id types.ID) (*RideRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// RunExpirySweep expires stale requests on a fixed interval until ctx ends.
func (s *Service) RunExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickExpiry(ctx, time.Now())
		}
	}
}

// tickExpiry runs one expiry pass: every non-terminal request whose
// maxDepartureTime fell out of the grace period is resolved, and rides left
// without active members are completed. A failure on one record never stops
// the rest.
func (s *Service) tickExpiry(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() {
		observability.SweepDuration.WithLabelValues("expiry").Observe(time.Since(start).Seconds())
	}()

	expired, err := s.store.ListExpired(ctx, now.Add(-s.cfg.GracePeriod))
	if err != nil {
		s.log.Error("expiry sweep: list expired", "error", err)
		return
	}

	touched := make(map[types.ID]bool)
	for _, req := range expired {
		to := expiryOutcome(req.Status)
		ok, err := s.store.UpdateRequestStatus(ctx, req.ID, req.Status, to)
		if err != nil {
			observability.SweepRecordErrors.WithLabelValues("expiry").Inc()
			s.log.Error("expiry sweep: update request", "request_id", req.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if to == RequestCancelled {
			_ = s.notifier.Notify(ctx, req.UserID, notify.KindRequestExpired,
				"Ride request expired", "No shared ride was found before your latest departure time.", req.RideID)
		}
		if req.RideID != nil {
			touched[*req.RideID] = true
		}
	}

	for rideID := range touched {
		n, err := s.store.CountActiveMembers(ctx, rideID)
		if err != nil {
			observability.SweepRecordErrors.WithLabelValues("expiry").Inc()
			s.log.Error("expiry sweep: count members", "ride_id", rideID, "error", err)
			continue
		}
		if n > 0 {
			continue
		}
		ride, err := s.store.GetRide(ctx, rideID)
		if err != nil {
			s.log.Error("expiry sweep: get ride", "ride_id", rideID, "error", err)
			continue
		}
		if !CanTransition(ride.Status, StatusCompleted) {
			continue
		}
		if _, err := s.store.UpdateRideStatus(ctx, rideID, ride.Status, StatusCompleted, ride.StatusVersion); err != nil {
			s.log.Error("expiry sweep: complete ride", "ride_id", rideID, "error", err)
		}
	}
}

// expiryOutcome: members who held a seat are assumed to have departed;
// everyone else is cancelled.
func expiryOutcome(st RequestStatus) RequestStatus {
	if st == RequestAccepted {
		return RequestCompleted
	}
	return RequestCancelled
}

// recomputeRoute refreshes the ride's waypoints after membership changed.
// Provider failure leaves the previous route in place; the next change
// recomputes again.
func (s *Service) recomputeRoute(ctx context.Context, rideID types.ID, members []*RideRequest) {
	if s.routes == nil || len(members) == 0 {
		return
	}
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		s.log.Error("recompute route: get ride", "ride_id", rideID, "error", err)
		return
	}
	dests := make([]types.Point, len(members))
	for i, m := range members {
		dests[i] = m.Destination.Point
	}
	plan, err := s.routes.Trip(ctx, ride.Departure, dests)
	if err != nil {
		observability.ProviderErrorsTotal.WithLabelValues("trip").Inc()
		s.log.Warn("recompute route: trip", "ride_id", rideID, "error", err)
		return
	}
	route := make([]Waypoint, len(plan.Order))
	for pos, idx := range plan.Order {
		route[pos] = Waypoint{
			UserID:  members[idx].UserID,
			Address: members[idx].Destination.Address,
			Point:   members[idx].Destination.Point,
			Order:   pos,
		}
	}
	if err := s.store.SaveRoute(ctx, rideID, route, plan.Polyline); err != nil {
		s.log.Error("recompute route: save", "ride_id", rideID, "error", err)
	}
}
