// README: Matching engine: evaluates a pending request against the accepted
// pool of its event and places it into a shared ride.
package matching

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"ridepool/internal/config"
	"ridepool/internal/maps"
	"ridepool/internal/modules/ride"
	"ridepool/internal/notify"
	"ridepool/internal/observability"
	"ridepool/internal/types"
)

// RequestStore is the slice of the ride store the engine consumes.
type RequestStore interface {
	GetRequest(ctx context.Context, id types.ID) (*ride.RideRequest, error)
	GetRide(ctx context.Context, id types.ID) (*ride.Ride, error)
	GetEvent(ctx context.Context, id types.ID) (*ride.Event, error)
	ListCandidates(ctx context.Context, eventID, exclude types.ID, from, to time.Time) ([]*ride.RideRequest, error)
	ListActiveMembers(ctx context.Context, rideID types.ID) ([]*ride.RideRequest, error)
	CountActiveMembers(ctx context.Context, rideID types.ID) (int, error)
	AssignRequest(ctx context.Context, requestID, rideID types.ID) error
	SaveRoute(ctx context.Context, rideID types.ID, route []ride.Waypoint, polyline string) error
	ListPendingForRematch(ctx context.Context) ([]types.ID, error)
}

// RouteProvider abstracts the road-network routing calls.
type RouteProvider interface {
	Route(ctx context.Context, a, b types.Point) (maps.Leg, error)
	Trip(ctx context.Context, origin types.Point, destinations []types.Point) (maps.TripPlan, error)
}

type Service struct {
	store    RequestStore
	routes   RouteProvider
	notifier notify.Notifier
	cfg      config.MatchingConfig
	log      *slog.Logger
}

func NewService(store RequestStore, routes RouteProvider, notifier notify.Notifier, cfg config.MatchingConfig, log *slog.Logger) *Service {
	return &Service{store: store, routes: routes, notifier: notifier, cfg: cfg, log: log}
}

// scored is a candidate that survived every filter, carrying the extra
// distance its ride would drive to drop the new passenger off.
type scored struct {
	req         *ride.RideRequest
	extraMeters int
}

// AttemptMatch evaluates one pending request against its event's candidate
// pool and, on success, reserves a seat in the chosen ride and recomputes its
// route. A request that cannot be placed stays pending; the result carries
// the reason. Errors are returned only for an unknown request or a failing
// store, never for an unmatchable pool.
func (s *Service) AttemptMatch(ctx context.Context, requestID types.ID) (Result, error) {
	start := time.Now()
	res, err := s.attempt(ctx, requestID)
	if err == nil {
		observability.MatchAttemptsTotal.WithLabelValues(string(res.Reason)).Inc()
		observability.MatchLatency.Observe(time.Since(start).Seconds())
	}
	return res, err
}

func (s *Service) attempt(ctx context.Context, requestID types.ID) (Result, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	if req.Status != ride.RequestPending {
		return Result{Reason: ReasonAlreadyResolved}, nil
	}

	event, err := s.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return Result{}, err
	}

	from := req.MaxDepartureTime.Add(-s.cfg.DepartureWindow)
	to := req.MaxDepartureTime.Add(s.cfg.DepartureWindow)
	pool, err := s.store.ListCandidates(ctx, req.EventID, req.ID, from, to)
	if err != nil {
		return Result{}, err
	}

	ranked, reason := s.rankCandidates(ctx, req, event, pool)
	if len(ranked) == 0 {
		return Result{Reason: reason}, nil
	}

	// A seat lost to a concurrent join is retried once against fresh ride
	// state, then left to the re-evaluation sweep.
	for pass := 0; pass < 2; pass++ {
		res, done, err := s.placeInRanked(ctx, req, event, ranked)
		if err != nil {
			return Result{}, err
		}
		if done {
			return res, nil
		}
	}
	return Result{Reason: ReasonCapacityConflict}, nil
}

// rankCandidates runs the static filters and the detour evaluation, returning
// survivors ordered by smallest extra distance, ties broken by the earlier
// request. When nothing survives, the reason names the last gate the pool
// died at.
func (s *Service) rankCandidates(ctx context.Context, req *ride.RideRequest, event *ride.Event, pool []*ride.RideRequest) ([]scored, Reason) {
	if len(pool) == 0 {
		return nil, ReasonNoCandidates
	}

	var compatible []*ride.RideRequest
	for _, cand := range pool {
		if cand.RideID == nil {
			continue
		}
		if !WithinDepartureWindow(req, cand, s.cfg.DepartureWindow) {
			continue
		}
		if GenderCompatible(req, cand) {
			compatible = append(compatible, cand)
		}
	}
	if len(compatible) == 0 {
		return nil, ReasonGenderFiltered
	}

	var near []*ride.RideRequest
	for _, cand := range compatible {
		if WithinProximity(req.Destination.Point, cand.Destination.Point, s.cfg.ProximityKm) {
			near = append(near, cand)
		}
	}
	if len(near) == 0 {
		return nil, ReasonGeoTooFar
	}

	var ranked []scored
	for _, cand := range near {
		ok, extra, err := DetourAcceptable(ctx, s.routes,
			event.Location, cand.Destination.Point, req.Destination.Point,
			s.cfg.DetourMaxPct, s.cfg.DetourMaxMeters)
		if err != nil {
			observability.ProviderErrorsTotal.WithLabelValues("route").Inc()
			s.log.Warn("detour evaluation failed", "request_id", req.ID, "candidate_id", cand.ID, "error", err)
			continue
		}
		if ok {
			ranked = append(ranked, scored{req: cand, extraMeters: extra})
		}
	}
	if len(ranked) == 0 {
		return nil, ReasonDetourTooLarge
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].extraMeters != ranked[j].extraMeters {
			return ranked[i].extraMeters < ranked[j].extraMeters
		}
		return ranked[i].req.CreatedAt.Before(ranked[j].req.CreatedAt)
	})
	return ranked, ReasonMatched
}

// placeInRanked walks the ranked candidates and claims the first ride with a
// free seat; when every ride is full it falls back to the best-ranked
// candidate still riding alone. done=false asks the caller for one more pass
// after a lost seat race.
func (s *Service) placeInRanked(ctx context.Context, req *ride.RideRequest, event *ride.Event, ranked []scored) (Result, bool, error) {
	sawConflict := false
	for _, sc := range ranked {
		r, err := s.store.GetRide(ctx, *sc.req.RideID)
		if err != nil {
			if errors.Is(err, ride.ErrNotFound) {
				continue
			}
			return Result{}, false, err
		}
		if r.Status != ride.StatusMatching || r.CurrentPassengers >= r.MaxPassengers {
			continue
		}
		res, ok, err := s.assign(ctx, req, event, r.ID)
		if err != nil {
			return Result{}, false, err
		}
		if ok || res.Reason == ReasonAlreadyResolved {
			return res, true, nil
		}
		sawConflict = true
	}

	// No ride had room: merge with the best candidate who is still alone,
	// forming a two-person ride out of two solo ones.
	for _, sc := range ranked {
		n, err := s.store.CountActiveMembers(ctx, *sc.req.RideID)
		if err != nil {
			return Result{}, false, err
		}
		if n != 1 {
			continue
		}
		r, err := s.store.GetRide(ctx, *sc.req.RideID)
		if err != nil {
			if errors.Is(err, ride.ErrNotFound) {
				continue
			}
			return Result{}, false, err
		}
		if r.Status != ride.StatusMatching {
			continue
		}
		res, ok, err := s.assign(ctx, req, event, r.ID)
		if err != nil {
			return Result{}, false, err
		}
		if ok || res.Reason == ReasonAlreadyResolved {
			return res, true, nil
		}
		sawConflict = true
	}

	if sawConflict {
		observability.CapacityConflictsTotal.Inc()
		return Result{Reason: ReasonCapacityConflict}, false, nil
	}
	return Result{Reason: ReasonNoCapacity}, true, nil
}

// assign reserves the seat, recomputes the ride's route, and notifies the
// members. ok=false means the seat or the request was lost to a concurrent
// writer.
func (s *Service) assign(ctx context.Context, req *ride.RideRequest, event *ride.Event, rideID types.ID) (Result, bool, error) {
	err := s.store.AssignRequest(ctx, req.ID, rideID)
	switch {
	case err == nil:
	case errors.Is(err, ride.ErrCapacityConflict):
		return Result{Reason: ReasonCapacityConflict}, false, nil
	case errors.Is(err, ride.ErrAlreadyResolved):
		return Result{Reason: ReasonAlreadyResolved}, false, nil
	default:
		return Result{}, false, err
	}

	members, err := s.store.ListActiveMembers(ctx, rideID)
	if err != nil {
		s.log.Error("list members after assign", "ride_id", rideID, "error", err)
		members = nil
	}
	s.refreshRoute(ctx, event, rideID, members)

	_ = s.notifier.Notify(ctx, req.UserID, notify.KindRideMatched,
		"Ride found", "You joined a shared ride home from "+event.Name+".", &rideID)
	for _, m := range members {
		if m.ID == req.ID {
			continue
		}
		_ = s.notifier.Notify(ctx, m.UserID, notify.KindMemberJoined,
			"New passenger", "Someone joined your shared ride; the route was updated.", &rideID)
	}

	return Result{Matched: true, RideID: &rideID, Reason: ReasonMatched}, true, nil
}

// refreshRoute recomputes the multi-drop route for the ride's current
// membership. Provider failure keeps the last stored route.
func (s *Service) refreshRoute(ctx context.Context, event *ride.Event, rideID types.ID, members []*ride.RideRequest) {
	if len(members) == 0 {
		return
	}
	dests := make([]types.Point, len(members))
	for i, m := range members {
		dests[i] = m.Destination.Point
	}
	plan, err := s.routes.Trip(ctx, event.Location, dests)
	if err != nil {
		observability.ProviderErrorsTotal.WithLabelValues("trip").Inc()
		s.log.Warn("route recompute failed", "ride_id", rideID, "error", err)
		return
	}
	route := make([]ride.Waypoint, len(plan.Order))
	for pos, idx := range plan.Order {
		route[pos] = ride.Waypoint{
			UserID:  members[idx].UserID,
			Address: members[idx].Destination.Address,
			Point:   members[idx].Destination.Point,
			Order:   pos,
		}
	}
	if err := s.store.SaveRoute(ctx, rideID, route, plan.Polyline); err != nil {
		s.log.Error("save route", "ride_id", rideID, "error", err)
	}
}

// RunRematchSweep periodically re-evaluates pending requests until ctx ends.
func (s *Service) RunRematchSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RematchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickRematch(ctx)
		}
	}
}

// tickRematch retries every pending request once. A failing record is logged
// and skipped; re-running over an already matched request is a no-op.
func (s *Service) tickRematch(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.SweepDuration.WithLabelValues("rematch").Observe(time.Since(start).Seconds())
	}()

	ids, err := s.store.ListPendingForRematch(ctx)
	if err != nil {
		s.log.Error("rematch sweep: list pending", "error", err)
		return
	}
	for _, id := range ids {
		if _, err := s.AttemptMatch(ctx, id); err != nil {
			observability.SweepRecordErrors.WithLabelValues("rematch").Inc()
			s.log.Error("rematch sweep: attempt", "request_id", id, "error", err)
		}
	}
}
