// README: Matching engine tests with in-memory store and canned routes.
package matching

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"ridepool/internal/config"
	"ridepool/internal/modules/ride"
	"ridepool/internal/notify"
	"ridepool/internal/types"
)

// mockStore is an in-memory RequestStore with the same concurrency semantics
// as the SQL store: seat reservation and request claiming happen atomically.
type mockStore struct {
	mu        sync.Mutex
	requests  map[types.ID]*ride.RideRequest
	rides     map[types.ID]*ride.Ride
	events    map[types.ID]*ride.Event
	routes    map[types.ID][]ride.Waypoint
	routeSets int
}

func newMockStore() *mockStore {
	return &mockStore{
		requests: make(map[types.ID]*ride.RideRequest),
		rides:    make(map[types.ID]*ride.Ride),
		events:   make(map[types.ID]*ride.Event),
		routes:   make(map[types.ID][]ride.Waypoint),
	}
}

func (m *mockStore) GetRequest(_ context.Context, id types.ID) (*ride.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) GetRide(_ context.Context, id types.ID) (*ride.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) GetEvent(_ context.Context, id types.ID) (*ride.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockStore) ListCandidates(_ context.Context, eventID, exclude types.ID, from, to time.Time) ([]*ride.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ride.RideRequest
	for _, r := range m.requests {
		if r.EventID != eventID || r.ID == exclude || r.Status != ride.RequestAccepted {
			continue
		}
		if r.MaxDepartureTime.Before(from) || r.MaxDepartureTime.After(to) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) ListActiveMembers(_ context.Context, rideID types.ID) ([]*ride.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ride.RideRequest
	for _, r := range m.requests {
		if r.RideID != nil && *r.RideID == rideID && r.Active() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) CountActiveMembers(_ context.Context, rideID types.ID) (int, error) {
	members, _ := m.ListActiveMembers(context.Background(), rideID)
	return len(members), nil
}

func (m *mockStore) AssignRequest(_ context.Context, requestID, rideID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != ride.StatusMatching || r.CurrentPassengers >= r.MaxPassengers {
		return ride.ErrCapacityConflict
	}
	req, ok := m.requests[requestID]
	if !ok || req.Status != ride.RequestPending {
		return ride.ErrAlreadyResolved
	}
	r.CurrentPassengers++
	r.StatusVersion++
	if r.CurrentPassengers >= r.MaxPassengers {
		r.Status = ride.StatusFull
	}
	req.RideID = &r.ID
	req.Status = ride.RequestAccepted
	return nil
}

func (m *mockStore) SaveRoute(_ context.Context, rideID types.ID, route []ride.Waypoint, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[rideID] = route
	m.routeSets++
	return nil
}

func (m *mockStore) ListPendingForRematch(_ context.Context) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*ride.RideRequest
	for _, r := range m.requests {
		if r.Status != ride.RequestPending {
			continue
		}
		if r.RideID != nil {
			v, ok := m.rides[*r.RideID]
			if !ok || v.Status != ride.StatusMatching || v.CurrentPassengers >= v.MaxPassengers {
				continue
			}
		}
		pending = append(pending, r)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	ids := make([]types.ID, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
	}
	return ids, nil
}

// recordingNotifier collects notifications for assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Kind
}

func (n *recordingNotifier) Notify(_ context.Context, _ types.ID, kind notify.Kind, _, _ string, _ *types.ID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, kind)
	return nil
}

func (n *recordingNotifier) count(kind notify.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.sent {
		if k == kind {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

var (
	eventLoc = types.Point{Lat: 52.5200, Lng: 13.4050}
	destA    = types.Point{Lat: 52.4300, Lng: 13.3000}
	destB    = types.Point{Lat: 52.4500, Lng: 13.3500}
)

const testEventID = types.ID("event1")

type matchEnv struct {
	store    *mockStore
	router   *fakeRouter
	notifier *recordingNotifier
	svc      *Service
	now      time.Time
}

func newMatchEnv() *matchEnv {
	store := newMockStore()
	now := time.Date(2026, 6, 20, 22, 0, 0, 0, time.UTC)
	store.events[testEventID] = &ride.Event{
		ID:       testEventID,
		Name:     "Open Air",
		Address:  "Festival Grounds 1",
		Location: eventLoc,
		StartsAt: now.Add(-4 * time.Hour),
	}
	router := newFakeRouter()
	notifier := &recordingNotifier{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, router, notifier, config.DefaultMatching(), log)
	return &matchEnv{store: store, router: router, notifier: notifier, svc: svc, now: now}
}

// addRideWithMember creates an open ride and its accepted member request.
func (e *matchEnv) addRideWithMember(rideID, userID types.ID, dest types.Point, departAt, createdAt time.Time) {
	rid := rideID
	e.store.rides[rideID] = &ride.Ride{
		ID:                rideID,
		EventID:           testEventID,
		DepartureTime:     departAt,
		Departure:         eventLoc,
		CurrentPassengers: 1,
		MaxPassengers:     ride.MaxPassengers,
		Status:            ride.StatusMatching,
	}
	e.store.requests[rideID+"-member"] = &ride.RideRequest{
		ID:               rideID + "-member",
		RideID:           &rid,
		UserID:           userID,
		EventID:          testEventID,
		MaxDepartureTime: departAt,
		Destination:      ride.Destination{Address: "Member St 1", Point: dest},
		Gender:           ride.GenderFemale,
		IsInitiator:      true,
		Status:           ride.RequestAccepted,
		CreatedAt:        createdAt,
	}
}

func (e *matchEnv) addPending(id, userID types.ID, dest types.Point, departAt time.Time) {
	e.store.requests[id] = &ride.RideRequest{
		ID:               id,
		UserID:           userID,
		EventID:          testEventID,
		MaxDepartureTime: departAt,
		Destination:      ride.Destination{Address: "New St 2", Point: dest},
		Gender:           ride.GenderFemale,
		Status:           ride.RequestPending,
		CreatedAt:        e.now,
	}
}

// setAcceptableDetour cans legs so inserting newDest into a ride bound for
// candDest costs 2000 extra meters on a 10km direct trip.
func setAcceptableDetour(r *fakeRouter, cand, added types.Point) {
	r.setLeg(eventLoc, cand, 10000)
	r.setLeg(eventLoc, added, 6000)
	r.setLeg(added, cand, 6000)
	r.setLeg(cand, added, 9000)
}

func TestAttemptMatch_JoinsExistingRide(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	env.addRideWithMember("ride1", "u1", destA, departAt, env.now.Add(-10*time.Minute))
	env.addPending("req2", "u2", destB, departAt)
	setAcceptableDetour(env.router, destA, destB)

	res, err := env.svc.AttemptMatch(context.Background(), "req2")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !res.Matched {
		t.Fatalf("expected a match, got reason %s", res.Reason)
	}
	if res.RideID == nil || *res.RideID != "ride1" {
		t.Fatalf("expected ride1, got %v", res.RideID)
	}

	req, _ := env.store.GetRequest(context.Background(), "req2")
	if req.Status != ride.RequestAccepted {
		t.Errorf("request status = %s, want accepted", req.Status)
	}
	r, _ := env.store.GetRide(context.Background(), "ride1")
	if r.CurrentPassengers != 2 {
		t.Errorf("current_passengers = %d, want 2", r.CurrentPassengers)
	}
	if r.Status != ride.StatusMatching {
		t.Errorf("ride status = %s, want matching below capacity", r.Status)
	}

	route := env.store.routes["ride1"]
	if len(route) != 2 {
		t.Fatalf("route has %d waypoints, want 2", len(route))
	}
	if env.notifier.count(notify.KindRideMatched) != 1 {
		t.Error("expected one ride_matched notification for the joiner")
	}
	if env.notifier.count(notify.KindMemberJoined) != 1 {
		t.Error("expected one member_joined notification for the existing member")
	}
}

func TestAttemptMatch_FillsRideToCapacity(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	env.addRideWithMember("ride1", "u1", destA, departAt, env.now.Add(-10*time.Minute))
	ride1, _ := env.store.GetRide(context.Background(), "ride1")
	env.store.rides["ride1"].CurrentPassengers = ride1.MaxPassengers - 1

	env.addPending("reqLast", "u9", destB, departAt)
	setAcceptableDetour(env.router, destA, destB)

	res, err := env.svc.AttemptMatch(context.Background(), "reqLast")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !res.Matched {
		t.Fatalf("expected last seat to match, got %s", res.Reason)
	}
	r, _ := env.store.GetRide(context.Background(), "ride1")
	if r.Status != ride.StatusFull {
		t.Errorf("ride status = %s, want full at capacity", r.Status)
	}
}

func TestAttemptMatch_GenderFiltered(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	env.addRideWithMember("ride1", "u1", destA, departAt, env.now)
	env.store.requests["ride1-member"].Gender = ride.GenderMale

	env.addPending("req2", "u2", destB, departAt)
	env.store.requests["req2"].FemaleOnly = true
	setAcceptableDetour(env.router, destA, destB)

	res, err := env.svc.AttemptMatch(context.Background(), "req2")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.Matched {
		t.Fatal("incompatible genders must not match")
	}
	if res.Reason != ReasonGenderFiltered {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonGenderFiltered)
	}
	req, _ := env.store.GetRequest(context.Background(), "req2")
	if req.Status != ride.RequestPending {
		t.Errorf("request must stay pending, got %s", req.Status)
	}
	if env.notifier.total() != 0 {
		t.Error("no notifications expected on a failed attempt")
	}
}

func TestAttemptMatch_DepartureWindowBoundary(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	// Candidate departs exactly 30 minutes after the requester: inclusive.
	env.addRideWithMember("ride1", "u1", destA, departAt.Add(30*time.Minute), env.now)
	env.addPending("req2", "u2", destB, departAt)
	setAcceptableDetour(env.router, destA, destB)

	res, err := env.svc.AttemptMatch(context.Background(), "req2")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !res.Matched {
		t.Errorf("candidate at exactly +30m must be eligible, got %s", res.Reason)
	}
}

func TestAttemptMatch_DepartureWindowExceeded(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	env.addRideWithMember("ride1", "u1", destA, departAt.Add(30*time.Minute+time.Second), env.now)
	env.addPending("req2", "u2", destB, departAt)
	setAcceptableDetour(env.router, destA, destB)

	res, err := env.svc.AttemptMatch(context.Background(), "req2")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.Matched {
		t.Fatal("candidate just outside the window must not match")
	}
	if res.Reason != ReasonNoCandidates {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonNoCandidates)
	}
}

func TestAttemptMatch_GeoTooFar(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	farDest := types.Point{Lat: 53.5500, Lng: 9.9900} // Hamburg, ~250km away
	env.addRideWithMember("ride1", "u1", farDest, departAt, env.now)
	env.addPending("req2", "u2", destB, departAt)

	res, err := env.svc.AttemptMatch(context.Background(), "req2")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.Matched {
		t.Fatal("destinations 250km apart must not match")
	}
	if res.Reason != ReasonGeoTooFar {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonGeoTooFar)
	}
	if env.router.calls != 0 {
		t.Errorf("proximity prefilter must avoid provider calls, got %d", env.router.calls)
	}
}

func TestAttemptMatch_RanksByExtraDistance(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	destC := types.Point{Lat: 52.4700, Lng: 13.3800}
	env.addRideWithMember("rideFar", "u1", destA, departAt, env.now.Add(-20*time.Minute))
	env.addRideWithMember("rideNear", "u3", destC, departAt, env.now.Add(-10*time.Minute))
	env.addPending("req2", "u2", destB, departAt)

	// rideFar costs 2000 extra meters, rideNear only 500.
	setAcceptableDetour(env.router, destA, destB)
	env.router.setLeg(eventLoc, destC, 10000)
	env.router.setLeg(destB, destC, 4500)
	env.router.setLeg(destC, destB, 9000)

	res, err := env.svc.AttemptMatch(context.Background(), "req2")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !res.Matched {
		t.Fatalf("expected a match, got %s", res.Reason)
	}
	if *res.RideID != "rideNear" {
		t.Errorf("joined %s, want rideNear with the smaller detour", *res.RideID)
	}
}

func TestAttemptMatch_TieBreaksByRequestAge(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	env.addRideWithMember("rideOld", "u1", destA, departAt, env.now.Add(-30*time.Minute))
	// Same destination point: identical detour cost for both rides.
	env.addRideWithMember("rideNew", "u3", destA, departAt, env.now.Add(-5*time.Minute))
	env.addPending("req2", "u2", destB, departAt)
	setAcceptableDetour(env.router, destA, destB)

	res, err := env.svc.AttemptMatch(context.Background(), "req2")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !res.Matched {
		t.Fatalf("expected a match, got %s", res.Reason)
	}
	if *res.RideID != "rideOld" {
		t.Errorf("joined %s, want rideOld on equal detour cost", *res.RideID)
	}
}

func TestAttemptMatch_ProviderFailureSkipsCandidate(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	destC := types.Point{Lat: 52.4700, Lng: 13.3800}
	env.addRideWithMember("rideBroken", "u1", destC, departAt, env.now.Add(-20*time.Minute))
	env.addRideWithMember("rideOK", "u3", destA, departAt, env.now.Add(-10*time.Minute))
	env.addPending("req2", "u2", destB, departAt)

	setAcceptableDetour(env.router, destA, destB)
	env.router.fail[legKey(eventLoc, destC)] = true

	res, err := env.svc.AttemptMatch(context.Background(), "req2")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !res.Matched || *res.RideID != "rideOK" {
		t.Fatalf("expected match on the evaluable candidate, got %+v", res)
	}
}

func TestAttemptMatch_AllProvidersFail(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	env.addRideWithMember("ride1", "u1", destA, departAt, env.now)
	env.addPending("req2", "u2", destB, departAt)
	env.router.fail[legKey(eventLoc, destA)] = true

	res, err := env.svc.AttemptMatch(context.Background(), "req2")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.Matched {
		t.Fatal("unroutable candidates must not match")
	}
	if res.Reason != ReasonDetourTooLarge {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonDetourTooLarge)
	}
	req, _ := env.store.GetRequest(context.Background(), "req2")
	if req.Status != ride.RequestPending {
		t.Errorf("request must stay pending for the sweep, got %s", req.Status)
	}
}

func TestAttemptMatch_AlreadyResolved(t *testing.T) {
	env := newMatchEnv()
	env.addPending("req2", "u2", destB, env.now.Add(time.Hour))
	env.store.requests["req2"].Status = ride.RequestCancelled

	res, err := env.svc.AttemptMatch(context.Background(), "req2")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.Matched || res.Reason != ReasonAlreadyResolved {
		t.Errorf("got %+v, want already_resolved", res)
	}
}

func TestAttemptMatch_UnknownRequest(t *testing.T) {
	env := newMatchEnv()
	_, err := env.svc.AttemptMatch(context.Background(), "missing")
	if err != ride.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestConcurrentJoinLastSeat races two requests for a single free seat; the
// seat reservation must admit exactly one.
func TestConcurrentJoinLastSeat(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	env.addRideWithMember("ride1", "u1", destA, departAt, env.now.Add(-10*time.Minute))
	env.store.rides["ride1"].CurrentPassengers = ride.MaxPassengers - 1

	env.addPending("reqX", "ux", destB, departAt)
	env.addPending("reqY", "uy", destB, departAt)
	setAcceptableDetour(env.router, destA, destB)

	var wg sync.WaitGroup
	results := make(chan Result, 2)
	for _, id := range []types.ID{"reqX", "reqY"} {
		wg.Add(1)
		go func(rid types.ID) {
			defer wg.Done()
			res, err := env.svc.AttemptMatch(context.Background(), rid)
			if err != nil {
				t.Errorf("attempt %s: %v", rid, err)
				return
			}
			results <- res
		}(id)
	}
	wg.Wait()
	close(results)

	matched := 0
	for res := range results {
		if res.Matched {
			matched++
		}
	}
	if matched != 1 {
		t.Fatalf("expected exactly 1 winner for the last seat, got %d", matched)
	}
	r, _ := env.store.GetRide(context.Background(), "ride1")
	if r.CurrentPassengers != r.MaxPassengers {
		t.Errorf("current_passengers = %d, want %d", r.CurrentPassengers, r.MaxPassengers)
	}
	if r.Status != ride.StatusFull {
		t.Errorf("ride status = %s, want full", r.Status)
	}
}

// TestTickRematch_Idempotent runs the sweep twice over the same state; the
// second pass must change nothing and send no further notifications.
func TestTickRematch_Idempotent(t *testing.T) {
	env := newMatchEnv()
	departAt := env.now.Add(time.Hour)
	env.addRideWithMember("ride1", "u1", destA, departAt, env.now.Add(-10*time.Minute))
	env.addPending("req2", "u2", destB, departAt)
	setAcceptableDetour(env.router, destA, destB)

	env.svc.tickRematch(context.Background())

	req, _ := env.store.GetRequest(context.Background(), "req2")
	if req.Status != ride.RequestAccepted {
		t.Fatalf("sweep did not match the pending request, status %s", req.Status)
	}
	sentAfterFirst := env.notifier.total()
	routeSetsAfterFirst := env.store.routeSets

	env.svc.tickRematch(context.Background())

	if env.notifier.total() != sentAfterFirst {
		t.Errorf("second sweep sent %d extra notifications", env.notifier.total()-sentAfterFirst)
	}
	if env.store.routeSets != routeSetsAfterFirst {
		t.Error("second sweep rewrote the route")
	}
	r, _ := env.store.GetRide(context.Background(), "ride1")
	if r.CurrentPassengers != 2 {
		t.Errorf("current_passengers = %d, want 2 after repeated sweeps", r.CurrentPassengers)
	}
}
