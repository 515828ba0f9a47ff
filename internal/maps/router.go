package maps

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"googlemaps.github.io/maps"

	"ridepool/internal/types"
)

// ErrUnavailable marks any geo/route provider failure. Callers must treat it
// as "insufficient information", never as a hard failure of their own.
var ErrUnavailable = errors.New("route provider unavailable")

// Leg is the computed path between two points.
type Leg struct {
	DistanceMeters int           `json:"distance_meters"`
	Duration       time.Duration `json:"duration"`
	Polyline       string        `json:"polyline"`
}

// TripPlan is a provider-optimised multi-stop route with a fixed start,
// a free end, and no return leg.
type TripPlan struct {
	// Order holds the visiting order as indices into the destinations slice
	// passed to Trip.
	Order          []int
	Legs           []Leg
	DistanceMeters int
	Duration       time.Duration
	Polyline       string
}

// Router wraps the Google Directions API for point-to-point routes and
// small multi-stop ordering solves. Both calls are idempotent and stateless.
type Router struct {
	client       *maps.Client
	cache        *LegCache
	routeTimeout time.Duration
	tripTimeout  time.Duration
}

// NewRouter creates a Router with the given API key. cache may be nil.
func NewRouter(apiKey string, cache *LegCache, routeTimeout, tripTimeout time.Duration) (*Router, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Router{
		client:       client,
		cache:        cache,
		routeTimeout: routeTimeout,
		tripTimeout:  tripTimeout,
	}, nil
}

// Route computes the driving route from a to b.
func (r *Router) Route(ctx context.Context, a, b types.Point) (Leg, error) {
	if r.cache != nil {
		if leg, ok := r.cache.Get(ctx, a, b); ok {
			return leg, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.routeTimeout)
	defer cancel()

	req := &maps.DirectionsRequest{
		Origin:      latLngParam(a),
		Destination: latLngParam(b),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := r.client.Directions(ctx, req)
	if err != nil {
		return Leg{}, fmt.Errorf("%w: route: %v", ErrUnavailable, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Leg{}, fmt.Errorf("%w: route: no route found", ErrUnavailable)
	}

	leg := Leg{
		DistanceMeters: routes[0].Legs[0].Distance.Meters,
		Duration:       routes[0].Legs[0].Duration,
		Polyline:       routes[0].OverviewPolyline.Points,
	}
	if r.cache != nil {
		r.cache.Set(ctx, a, b, leg)
	}
	return leg, nil
}

// Trip computes an ordered multi-stop route from origin through every
// destination. The ordering solve is delegated to the provider: the
// haversine-farthest destination anchors the end of the route and the
// remaining stops are passed as optimisable waypoints, which approximates a
// fixed-start/free-end/no-return solve for the small N handled here.
func (r *Router) Trip(ctx context.Context, origin types.Point, destinations []types.Point) (TripPlan, error) {
	if len(destinations) == 0 {
		return TripPlan{}, errors.New("trip requires at least one destination")
	}
	if len(destinations) == 1 {
		leg, err := r.Route(ctx, origin, destinations[0])
		if err != nil {
			return TripPlan{}, err
		}
		return TripPlan{
			Order:          []int{0},
			Legs:           []Leg{leg},
			DistanceMeters: leg.DistanceMeters,
			Duration:       leg.Duration,
			Polyline:       leg.Polyline,
		}, nil
	}

	last := farthestIndex(origin, destinations)
	via := make([]int, 0, len(destinations)-1)
	waypoints := make([]string, 0, len(destinations)-1)
	for i, d := range destinations {
		if i == last {
			continue
		}
		via = append(via, i)
		waypoints = append(waypoints, latLngParam(d))
	}

	ctx, cancel := context.WithTimeout(ctx, r.tripTimeout)
	defer cancel()

	req := &maps.DirectionsRequest{
		Origin:      latLngParam(origin),
		Destination: latLngParam(destinations[last]),
		Waypoints:   waypoints,
		Optimize:    true,
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := r.client.Directions(ctx, req)
	if err != nil {
		return TripPlan{}, fmt.Errorf("%w: trip: %v", ErrUnavailable, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) != len(destinations) {
		return TripPlan{}, fmt.Errorf("%w: trip: unexpected route shape", ErrUnavailable)
	}
	route := routes[0]

	plan := TripPlan{
		Order:    make([]int, 0, len(destinations)),
		Legs:     make([]Leg, 0, len(route.Legs)),
		Polyline: route.OverviewPolyline.Points,
	}
	for _, w := range route.WaypointOrder {
		plan.Order = append(plan.Order, via[w])
	}
	plan.Order = append(plan.Order, last)
	for _, leg := range route.Legs {
		plan.Legs = append(plan.Legs, Leg{
			DistanceMeters: leg.Distance.Meters,
			Duration:       leg.Duration,
		})
		plan.DistanceMeters += leg.Distance.Meters
		plan.Duration += leg.Duration
	}
	return plan, nil
}

func latLngParam(p types.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// farthestIndex returns the index of the destination farthest from origin by
// great-circle distance.
func farthestIndex(origin types.Point, destinations []types.Point) int {
	best, bestDist := 0, -1.0
	for i, d := range destinations {
		if dist := haversineKm(origin, d); dist > bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

const earthRadiusKm = 6371.0

func haversineKm(a, b types.Point) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLng := degToRad(b.Lng - a.Lng)
	rLat1 := degToRad(a.Lat)
	rLat2 := degToRad(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180.0
}
