// README: Compatibility predicates applied to a candidate pool ahead of
// the shared-route evaluation.
package matching

import (
	"context"
	"math"
	"time"

	"ridepool/internal/modules/ride"
	"ridepool/internal/types"
)

// GenderCompatible applies the female-only preference symmetrically: whoever
// sets the flag both restricts their ride to women and is restricted to
// women-only rides in turn.
func GenderCompatible(a, b *ride.RideRequest) bool {
	if a.FemaleOnly && b.Gender != ride.GenderFemale {
		return false
	}
	if b.FemaleOnly && a.Gender != ride.GenderFemale {
		return false
	}
	return true
}

// WithinProximity is the cheap great-circle prefilter run before any route
// provider call. The boundary is inclusive.
func WithinProximity(a, b types.Point, maxKm float64) bool {
	return haversineKm(a, b) <= maxKm
}

// WithinDepartureWindow reports whether two departure deadlines fall within
// the shared-ride window of each other, inclusive at the boundary.
func WithinDepartureWindow(a, b *ride.RideRequest, window time.Duration) bool {
	d := a.MaxDepartureTime.Sub(b.MaxDepartureTime)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// DetourAcceptable compares the candidate's direct trip against the cheaper
// of the two drop-off orders with the new destination inserted. The detour
// passes when both the relative and the absolute bound hold, inclusive.
// Any route provider failure rejects the pairing for this attempt.
func DetourAcceptable(ctx context.Context, routes RouteProvider, origin, candDest, newDest types.Point, maxPct float64, maxAbsMeters int) (bool, int, error) {
	direct, err := routes.Route(ctx, origin, candDest)
	if err != nil {
		return false, 0, err
	}
	toNew, err := routes.Route(ctx, origin, newDest)
	if err != nil {
		return false, 0, err
	}
	newToCand, err := routes.Route(ctx, newDest, candDest)
	if err != nil {
		return false, 0, err
	}
	candToNew, err := routes.Route(ctx, candDest, newDest)
	if err != nil {
		return false, 0, err
	}

	viaNewFirst := toNew.DistanceMeters + newToCand.DistanceMeters
	viaCandFirst := direct.DistanceMeters + candToNew.DistanceMeters
	combined := min(viaNewFirst, viaCandFirst)

	extra := combined - direct.DistanceMeters
	if extra < 0 {
		extra = 0
	}
	ok := extra <= maxAbsMeters && float64(extra) <= maxPct*float64(direct.DistanceMeters)
	return ok, extra, nil
}

const earthRadiusKm = 6371.0

func haversineKm(a, b types.Point) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLng := degToRad(b.Lng - a.Lng)
	lat1 := degToRad(a.Lat)
	lat2 := degToRad(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func degToRad(d float64) float64 {
	return d * math.Pi / 180
}
