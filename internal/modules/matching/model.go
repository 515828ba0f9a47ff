// README: Matching outcomes reported back to callers and metrics.
package matching

import "ridepool/internal/types"

// Reason explains why an attempt matched or not. Unmatched reasons are
// informational only; the request stays pending and is retried by the
// re-evaluation sweep until it expires.
type Reason string

const (
	ReasonMatched          Reason = "matched"
	ReasonAlreadyResolved  Reason = "already_resolved"
	ReasonNoCandidates     Reason = "no_candidates"
	ReasonGenderFiltered   Reason = "gender_filtered"
	ReasonGeoTooFar        Reason = "geo_too_far"
	ReasonDetourTooLarge   Reason = "detour_too_large"
	ReasonNoCapacity       Reason = "no_capacity"
	ReasonCapacityConflict Reason = "capacity_conflict"
)

type Result struct {
	Matched bool
	RideID  *types.ID
	Reason  Reason
}
