// README: Ride/RideRequest store backed by PostgreSQL.
package ride

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridepool/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) CreateRequest(ctx context.Context, r *RideRequest) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_requests (
			id, ride_id, user_id, event_id, max_departure_time,
			dest_address, dest_city, dest_postcode, dest_lat, dest_lng,
			female_only, gender, is_initiator, status, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		string(r.ID),
		idPtr(r.RideID),
		string(r.UserID),
		string(r.EventID),
		r.MaxDepartureTime,
		r.Destination.Address, r.Destination.City, r.Destination.Postcode,
		r.Destination.Point.Lat, r.Destination.Point.Lng,
		r.FemaleOnly, string(r.Gender), r.IsInitiator, string(r.Status),
		r.CreatedAt,
	)
	return err
}

// CreateRideWithInitiator inserts a new ride together with its initiator's
// request in one transaction, so a ride never exists without a member.
func (s *Store) CreateRideWithInitiator(ctx context.Context, ride *Ride, req *RideRequest) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO rides (
			id, event_id, departure_time, depart_now,
			departure_address, departure_lat, departure_lng,
			current_passengers, max_passengers, status, status_version,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11,
			$12, $13
		)`,
		string(ride.ID),
		string(ride.EventID),
		ride.DepartureTime,
		ride.DepartNow,
		ride.DepartureAddress, ride.Departure.Lat, ride.Departure.Lng,
		ride.CurrentPassengers, ride.MaxPassengers, string(ride.Status), ride.StatusVersion,
		ride.CreatedAt, ride.UpdatedAt,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ride_requests (
			id, ride_id, user_id, event_id, max_departure_time,
			dest_address, dest_city, dest_postcode, dest_lat, dest_lng,
			female_only, gender, is_initiator, status, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		string(req.ID),
		string(ride.ID),
		string(req.UserID),
		string(req.EventID),
		req.MaxDepartureTime,
		req.Destination.Address, req.Destination.City, req.Destination.Postcode,
		req.Destination.Point.Lat, req.Destination.Point.Lng,
		req.FemaleOnly, string(req.Gender), req.IsInitiator, string(req.Status),
		req.CreatedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetRide(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, event_id, departure_time, depart_now,
		       departure_address, departure_lat, departure_lng,
		       current_passengers, max_passengers, status, status_version,
		       final_cost, final_cost_currency, route, route_polyline,
		       created_at, updated_at
		FROM rides
		WHERE id = $1`, string(id),
	)
	return scanRide(row)
}

func (s *Store) GetRequest(ctx context.Context, id types.ID) (*RideRequest, error) {
	row := s.db.QueryRow(ctx, requestSelect+` WHERE id = $1`, string(id))
	r, err := scanRequest(row)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) GetEvent(ctx context.Context, id types.ID) (*Event, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, address, lat, lng, starts_at
		FROM events
		WHERE id = $1`, string(id),
	)
	var e Event
	err := row.Scan(&e.ID, &e.Name, &e.Address, &e.Location.Lat, &e.Location.Lng, &e.StartsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) HasActiveByUserAndEvent(ctx context.Context, userID, eventID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ride_requests
			WHERE user_id = $1 AND event_id = $2
			  AND status IN ('pending','matched','accepted')
		)`, string(userID), string(eventID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ListCandidates returns the accepted requests of the same event whose
// maxDepartureTime falls inside [from, to], excluding the given request.
func (s *Store) ListCandidates(ctx context.Context, eventID, exclude types.ID, from, to time.Time) ([]*RideRequest, error) {
	rows, err := s.db.Query(ctx, requestSelect+`
		WHERE event_id = $1 AND id <> $2
		  AND status = 'accepted'
		  AND max_departure_time BETWEEN $3 AND $4
		ORDER BY created_at`, string(eventID), string(exclude), from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ListActiveMembers returns the non-terminal requests of a ride in join order.
func (s *Store) ListActiveMembers(ctx context.Context, rideID types.ID) ([]*RideRequest, error) {
	rows, err := s.db.Query(ctx, requestSelect+`
		WHERE ride_id = $1 AND status IN ('pending','matched','accepted')
		ORDER BY created_at`, string(rideID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (s *Store) CountActiveMembers(ctx context.Context, rideID types.ID) (int, error) {
	row := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM ride_requests
		WHERE ride_id = $1 AND status IN ('pending','matched','accepted')`, string(rideID),
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// AssignRequest reserves a seat on the ride and claims the request, as one
// transaction. The seat reservation is an increment-if-below-capacity guarded
// by the committed passenger count, and the claim re-checks the request's
// status at commit time so a concurrent cancellation wins cleanly.
func (s *Store) AssignRequest(ctx context.Context, requestID, rideID types.ID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE rides
		SET current_passengers = current_passengers + 1,
		    status = CASE WHEN current_passengers + 1 >= max_passengers THEN 'full' ELSE status END,
		    status_version = status_version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'matching' AND current_passengers < max_passengers`,
		string(rideID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrCapacityConflict
	}

	tag, err = tx.Exec(ctx, `
		UPDATE ride_requests
		SET ride_id = $2, status = 'accepted'
		WHERE id = $1 AND status = 'pending'`,
		string(requestID), string(rideID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		// Request was cancelled (or otherwise resolved) underneath us; the
		// rollback releases the seat.
		return ErrAlreadyResolved
	}
	return tx.Commit(ctx)
}

// ReleaseSeat decrements the passenger count and reopens a full ride.
func (s *Store) ReleaseSeat(ctx context.Context, rideID types.ID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE rides
		SET current_passengers = current_passengers - 1,
		    status = CASE WHEN status = 'full' THEN 'matching' ELSE status END,
		    status_version = status_version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND current_passengers > 0`,
		string(rideID),
	)
	return err
}

// UpdateRequestStatus flips a request's status only if it still has the
// expected one (compare-and-set).
func (s *Store) UpdateRequestStatus(ctx context.Context, id types.ID, from, to RequestStatus) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE ride_requests SET status = $1
		WHERE id = $2 AND status = $3`,
		string(to), string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateRideStatus flips a ride's status via optimistic versioned CAS.
func (s *Store) UpdateRideStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = $1, status_version = status_version + 1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to), string(id), string(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetFinalCost records the settled cost once; later writes are ignored.
func (s *Store) SetFinalCost(ctx context.Context, rideID types.ID, cost types.Money) error {
	_, err := s.db.Exec(ctx, `
		UPDATE rides
		SET final_cost = $2, final_cost_currency = $3, updated_at = NOW()
		WHERE id = $1 AND final_cost IS NULL`,
		string(rideID), cost.Amount, cost.Currency,
	)
	return err
}

// SaveRoute stores the recomputed waypoint order and overview polyline.
func (s *Store) SaveRoute(ctx context.Context, rideID types.ID, route []Waypoint, polyline string) error {
	raw, err := json.Marshal(route)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		UPDATE rides
		SET route = $2, route_polyline = $3, updated_at = NOW()
		WHERE id = $1`,
		string(rideID), raw, polyline,
	)
	return err
}

// ListExpired returns non-terminal requests whose maxDepartureTime is older
// than the cutoff.
func (s *Store) ListExpired(ctx context.Context, cutoff time.Time) ([]*RideRequest, error) {
	rows, err := s.db.Query(ctx, requestSelect+`
		WHERE status IN ('pending','matched','accepted')
		  AND max_departure_time < $1
		ORDER BY max_departure_time`, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ListPendingForRematch returns the IDs of pending requests eligible for
// another matching attempt: unassigned ones, plus any whose ride is still
// open below capacity.
func (s *Store) ListPendingForRematch(ctx context.Context) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id
		FROM ride_requests r
		LEFT JOIN rides v ON v.id = r.ride_id
		WHERE r.status = 'pending'
		  AND (r.ride_id IS NULL OR (v.status = 'matching' AND v.current_passengers < v.max_passengers))
		ORDER BY r.created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ID(id))
	}
	return ids, rows.Err()
}

const requestSelect = `
	SELECT id, ride_id, user_id, event_id, max_departure_time,
	       dest_address, dest_city, dest_postcode, dest_lat, dest_lng,
	       female_only, gender, is_initiator, status, created_at
	FROM ride_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*RideRequest, error) {
	var r RideRequest
	var rideID sql.NullString
	err := row.Scan(
		&r.ID, &rideID, &r.UserID, &r.EventID, &r.MaxDepartureTime,
		&r.Destination.Address, &r.Destination.City, &r.Destination.Postcode,
		&r.Destination.Point.Lat, &r.Destination.Point.Lng,
		&r.FemaleOnly, &r.Gender, &r.IsInitiator, &r.Status, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rideID.Valid {
		id := types.ID(rideID.String)
		r.RideID = &id
	}
	return &r, nil
}

func scanRequests(rows pgx.Rows) ([]*RideRequest, error) {
	var out []*RideRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRide(row rowScanner) (*Ride, error) {
	var r Ride
	var finalCost sql.NullInt64
	var finalCurrency, polyline sql.NullString
	var route []byte
	err := row.Scan(
		&r.ID, &r.EventID, &r.DepartureTime, &r.DepartNow,
		&r.DepartureAddress, &r.Departure.Lat, &r.Departure.Lng,
		&r.CurrentPassengers, &r.MaxPassengers, &r.Status, &r.StatusVersion,
		&finalCost, &finalCurrency, &route, &polyline,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if finalCost.Valid {
		r.FinalCost = &types.Money{Amount: finalCost.Int64, Currency: finalCurrency.String}
	}
	if polyline.Valid {
		r.RoutePolyline = &polyline.String
	}
	if len(route) > 0 {
		if err := json.Unmarshal(route, &r.Route); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
