// README: Ride request handlers: create (with immediate match attempt),
// get, cancel.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridepool/internal/http/middleware"
	"ridepool/internal/modules/matching"
	"ridepool/internal/modules/ride"
	"ridepool/internal/types"
)

// Matcher is the matching engine surface the handler triggers after a join
// request is created.
type Matcher interface {
	AttemptMatch(ctx context.Context, requestID types.ID) (matching.Result, error)
}

type RequestHandler struct {
	rides   *ride.Service
	matcher Matcher
}

func NewRequestHandler(rides *ride.Service, matcher Matcher) *RequestHandler {
	return &RequestHandler{rides: rides, matcher: matcher}
}

type createRequestReq struct {
	UserID           string    `json:"user_id"`
	EventID          string    `json:"event_id"`
	Gender           string    `json:"gender"`
	FemaleOnly       bool      `json:"female_only"`
	MaxDepartureTime time.Time `json:"max_departure_time"`
	DepartNow        bool      `json:"depart_now"`
	Address          string    `json:"destination_address"`
	City             string    `json:"destination_city"`
	Postcode         string    `json:"destination_postcode"`
	Lat              float64   `json:"destination_lat"`
	Lng              float64   `json:"destination_lng"`
	Initiate         bool      `json:"initiate"`
}

func (h *RequestHandler) Create(c *gin.Context) {
	var req createRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" || req.EventID == "" {
		writeError(c, http.StatusBadRequest, "missing fields")
		return
	}
	if uid := middleware.CallerUID(c); uid != "" && uid != req.UserID {
		writeError(c, http.StatusForbidden, "cannot create a request for another user")
		return
	}

	id, err := h.rides.CreateRequest(c.Request.Context(), ride.CreateRequestCommand{
		UserID:           types.ID(req.UserID),
		EventID:          types.ID(req.EventID),
		Gender:           ride.Gender(req.Gender),
		FemaleOnly:       req.FemaleOnly,
		MaxDepartureTime: req.MaxDepartureTime,
		DepartNow:        req.DepartNow,
		Destination: ride.Destination{
			Address:  req.Address,
			City:     req.City,
			Postcode: req.Postcode,
			Point:    types.Point{Lat: req.Lat, Lng: req.Lng},
		},
		Initiate: req.Initiate,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}

	resp := gin.H{"request_id": id, "status": ride.RequestPending}
	if req.Initiate {
		resp["status"] = ride.RequestAccepted
	} else {
		res, err := h.matcher.AttemptMatch(c.Request.Context(), id)
		if err == nil && res.Matched {
			resp["status"] = ride.RequestAccepted
			resp["ride_id"] = res.RideID
		}
		// An unmatched request stays pending; the periodic sweep retries it.
	}
	writeJSON(c, http.StatusCreated, resp)
}

func (h *RequestHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := h.rides.GetRequest(c.Request.Context(), types.ID(id))
	if err != nil {
		writeRideError(c, err)
		return
	}
	resp := gin.H{
		"request_id":         req.ID,
		"status":             req.Status,
		"event_id":           req.EventID,
		"max_departure_time": req.MaxDepartureTime,
	}
	if req.RideID != nil {
		resp["ride_id"] = req.RideID
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid request id")
		return
	}
	if uid := middleware.CallerUID(c); uid != "" {
		req, err := h.rides.GetRequest(c.Request.Context(), types.ID(id))
		if err != nil {
			writeRideError(c, err)
			return
		}
		if string(req.UserID) != uid {
			writeError(c, http.StatusForbidden, "cannot cancel another user's request")
			return
		}
	}
	if err := h.rides.CancelRequest(c.Request.Context(), types.ID(id)); err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": ride.RequestCancelled})
}
