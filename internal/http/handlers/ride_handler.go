// README: Ride handlers: get, start, complete.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridepool/internal/modules/ride"
	"ridepool/internal/types"
)

type RideHandler struct {
	rides *ride.Service
}

func NewRideHandler(rides *ride.Service) *RideHandler {
	return &RideHandler{rides: rides}
}

func (h *RideHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	r, err := h.rides.GetRide(c.Request.Context(), types.ID(id))
	if err != nil {
		writeRideError(c, err)
		return
	}
	resp := gin.H{
		"ride_id":            r.ID,
		"event_id":           r.EventID,
		"status":             r.Status,
		"departure_time":     r.DepartureTime,
		"current_passengers": r.CurrentPassengers,
		"max_passengers":     r.MaxPassengers,
		"route":              r.Route,
	}
	if r.RoutePolyline != nil {
		resp["route_polyline"] = *r.RoutePolyline
	}
	if r.FinalCost != nil {
		resp["final_cost"] = r.FinalCost
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *RideHandler) Start(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	if err := h.rides.StartRide(c.Request.Context(), types.ID(id)); err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": ride.StatusInProgress})
}

type completeRideReq struct {
	FinalCostAmount   *int64 `json:"final_cost_amount"`
	FinalCostCurrency string `json:"final_cost_currency"`
}

func (h *RideHandler) Complete(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var req completeRideReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	var cost *types.Money
	if req.FinalCostAmount != nil {
		currency := req.FinalCostCurrency
		if currency == "" {
			currency = "EUR"
		}
		cost = &types.Money{Amount: *req.FinalCostAmount, Currency: currency}
	}
	if err := h.rides.CompleteRide(c.Request.Context(), types.ID(id), cost); err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": ride.StatusCompleted})
}
