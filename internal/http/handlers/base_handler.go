// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridepool/internal/modules/ride"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID ensures IDs look like the UUIDs the service generates.
func isValidID(v string) bool {
	if len(v) == 0 || len(v) > 36 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || c == '-' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeRideError(c *gin.Context, err error) {
	switch err {
	case ride.ErrBadRequest:
		writeError(c, http.StatusBadRequest, err.Error())
	case ride.ErrNotFound:
		writeError(c, http.StatusNotFound, err.Error())
	case ride.ErrNotEligible:
		writeError(c, http.StatusForbidden, err.Error())
	case ride.ErrInvalidState, ride.ErrActiveRequest, ride.ErrAlreadyResolved,
		ride.ErrCapacityConflict, ride.ErrConflict:
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
