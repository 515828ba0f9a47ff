// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ridepool/internal/http/handlers"
	"ridepool/internal/http/middleware"
	"ridepool/internal/infra"
	"ridepool/internal/modules/ride"
)

type RouterDeps struct {
	Rides   *ride.Service
	Matcher handlers.Matcher
	// Verifier is optional; without it the API runs unauthenticated, which
	// is only meant for local development.
	Verifier infra.TokenVerifier
	Log      *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log))
	r.Use(middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	if deps.Verifier != nil {
		api.Use(middleware.Auth(deps.Verifier))
	}

	requestHandler := handlers.NewRequestHandler(deps.Rides, deps.Matcher)
	api.POST("/requests", requestHandler.Create)
	api.GET("/requests/:id", requestHandler.Get)
	api.POST("/requests/:id/cancel", requestHandler.Cancel)

	rideHandler := handlers.NewRideHandler(deps.Rides)
	api.GET("/rides/:id", rideHandler.Get)
	api.POST("/rides/:id/start", rideHandler.Start)
	api.POST("/rides/:id/complete", rideHandler.Complete)

	return r
}
