// README: Entry point; loads config, wires services, starts HTTP server and
// background sweeps.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ridepool/internal/config"
	httptransport "ridepool/internal/http"
	"ridepool/internal/infra"
	"ridepool/internal/logging"
	"ridepool/internal/maps"
	"ridepool/internal/modules/matching"
	"ridepool/internal/modules/ride"
	"ridepool/internal/notify"
	"ridepool/internal/tickets"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.NewLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db init: %v", err)
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)

	legCache := maps.NewLegCache(redisClient, cfg.Maps.CacheTTL)
	router, err := maps.NewRouter(cfg.Maps.APIKey, legCache, cfg.Maps.RouteTimeout, cfg.Maps.TripTimeout)
	if err != nil {
		log.Fatalf("maps init: %v", err)
	}
	geocoder, err := maps.NewGeocoder(cfg.Maps.APIKey)
	if err != nil {
		log.Fatalf("maps init: %v", err)
	}

	// Firebase is optional in local development: without a project the API
	// runs unauthenticated and notifications go to the log.
	var verifier infra.TokenVerifier
	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Firebase.ProjectID != "" {
		fb, err := infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			log.Fatalf("firebase init: %v", err)
		}
		verifier = fb.Auth
		notifier = notify.NewFCMNotifier(fb.Messaging)
	}

	ticketGate := tickets.NewClient(cfg.Tickets.BaseURL)

	rideStore := ride.NewStore(dbPool)
	rideSvc := ride.NewService(rideStore, ticketGate, geocoder, router, notifier, cfg.Matching, logger)
	matchingSvc := matching.NewService(rideStore, router, notifier, cfg.Matching, logger)

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Rides:    rideSvc,
		Matcher:  matchingSvc,
		Verifier: verifier,
		Log:      logger,
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go rideSvc.RunExpirySweep(ctx)
	go matchingSvc.RunRematchSweep(ctx)

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	logger.Info("listening", "addr", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
