// Package httpapi exposes the dispatch core over HTTP and websockets.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

// Dispatcher is the dispatch surface the API serves.
type Dispatcher interface {
	CreateRide(ctx context.Context, req dispatch.CreateRideRequest) (*models.Ride, error)
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListUserRides(ctx context.Context, userID string, role storage.Role, limit, offset int) (*dispatch.RidePage, error)
	AssignDriver(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	UpdateRideStatus(ctx context.Context, rideID string, status models.RideStatus, actorID, reason string) (*models.Ride, error)
	CancelRide(ctx context.Context, rideID, actorID, reason string) (*models.Ride, error)
	UpdateDriverLocation(ctx context.Context, s models.LocationSample) (*models.Driver, error)
	SetDriverOnline(ctx context.Context, driverID string, online bool) (*models.Driver, error)
	RegisterDriver(ctx context.Context, d models.Driver) (*models.Driver, error)
	DriverEarnings(ctx context.Context, driverID string) (*dispatch.Earnings, error)
	QuoteFare(ctx context.Context, req pricing.QuoteRequest) (models.FareBreakdown, error)
	NearbyDrivers(ctx context.Context, center models.Coord, radiusKm float64) ([]geo.NearbyDriver, error)
	SurgeAreas(ctx context.Context) ([]models.SurgeArea, error)
	CurrentPricingRule(ctx context.Context) models.PricingRule
	SavePricingRule(ctx context.Context, r models.PricingRule) (*models.PricingRule, error)
	SaveSurgeArea(ctx context.Context, a models.SurgeArea) (*models.SurgeArea, error)
}

// LocationPublisher queues location samples for asynchronous ingestion.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, samples ...models.LocationSample) error
}

// SessionServer attaches websocket sessions for an identified caller.
type SessionServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string) error
}

type Options struct {
	Dispatch  Dispatcher
	Sessions  SessionServer
	Locations LocationPublisher
	Auth      *Authenticator
	Ready     func(ctx context.Context) error
	Logger    *zap.Logger
}

type Server struct {
	dispatch  Dispatcher
	sessions  SessionServer
	locations LocationPublisher
	auth      *Authenticator
	ready     func(ctx context.Context) error
	logger    *zap.Logger
	mux       *mux.Router
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Auth == nil {
		opts.Auth = NewAuthenticator("")
	}
	s := &Server{
		dispatch:  opts.Dispatch,
		sessions:  opts.Sessions,
		locations: opts.Locations,
		auth:      opts.Auth,
		ready:     opts.Ready,
		logger:    opts.Logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.identityMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/assign", s.handleAssign).Methods("POST")
	api.HandleFunc("/rides/{id}/status", s.handleStatus).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/drivers/location", s.handleDriverLocation).Methods("POST")
	api.HandleFunc("/drivers/online", s.handleDriverOnline).Methods("POST")
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/drivers/{id}/earnings", s.handleEarnings).Methods("GET")
	api.HandleFunc("/fares/quote", s.handleQuote).Methods("POST")
	api.HandleFunc("/pricing/surge-areas", s.handleSurgeAreas).Methods("GET")
	api.HandleFunc("/pricing/current", s.handleCurrentRule).Methods("GET")

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/drivers", s.handleRegisterDriver).Methods("POST")
	internal.HandleFunc("/driver/locations", s.handleLocationBatch).Methods("POST")
	internal.HandleFunc("/pricing/rules", s.handleSaveRule).Methods("POST")
	internal.HandleFunc("/pricing/surge-areas", s.handleSaveSurgeArea).Methods("POST")

	s.mux.Handle("/ws", s.identityMiddleware(http.HandlerFunc(s.handleWS))).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
