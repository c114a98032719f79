package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
)

type Server struct {
	engine        *dispatch.Engine
	auth          *auth.Authenticator
	logger        *slog.Logger
	sessionBuffer int
	devices       DeviceRegistry
	mux           *mux.Router
}

// DeviceRegistry stores push tokens per user. notify.RedisTokens satisfies it.
type DeviceRegistry interface {
	Register(ctx context.Context, userID, token string) error
	Unregister(ctx context.Context, userID, token string) error
}

type Option func(*Server)

// WithDevices enables the /devices endpoints.
func WithDevices(d DeviceRegistry) Option { return func(s *Server) { s.devices = d } }

func NewServer(engine *dispatch.Engine, authn *auth.Authenticator, logger *slog.Logger, sessionBuffer int, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if sessionBuffer <= 0 {
		sessionBuffer = realtime.DefaultBuffer
	}
	s := &Server{engine: engine, auth: authn, logger: logger, sessionBuffer: sessionBuffer, mux: mux.NewRouter()}
	for _, o := range opts {
		o(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Middleware)

	requester := auth.RequireRole(models.RoleRequester)
	worker := auth.RequireRole(models.RoleWorker)
	adminOnly := auth.RequireRole()

	api.Handle("/rides", requester(http.HandlerFunc(s.handleCreateRide))).Methods("POST")
	api.Handle("/rides/mine", requester(http.HandlerFunc(s.handleMyRides))).Methods("GET")
	api.Handle("/rides/candidates", worker(http.HandlerFunc(s.handleCandidates))).Methods("GET")
	api.Handle("/rides/candidates/{id}", worker(http.HandlerFunc(s.handleCandidate))).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/tracking", s.handleTracking).Methods("GET")
	api.Handle("/rides/{id}/offer", adminOnly(http.HandlerFunc(s.handleOffer))).Methods("POST")

	api.Handle("/rides/{id}/accept", worker(http.HandlerFunc(s.handleAccept))).Methods("PUT")
	api.Handle("/rides/{id}/reject", worker(http.HandlerFunc(s.handleReject))).Methods("PUT")
	api.Handle("/rides/{id}/start", worker(http.HandlerFunc(s.handleStart))).Methods("PUT")
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods("PUT")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("PUT")
	api.HandleFunc("/rides/{id}/no-response", s.handleNoResponse).Methods("PUT")
	api.HandleFunc("/rides/{id}/retry", s.handleRetry).Methods("PUT")

	api.Handle("/workers/me/availability", worker(http.HandlerFunc(s.handleAvailability))).Methods("PUT")
	api.Handle("/workers/me/location", worker(http.HandlerFunc(s.handleLocation))).Methods("PUT")
	api.Handle("/workers/me/quota", worker(http.HandlerFunc(s.handleQuota))).Methods("GET")

	if s.devices != nil {
		api.HandleFunc("/devices", s.handleRegisterDevice).Methods("POST")
		api.HandleFunc("/devices/{token}", s.handleUnregisterDevice).Methods("DELETE")
	}

	api.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
