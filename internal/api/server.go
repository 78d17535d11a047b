// Package api exposes the auditor's HTTP surface: webhook ingress, health,
// metrics and the operator endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/sentinel-auditor/internal/circuitbreaker"
	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/enforcer"
	"github.com/ocx/sentinel-auditor/internal/events"
	"github.com/ocx/sentinel-auditor/internal/middleware"
)

type ActorReader interface {
	Snapshot(ctx context.Context, actorID string) (core.BanRecord, error)
}

type Pardoner interface {
	ManualPardon(ctx context.Context, actorID, reason string) (enforcer.Outcome, error)
}

type RateLimitResetter interface {
	Reset(ctx context.Context, actorID string) error
}

type TraceLoader interface {
	Load(ctx context.Context, eventID string) (*core.Trace, error)
}

type QueueStats interface {
	Pending() int
}

// Deps wires the server. Events, Breakers, Queue and RateLimits are optional.
type Deps struct {
	Actors     ActorReader
	Pardoner   Pardoner
	RateLimits RateLimitResetter
	Traces     TraceLoader
	Webhook  http.Handler
	Ping     func(ctx context.Context) error
	Gatherer prometheus.Gatherer
	Events   *events.EventBus
	Breakers *circuitbreaker.Registry
	Queue    QueueStats

	AdminToken string
	// APIRate is the per-client request rate for /api/v1.
	APIRate float64
}

type Server struct {
	deps    Deps
	limiter *middleware.RateLimiter
}

func NewServer(deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		deps:    deps,
		limiter: middleware.NewRateLimiter(deps.APIRate, 5*time.Minute),
	}
}

// Limiter exposes the API rate limiter so the caller can run its sweeper.
func (s *Server) Limiter() *middleware.RateLimiter { return s.limiter }

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recover)
	r.Use(middleware.Logging)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if s.deps.Webhook != nil {
		r.Handle("/webhook/audit", s.deps.Webhook).Methods(http.MethodPost)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.CORS)
	api.Use(s.limiter.Middleware)

	api.HandleFunc("/traces/{event_id}", s.handleTrace).Methods(http.MethodGet)
	api.HandleFunc("/actors/{actor_id}", s.handleActor).Methods(http.MethodGet)

	admin := api.NewRoute().Subrouter()
	admin.Use(middleware.RequireToken(s.deps.AdminToken))
	admin.HandleFunc("/actors/{actor_id}/pardon", s.handlePardon).Methods(http.MethodPost)
	if s.deps.RateLimits != nil {
		admin.HandleFunc("/actors/{actor_id}/rate-limit", s.handleResetRateLimit).Methods(http.MethodDelete)
	}
	if s.deps.Events != nil {
		admin.HandleFunc("/events/stream", s.handleStream).Methods(http.MethodGet)
	}

	return r
}
