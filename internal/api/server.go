// Package api exposes the negotiation core over HTTP for the booking flow.
package api

import (
	"context"
	"net/http"

	"github.com/faredown/bargain/internal/capsule"
	"github.com/faredown/bargain/internal/core"
	"github.com/faredown/bargain/internal/middleware"
	"github.com/faredown/bargain/internal/negotiation"
	"github.com/faredown/bargain/internal/policy"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Negotiator runs one negotiation.
type Negotiator interface {
	Negotiate(ctx context.Context, s core.Session) (*negotiation.Outcome, error)
}

// PolicyAdmin is the policy store surface the API needs.
type PolicyAdmin interface {
	LoadPolicy(ctx context.Context) *policy.Policy
	LastSource() policy.Origin
	Invalidate(ctx context.Context)
}

// CapsuleVerifier checks a signed decision.
type CapsuleVerifier interface {
	Verify(d *capsule.SignedDecision) (bool, error)
}

// CapsuleReader looks up stored capsules.
type CapsuleReader interface {
	LatestCapsule(ctx context.Context, sessionID string) (*capsule.SignedDecision, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Deps wires the server. Capsules, Limiter and Checks may be nil.
type Deps struct {
	Negotiator Negotiator
	Policies   PolicyAdmin
	Verifier   CapsuleVerifier
	Capsules   CapsuleReader
	Limiter    *middleware.RateLimiter
	Gatherer   prometheus.Gatherer
	Checks     map[string]HealthCheck
}

// Server holds the HTTP handlers.
type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{deps: deps}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging)
	r.Use(middleware.CORS)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/bargain/v1").Subrouter()
	if s.deps.Limiter != nil {
		api.Use(s.deps.Limiter.Middleware)
	}

	api.HandleFunc("/session/offer", s.handleOffer).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/capsule/verify", s.handleVerify).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/capsule/{session_id}", s.handleGetCapsule).Methods(http.MethodGet)
	api.HandleFunc("/policy", s.handleGetPolicy).Methods(http.MethodGet)
	api.HandleFunc("/admin/policy/invalidate", s.handleInvalidatePolicy).Methods(http.MethodPost)

	return r
}
