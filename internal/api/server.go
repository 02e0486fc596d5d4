// Package api provides the HTTP server for the economy engine.
// It exposes the validated intents of the presentation layer 1:1 as
// JSON endpoints. The engine never renders user-facing text: every
// response is a discriminated result value for the caller to format.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomoyo-network/tomoyo/internal/app/contract"
	"github.com/tomoyo-network/tomoyo/internal/app/ledger"
	"github.com/tomoyo-network/tomoyo/internal/app/lifecycle"
	"github.com/tomoyo-network/tomoyo/internal/app/review"
	"github.com/tomoyo-network/tomoyo/internal/infra/observability"
)

// Server is the engine's HTTP API server.
type Server struct {
	ledger         *ledger.Service
	lifecycle      *lifecycle.Service
	contracts      *contract.Service
	reviews        *review.Service
	metricsEnabled bool
}

// NewServer creates an API server over the four engine services.
func NewServer(led *ledger.Service, life *lifecycle.Service, con *contract.Service, rev *review.Service) *Server {
	return &Server{ledger: led, lifecycle: life, contracts: con, reviews: rev}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(countRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/tenants/{tenant}", func(r chi.Router) {
		// Membership lifecycle
		r.Post("/members/{user}/enroll", s.handleEnroll)
		r.Post("/members/{user}/freeze", s.handleFreeze)
		r.Get("/members/{user}/blackhole", s.handleBlackholeStatus)
		r.Get("/members/{user}/eligibility", s.handleEligibility)

		// Wallet ledger
		r.Get("/wallets/{account}", s.handleWallet)
		r.Get("/wallets/{account}/ledger", s.handleLedger)
		r.Post("/transfers", s.handleTransfer)

		// Contracts
		r.Post("/members/{user}/contract", s.handleAcceptContract)
		r.Get("/members/{user}/contract", s.handleGetContract)
		r.Post("/members/{user}/delivery", s.handleSubmitDelivery)

		// Review escrow protocol
		r.Post("/reviews", s.handleCreateSession)
		r.Post("/reviews/outcome", s.handleSubmitOutcome)
		r.Get("/reviews/{session}", s.handleGetSession)
		r.Post("/reviews/{session}/rating", s.handleRateReviewer)
		r.Get("/members/{user}/review", s.handleOpenSession)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// countRequests feeds the api request counter, bucketing status codes
// by class.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		status := strconv.Itoa(ww.Status()/100) + "xx"
		observability.HTTPRequests.WithLabelValues(route, status).Inc()
	})
}
