package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"datawell.app/cloud/internal/config"
	"datawell.app/cloud/internal/credit"
	"datawell.app/cloud/internal/ratelimit"
	"datawell.app/cloud/internal/session"
	"datawell.app/cloud/storage"
)

type Server struct {
	Router    chi.Router
	Storage   storage.Storage
	Tracker   *session.Tracker
	Processor *credit.Processor
	Config    *config.Config
	Version   string
}

func NewServer(cfg *config.Config, store storage.Storage, tracker *session.Tracker, version string) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Storage:   store,
		Tracker:   tracker,
		Processor: credit.NewProcessor(store),
		Config:    cfg,
		Version:   version,
	}

	limiter := ratelimit.New(120, time.Minute)

	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://datawell.app", "https://*.datawell.app"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-License-Key"},
		MaxAge:         300,
	}))
	s.Router.Use(rateLimitMiddleware(limiter))

	s.Router.Get("/health", s.Health)
	s.Router.Post("/api/v1/licenses", s.RegisterLicense)
	s.Router.Get("/api/v1/licenses/balance", s.Balance)
	s.Router.Get("/api/v1/packages", s.ListPackages)
	s.Router.Post("/api/v1/checkout", s.Checkout)
	s.Router.Post("/api/v1/webhooks/stripe", s.StripeWebhook)

	s.Router.Route("/api/v1/data", func(r chi.Router) {
		r.Use(s.QuotaGate)
		r.Get("/series", s.DataSeries)
		r.Get("/quote", s.DataQuote)
	})

	return s
}

func rateLimitMiddleware(limiter ratelimit.RateLimit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.RemoteAddr) {
				writeErrorResponse(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.Version,
		Timestamp: time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
