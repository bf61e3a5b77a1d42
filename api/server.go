/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, copied into the logging context
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     zerolog access log + request duration histogram
  4. CORS:       Cross-origin requests for the app frontend
  5. RateLimit:  Per-user limit on POST /activities only (httprate)

ROUTE GROUPS:
  /api/users/{id}/*     Activities, stats, ledger, achievements, adjustments
  /api/referrals/*      Referral linking and redrive
  /api/achievements     Catalog
  /api/leaderboard      Top users
  /api/scenarios/*      Demo scenarios
  /healthz              Store liveness
  /metrics              Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logger and rate limiter
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the edge settings from config.ServerConfig.
type RouterConfig struct {
	CORSOrigins        []string
	RateLimitPerMinute int // 0 disables
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users/{id}", func(r chi.Router) {
			r.With(perUserRateLimit(cfg.RateLimitPerMinute, time.Minute)).
				Post("/activities", h.RecordActivity)
			r.Get("/stats", h.GetStats)
			r.Get("/ledger", h.GetLedger)
			r.Get("/achievements", h.GetUserAchievements)
			r.Post("/adjustments", h.CreateAdjustment)
		})

		// Referral routes
		r.Route("/referrals", func(r chi.Router) {
			r.Post("/", h.LinkReferral)
			r.Post("/redrive", h.RedriveReferrals)
		})

		r.Get("/achievements", h.ListAchievements)
		r.Get("/leaderboard", h.GetLeaderboard)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}
