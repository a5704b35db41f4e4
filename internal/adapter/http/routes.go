package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Crucible/internal/adapter/otel"
	"github.com/Strob0t/Crucible/internal/adapter/ws"
	"github.com/Strob0t/Crucible/internal/config"
	"github.com/Strob0t/Crucible/internal/middleware"
	"github.com/Strob0t/Crucible/internal/port/cache"
)

// NewRouter assembles the HTTP control surface: request IDs, tracing, auth,
// rate limiting, and idempotent submissions around the run API. The
// idempotency cache may be nil when no cache tier is configured.
func NewRouter(cfg *config.Config, h *Handlers, hub *ws.Hub, idem cache.Cache) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(otel.HTTPMiddleware(cfg.OTel.ServiceName))
	r.Use(middleware.Auth(cfg.Auth.TokenHash))

	if cfg.Rate.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
		limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
		r.Use(limiter.Handler)
	}

	r.Get("/health", h.Health)
	r.Get("/ws", hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			if idem != nil {
				r.With(middleware.Idempotency(idem, 24*time.Hour)).Post("/", h.SubmitRun)
			} else {
				r.Post("/", h.SubmitRun)
			}
			r.Get("/", h.ListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRun)
				r.Post("/cancel", h.CancelRun)
				r.Get("/artifacts", h.GetArtifacts)
				r.Get("/diff", h.GetDiff)
				r.Get("/events", h.ListRunEvents)
				r.Post("/replay", h.ReplayRun)
			})
		})
	})

	return r
}

// NewServer wraps the router in an http.Server with sane timeouts. Write
// timeout stays generous because /ws connections are long-lived.
func NewServer(cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
