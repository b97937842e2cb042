package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"promptstudio/internal/http/handlers"
	"promptstudio/internal/infra"
	"promptstudio/internal/middleware"
)

// NewRouter wires the portal API. The geoip lookup may be nil when no
// database is configured; locale detection then falls back to headers.
func NewRouter(app *handlers.App, cfg *infra.Config, lookup middleware.CountryLookup) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RealIP,
		chimw.Recoverer,
		middleware.RequestID,
		middleware.CORS(cfg.AllowedOrigins),
		middleware.I18N("en", lookup),
		middleware.Logger(app.Logger),
		middleware.RateLimit(cfg.RateLimitPerMin, time.Minute),
	)

	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))

		r.Route("/v1/generations", func(r chi.Router) {
			r.Post("/", app.GenerationsCreate)
			r.Get("/", app.GenerationsList)
			r.Get("/{batch_id}", app.GenerationsGet)
			r.Delete("/{batch_id}", app.GenerationsCancel)
			r.Get("/{batch_id}/ws", app.GenerationsProgress)
			r.Get("/{batch_id}/zip", app.GenerationsZip)
		})

		r.Route("/v1/history", func(r chi.Router) {
			r.Get("/", app.HistoryList)
			r.Get("/{id}/download", app.HistoryDownload)
		})
	})

	return r
}
