package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/V4T54L/subwatch/internal/adapter/api/handler"
	"github.com/V4T54L/subwatch/internal/adapter/api/middleware"
)

// NewRouter creates and configures the public HTTP router of the ingest
// service: event ingestion, capacity exports and the health check.
func NewRouter(
	logger *slog.Logger,
	ingestHandler *handler.IngestHandler,
	exportHandler *handler.ExportHandler,
	limiter *middleware.RateLimiter,
) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Handler)
		}
		r.Method(http.MethodPost, "/events", ingestHandler)
	})

	r.Post("/export", exportHandler.Post)
	r.Get("/export/{resource}", exportHandler.Get)

	return r
}
