package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/subwatch/internal/adapter/api/handler"
	"github.com/V4T54L/subwatch/internal/adapter/api/middleware"
	"github.com/V4T54L/subwatch/internal/usecase"
)

// NewAdminRouter creates and configures the HTTP router for admin operations
// and the Prometheus scrape endpoint.
func NewAdminRouter(adminUseCase *usecase.AdminStreamUseCase, logger *slog.Logger) http.Handler {
	adminHandler := handler.NewAdminHandler(adminUseCase, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger))

	r.Get("/health", adminHandler.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Route("/streams/{stream}", func(r chi.Router) {
			r.Get("/groups", adminHandler.GetGroupInfo)
			r.Get("/groups/{group}/consumers", adminHandler.GetConsumerInfo)
			r.Get("/groups/{group}/pending", adminHandler.GetPendingSummary)
			r.Post("/groups/{group}/ack", adminHandler.AcknowledgeMessages)
			r.Post("/trim", adminHandler.TrimStream)
		})
		r.Post("/dlq/replay", adminHandler.ReplayDeadLetters)
	})

	return r
}
