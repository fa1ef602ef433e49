package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter assembles the HTTP surface.
func NewRouter(h *Handler, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(log))
	r.Use(Metrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.SubmitJob)
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Delete("/{id}", h.CancelJob)
		})

		r.Route("/crawl", func(r chi.Router) {
			r.Post("/", h.SubmitCrawl)
			r.Get("/history", h.CrawlHistory)
			r.Delete("/history/{id}", h.DeleteCrawlHistory)
			r.Delete("/queue", h.DeleteQueue)
			r.Post("/queue/{id}/retry", h.RetryQueueItem)
		})

		r.Post("/batch", h.SubmitBatch)

		r.Route("/credits", func(r chi.Router) {
			r.Get("/", h.Credits)
			r.Post("/grant", h.GrantCredits)
			r.Post("/charge", h.ChargeCredits)
		})
	})
	return r
}
