package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/submissions", h.CreateSubmission)
		r.Get("/submissions/{submissionId}", func(w http.ResponseWriter, r *http.Request) {
			h.GetSubmission(w, r, chi.URLParam(r, "submissionId"))
		})
		r.Route("/deposits/{depositId}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				h.GetDeposit(w, r, chi.URLParam(r, "depositId"))
			})
			r.Post("/run", func(w http.ResponseWriter, r *http.Request) {
				h.RunDeposit(w, r, chi.URLParam(r, "depositId"))
			})
		})
		r.Post("/reconcile/aggregation", h.RunAggregation)
		r.Post("/reconcile/advancement", h.RunAdvancement)
		r.Get("/repositories/{repositoryId}/health", func(w http.ResponseWriter, r *http.Request) {
			h.RepositoryHealth(w, r, chi.URLParam(r, "repositoryId"))
		})
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(started)).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
