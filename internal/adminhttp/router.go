// Package adminhttp exposes the broker's read-only HTTP introspection
// surface: liveness, Prometheus metrics, a JSON instance dump, and the
// WebSocket event feed the dashboard subscribes to.
//
// Every route here is read-only: no handler mutates registry state.
package adminhttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/eventstream"
	"github.com/unity-bridge/relay/internal/registry"
)

// envelope is the standard JSON response wrapper for this surface.
type envelope map[string]any

// Config bundles the dependencies the admin router renders.
type Config struct {
	Registry   *registry.Registry
	Hub        *eventstream.Hub
	Prometheus *prom.Registry
	Logger     *zap.Logger
}

// NewRouter builds the admin HTTP handler.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz(cfg.Registry))
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Prometheus, promhttp.HandlerOpts{}))
	r.Get("/debug/instances", handleDebugInstances(cfg.Registry))
	r.Get("/debug/events", handleDebugEvents(cfg.Hub, cfg.Logger))

	return r
}

func handleHealthz(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, envelope{
			"status":    "ok",
			"instances": len(reg.List()),
		})
	}
}

func handleDebugInstances(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instances := reg.List()
		summaries := make([]any, 0, len(instances))
		for _, inst := range instances {
			summaries = append(summaries, inst.Summary())
		}
		writeJSON(w, http.StatusOK, envelope{"instances": summaries})
	}
}

func handleDebugEvents(hub *eventstream.Hub, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := eventstream.NewClient(hub, w, r, []string{eventstream.TopicInstances}, logger)
		if err != nil {
			logger.Warn("eventstream: upgrade failed", zap.Error(err))
			return
		}
		client.Run()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("admin http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
			)
		})
	}
}
