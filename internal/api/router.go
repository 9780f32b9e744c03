package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RouterConfig collects the handlers mounted on the server.
type RouterConfig struct {
	Webhooks *WebhookHandlers
	Health   *HealthHandlers
	Metrics  http.Handler // optional, mounted at /metrics
}

// NewRouter builds the HTTP routes of the reconciliation service.
func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/webhooks/{provider}", cfg.Webhooks.HandleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/health", cfg.Health.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", cfg.Health.Ready).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
	})
	return r
}
