package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every route. limiter may be nil to disable rate limiting.
func NewRouter(h *Handler, limiter *RateLimiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if limiter != nil {
		v1.Use(limiter.Limit)
	}
	v1.HandleFunc("/credits", h.MutateCreditsHandler).Methods(http.MethodPost)
	v1.HandleFunc("/credits/{userId}", h.GetBalanceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/credits/{userId}/transactions", h.GetTransactionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/topups", h.StartTopupHandler).Methods(http.MethodPost)
	v1.HandleFunc("/topups/{paymentId}", h.GetTopupHandler).Methods(http.MethodGet)
	v1.HandleFunc("/topups/{paymentId}/confirm", h.ConfirmTopupHandler).Methods(http.MethodPost)
	v1.HandleFunc("/topups/{paymentId}/cancel", h.CancelTopupHandler).Methods(http.MethodPost)
	v1.HandleFunc("/topups/{paymentId}/watch", h.StopWatchingHandler).Methods(http.MethodDelete)

	hooks := r.PathPrefix("/webhooks").Subrouter()
	if limiter != nil {
		hooks.Use(limiter.Limit)
	}
	hooks.Handle("/provider", h.webhook).Methods(http.MethodPost)

	return r
}
