package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creditops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "endpoint"})
)

type Ledger interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	AddCredits(ctx context.Context, userID string, amount int64, paymentID, description string) (service.MutationResult, error)
	RefundCredits(ctx context.Context, userID string, amount int64, paymentID, description string) (service.MutationResult, error)
	SpendCredits(ctx context.Context, userID string, amount int64, paymentID, description string) (service.MutationResult, error)
	TransactionHistory(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
}

type Topups interface {
	StartTopup(ctx context.Context, req service.TopupRequest) (domain.PaymentSession, error)
	Session(ctx context.Context, paymentID string) (domain.PaymentSession, error)
	ConfirmManual(ctx context.Context, paymentID, clientIP string, acknowledged bool) (domain.Settlement, error)
	Cancel(ctx context.Context, paymentID string) (domain.PaymentSession, error)
	StopWatching(paymentID string) bool
	Watching(paymentID string) bool
}

type Handler struct {
	ledger  Ledger
	topups  Topups
	webhook http.Handler
	logger  *slog.Logger
}

func NewHandler(ledger Ledger, topups Topups, webhook http.Handler, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, topups: topups, webhook: webhook, logger: logger}
}

// respondWithDomainError maps service errors onto HTTP statuses.
func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrAmountTooSmall):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrInvalidAmount):
		respondWithError(w, http.StatusUnprocessableEntity, "Positive amount required")
	case errors.Is(err, domain.ErrInsufficientCredits):
		respondWithError(w, http.StatusUnprocessableEntity, "Insufficient credits")
	case errors.Is(err, domain.ErrConfirmationRequired):
		respondWithError(w, http.StatusUnprocessableEntity, "Payment confirmation must be acknowledged")
	case errors.Is(err, domain.ErrAccountNotFound):
		respondWithError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, domain.ErrSessionNotFound):
		respondWithError(w, http.StatusNotFound, "Payment session not found")
	case errors.Is(err, domain.ErrSessionExpired):
		respondWithError(w, http.StatusGone, "Payment session expired, please start a new payment")
	case errors.Is(err, domain.ErrSessionCancelled):
		respondWithError(w, http.StatusConflict, "Payment session cancelled")
	case errors.Is(err, domain.ErrDuplicatePayment):
		respondWithError(w, http.StatusConflict, "Payment already confirmed")
	case errors.Is(err, domain.ErrPaymentNotReceived):
		respondWithError(w, http.StatusPaymentRequired, "Payment not received yet")
	case errors.Is(err, domain.ErrUnderpaid):
		respondWithError(w, http.StatusPaymentRequired, "Amount received is below the expected amount, please contact support")
	case errors.Is(err, domain.ErrProviderUnavailable):
		respondWithError(w, http.StatusBadGateway, "Payment provider unavailable, please retry")
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "url", r.URL.String(), "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
