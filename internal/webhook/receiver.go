// Package webhook receives the provider's signed payment notifications.
package webhook

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/creditops/internal/domain"
)

const maxBodyBytes = 64 << 10

var (
	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditops_webhooks_total",
		Help: "Provider webhooks by outcome",
	}, []string{"outcome"})

	supportCases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditops_webhook_support_cases_total",
		Help: "Paid notifications that could not be credited automatically",
	}, []string{"reason"})
)

// Envelope is the body the provider posts. Data is a JSON document encoded as
// a string, and Signature covers it byte for byte.
type Envelope struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

// Notification is the decoded Data of a paid notification.
type Notification struct {
	PaymentID     string
	ReferenceCode string
	Amount        int64
	PaidAt        time.Time
}

// Payments settles a paid notification. Implemented by the confirmation engine.
type Payments interface {
	HandlePaid(ctx context.Context, n Notification) (domain.Settlement, error)
}

type Receiver struct {
	secret   string
	payments Payments
	logger   *slog.Logger
}

func NewReceiver(secret string, payments Payments, logger *slog.Logger) *Receiver {
	return &Receiver{secret: secret, payments: payments, logger: logger}
}

// Sign returns hex(MD5(data + ":" + secret)).
func Sign(data, secret string) string {
	sum := md5.Sum([]byte(data + ":" + secret))
	return hex.EncodeToString(sum[:])
}

// Verify compares the signature in constant time.
func Verify(data, signature, secret string) bool {
	expected := Sign(data, secret)
	got := strings.ToLower(strings.TrimSpace(signature))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// ParseNotification decodes the signed data document. id_pay and amount are
// required; the provider sends numbers either bare or quoted.
func ParseNotification(data string) (Notification, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	n := Notification{
		PaymentID:     scalar(doc["id_pay"]),
		ReferenceCode: scalar(doc["request_id"]),
	}
	if n.PaymentID == "" {
		return Notification{}, fmt.Errorf("%w: missing id_pay", domain.ErrMalformedPayload)
	}

	amount, err := parseAmount(scalar(doc["amount"]))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: amount: %v", domain.ErrMalformedPayload, err)
	}
	n.Amount = amount

	if paidAt := scalar(doc["paid_at"]); paidAt != "" {
		n.PaidAt = parsePaidAt(paidAt)
	}
	return n, nil
}

// Handle verifies and settles one notification. Outcomes that the provider
// must not retry (duplicates, late or short payments) return a nil error.
func (r *Receiver) Handle(ctx context.Context, env Envelope) error {
	if env.Data == "" || env.Signature == "" {
		webhooksTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: data and signature are required", domain.ErrMalformedPayload)
	}
	if !Verify(env.Data, env.Signature, r.secret) {
		webhooksTotal.WithLabelValues("bad_signature").Inc()
		r.logger.WarnContext(ctx, "webhook signature mismatch")
		return domain.ErrInvalidSignature
	}

	n, err := ParseNotification(env.Data)
	if err != nil {
		webhooksTotal.WithLabelValues("malformed").Inc()
		r.logger.WarnContext(ctx, "webhook payload rejected", "error", err)
		return err
	}

	log := r.logger.With("payment_id", n.PaymentID, "reference_code", n.ReferenceCode, "amount", n.Amount)

	settlement, err := r.payments.HandlePaid(ctx, n)
	switch {
	case err == nil:
		webhooksTotal.WithLabelValues("credited").Inc()
		log.InfoContext(ctx, "webhook credited payment",
			"user_id", settlement.Session.UserID,
			"credits", settlement.Transaction.Amount,
			"balance", settlement.Account.Balance,
		)
		return nil
	case errors.Is(err, domain.ErrDuplicatePayment):
		webhooksTotal.WithLabelValues("duplicate").Inc()
		log.InfoContext(ctx, "webhook for already processed payment")
		return nil
	case errors.Is(err, domain.ErrUnderpaid):
		r.supportCase(ctx, log, "underpaid", err)
		return nil
	case errors.Is(err, domain.ErrSessionExpired):
		r.supportCase(ctx, log, "late_payment", err)
		return nil
	case errors.Is(err, domain.ErrSessionCancelled):
		r.supportCase(ctx, log, "cancelled_session", err)
		return nil
	case errors.Is(err, domain.ErrSessionNotFound):
		webhooksTotal.WithLabelValues("unknown").Inc()
		log.WarnContext(ctx, "webhook for unknown payment")
		return fmt.Errorf("%w: %s", domain.ErrUnknownReference, n.PaymentID)
	default:
		webhooksTotal.WithLabelValues("error").Inc()
		log.ErrorContext(ctx, "webhook settlement failed", "error", err)
		return err
	}
}

func (r *Receiver) supportCase(ctx context.Context, log *slog.Logger, reason string, err error) {
	webhooksTotal.WithLabelValues("support_case").Inc()
	supportCases.WithLabelValues(reason).Inc()
	log.WarnContext(ctx, "paid notification needs manual review", "reason", reason, "error", err)
}

// ServeHTTP answers {"status":1} when the notification needs no redelivery.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var env Envelope
	body := http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		respond(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := r.Handle(req.Context(), env)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": 1})
	case errors.Is(err, domain.ErrInvalidSignature):
		respond(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrMalformedPayload):
		respond(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnknownReference):
		respond(w, http.StatusNotFound, err.Error())
	default:
		respond(w, http.StatusInternalServerError, "internal error")
	}
}

func respond(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"status": 0, "message": message})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func parseAmount(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("missing")
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	// float64(math.MaxInt64) rounds up to 2^63, which is already out of range
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%s out of range", s)
	}
	return int64(f), nil
}

func parsePaidAt(s string) time.Time {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
