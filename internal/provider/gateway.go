// Package provider adapts the external QR-payment API to a fixed internal
// contract. Provider quirks (field names, number encodings, envelopes) stop here.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/creditops/internal/domain"
	"golang.org/x/time/rate"
)

// DefaultMinAmount is the smallest payment the provider accepts, in whole units.
const DefaultMinAmount = 10

const maxResponseBytes = 4 << 20

var providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "creditops_provider_request_duration_seconds",
	Help:    "Latency of payment provider calls",
	Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"operation", "outcome"})

type Config struct {
	BaseURL    string
	AccountID  string
	APIKey     string
	MerchantID string
	MinAmount  int64
	Timeout    time.Duration
	// RatePerSecond caps outbound calls; zero disables the limiter.
	RatePerSecond float64
	Burst         int
}

type CreatedPayment struct {
	PaymentID  string
	StatusCode int
	Message    string
}

type PaymentDetail struct {
	PaymentID string
	// QRPayload is bare base64 image data.
	QRPayload                string
	ExpectedAmountMinorUnits int64
	ExpectedAmount           int64
	TimeoutSeconds           int64
	ProviderStatus           string
}

type Confirmation struct {
	IsPaid         bool
	AmountReceived int64
	PaidAt         time.Time
}

type Gateway struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewGateway(cfg Config, logger *slog.Logger) *Gateway {
	if cfg.MinAmount <= 0 {
		cfg.MinAmount = DefaultMinAmount
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Gateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

func (g *Gateway) MinAmount() int64 {
	return g.cfg.MinAmount
}

// CreatePayment opens a payment for amount whole units.
func (g *Gateway) CreatePayment(ctx context.Context, amount int64, referenceCode string) (CreatedPayment, error) {
	if amount < g.cfg.MinAmount {
		return CreatedPayment{}, domain.ErrAmountTooSmall
	}

	f, err := g.do(ctx, "create", http.MethodPost, "/payments", map[string]any{
		"merchant_id":    g.cfg.MerchantID,
		"amount":         amount,
		"reference_code": referenceCode,
	})
	if err != nil {
		return CreatedPayment{}, err
	}

	id := f.str("id_pay")
	if id == "" {
		return CreatedPayment{}, fmt.Errorf("%w: create response without id_pay", domain.ErrProviderUnavailable)
	}
	return CreatedPayment{
		PaymentID:  id,
		StatusCode: statusCode(f),
		Message:    f.str("message"),
	}, nil
}

// GetPaymentDetail fetches the QR image and the amount the payer must transfer.
func (g *Gateway) GetPaymentDetail(ctx context.Context, paymentID string) (PaymentDetail, error) {
	f, err := g.do(ctx, "detail", http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return PaymentDetail{}, err
	}

	qr, err := normalizeQR(f)
	if err != nil {
		return PaymentDetail{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	minor, ok := f.int("amount")
	if !ok || minor <= 0 {
		return PaymentDetail{}, fmt.Errorf("%w: detail response without amount", domain.ErrProviderUnavailable)
	}
	timeout, _ := f.int("timeout")

	return PaymentDetail{
		PaymentID:                paymentID,
		QRPayload:                qr,
		ExpectedAmountMinorUnits: minor,
		ExpectedAmount:           minor / 100,
		TimeoutSeconds:           timeout,
		ProviderStatus:           f.str("pay_status"),
	}, nil
}

// ConfirmPayment asks the provider whether paymentID has been paid. It only
// reports provider state and is safe to call repeatedly.
func (g *Gateway) ConfirmPayment(ctx context.Context, paymentID, clientIP string) (Confirmation, error) {
	f, err := g.do(ctx, "confirm", http.MethodPost, "/payments/"+url.PathEscape(paymentID)+"/check", map[string]any{
		"merchant_id": g.cfg.MerchantID,
		"id_pay":      paymentID,
		"ip":          clientIP,
	})
	if err != nil {
		return Confirmation{}, err
	}

	amount, _ := f.int("amount")
	return Confirmation{
		IsPaid:         f.bool("paid"),
		AmountReceived: amount,
		PaidAt:         f.time("paid_at"),
	}, nil
}

func (g *Gateway) do(ctx context.Context, op, method, path string, body any) (f fields, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		providerLatency.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Account-Id", g.cfg.AccountID)
	req.Header.Set("X-Api-Key", g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.WarnContext(ctx, "provider request failed", "operation", op, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.logger.WarnContext(ctx, "provider returned non-2xx", "operation", op, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: http %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}

	f, err = decodeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed body: %v", domain.ErrProviderUnavailable, err)
	}
	if !statusOK(f) {
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrProviderUnavailable, statusCode(f), f.str("message"))
	}
	return f, nil
}
