// Package providertest is an in-process stand-in for the QR-payment provider.
// It speaks the same wire format the gateway expects and can deliver signed
// webhooks, so it backs both the tests and the local fakeprovider binary.
package providertest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/creditops/internal/webhook"
)

// A 1x1 PNG, enough for clients that only check the payload decodes.
var pixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89,
}

type Payment struct {
	ID            string
	ReferenceCode string
	Amount        int64
	Paid          bool
	PaidAmount    int64
	PaidAt        time.Time
	ConfirmCalls  int
}

type Server struct {
	AccountID string
	APIKey    string

	// QRField selects the response field carrying the QR image, mimicking
	// the provider's inconsistent naming. "qr_text" returns a raw string.
	QRField string
	// AmountOffsetMinor is added to the expected amount, like the provider's
	// amount-matching suffix.
	AmountOffsetMinor int64
	TimeoutSeconds    int64

	// WebhookURL and WebhookSecret enable DeliverWebhook.
	WebhookURL    string
	WebhookSecret string

	mu       sync.Mutex
	seq      int
	payments map[string]*Payment
	failNext int
	client   *http.Client
}

func New(accountID, apiKey string) *Server {
	return &Server{
		AccountID:      accountID,
		APIKey:         apiKey,
		QRField:        "qr_image",
		TimeoutSeconds: 600,
		payments:       make(map[string]*Payment),
		client:         &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.authenticate, s.injectFailures)
	r.HandleFunc("/payments", s.create).Methods(http.MethodPost)
	r.HandleFunc("/payments/{id}", s.detail).Methods(http.MethodGet)
	r.HandleFunc("/payments/{id}/check", s.check).Methods(http.MethodPost)
	r.HandleFunc("/admin/payments/{id}/pay", s.adminPay).Methods(http.MethodPost)
	return r
}

// FailNext makes the next n requests answer 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// MarkPaid records that the payer transferred amount whole units.
func (s *Server) MarkPaid(paymentID string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[paymentID]; ok {
		p.Paid = true
		p.PaidAmount = amount
		p.PaidAt = time.Now().UTC()
	}
}

func (s *Server) Payment(paymentID string) (Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return Payment{}, false
	}
	return *p, true
}

func (s *Server) ConfirmCalls(paymentID string) int {
	p, _ := s.Payment(paymentID)
	return p.ConfirmCalls
}

// WebhookBody builds the signed body the provider posts for a paid payment.
func (s *Server) WebhookBody(paymentID string) ([]byte, error) {
	p, ok := s.Payment(paymentID)
	if !ok {
		return nil, fmt.Errorf("unknown payment %s", paymentID)
	}
	amount := p.PaidAmount
	if amount == 0 {
		amount = p.Amount
	}
	data, err := json.Marshal(map[string]any{
		"id_pay":     p.ID,
		"amount":     amount,
		"request_id": p.ReferenceCode,
		"paid_at":    p.PaidAt.Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(webhook.Envelope{
		Data:      string(data),
		Signature: webhook.Sign(string(data), s.WebhookSecret),
	})
}

// DeliverWebhook posts the signed notification for paymentID to WebhookURL.
func (s *Server) DeliverWebhook(ctx context.Context, paymentID string) (int, error) {
	body, err := s.WebhookBody(paymentID)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAdmin(r) {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Account-Id") != s.AccountID || r.Header.Get("X-Api-Key") != s.APIKey {
			writeJSON(w, http.StatusOK, map[string]any{"status": -1, "message": "invalid credentials"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		fail := s.failNext > 0 && !isAdmin(r)
		if fail {
			s.failNext--
		}
		s.mu.Unlock()
		if fail {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount        int64  `json:"amount"`
		ReferenceCode string `json:"reference_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": 0, "message": "bad json"})
		return
	}
	if req.Amount < 10 {
		writeJSON(w, http.StatusOK, map[string]any{"status": 2, "message": "amount too small"})
		return
	}

	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("PAY%06d", s.seq)
	s.payments[id] = &Payment{ID: id, ReferenceCode: req.ReferenceCode, Amount: req.Amount}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"status": 1, "message": "created", "id_pay": id})
}

func (s *Server) detail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	p, ok := s.payments[id]
	var (
		amount int64
		paid   bool
	)
	if ok {
		amount = p.Amount*100 + s.AmountOffsetMinor
		paid = p.Paid
	}
	qrField, timeout := s.QRField, s.TimeoutSeconds
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"status": 3, "message": "payment not found"})
		return
	}

	data := map[string]any{
		"amount":     amount,
		"timeout":    timeout,
		"pay_status": map[bool]string{true: "paid", false: "waiting"}[paid],
	}
	switch qrField {
	case "qr_text", "qr_string":
		data[qrField] = "00020101021238570010A000000727012700069704220113PAY" + id + "5303704"
	case "qr_data_url":
		data[qrField] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(pixelPNG)
	default:
		data[qrField] = base64.StdEncoding.EncodeToString(pixelPNG)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": 1, "data": data})
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	p, ok := s.payments[id]
	var resp map[string]any
	if ok {
		p.ConfirmCalls++
		resp = map[string]any{
			"status": 1,
			"paid":   map[bool]int{true: 1, false: 0}[p.Paid],
			"amount": p.PaidAmount,
		}
		if p.Paid {
			resp["paid_at"] = p.PaidAt.Format(time.RFC3339)
		}
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"status": 3, "message": "payment not found"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) adminPay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.Payment(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.MarkPaid(id, p.Amount)

	result := map[string]any{"status": 1, "id_pay": id}
	if s.WebhookURL != "" && r.URL.Query().Get("notify") != "false" {
		code, err := s.DeliverWebhook(r.Context(), id)
		result["webhook_status"] = code
		if err != nil {
			result["webhook_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func isAdmin(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/admin/")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
