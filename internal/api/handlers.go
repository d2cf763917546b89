package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/models"
	"github.com/punchamoorthee/creditops/internal/service"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBodyBytes        = 1 << 20
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.BalanceResponse{UserID: userID, Balance: balance})
}

func (h *Handler) MutateCreditsHandler(w http.ResponseWriter, r *http.Request) {
	// 1. Decode
	var req models.MutateCreditsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// 2. Business Validations
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Amount <= 0 {
		respondWithError(w, http.StatusUnprocessableEntity, "Positive amount required")
		return
	}
	typ := domain.TransactionType(strings.ToLower(req.Type))
	if typ == "" {
		typ = domain.TransactionTopup
	}
	if !typ.Valid() {
		respondWithError(w, http.StatusBadRequest, "type must be topup, refund or spend")
		return
	}

	// 3. Call Ledger
	var (
		res service.MutationResult
		err error
	)
	switch typ {
	case domain.TransactionTopup:
		res, err = h.ledger.AddCredits(r.Context(), req.UserID, req.Amount, req.PaymentID, req.Description)
	case domain.TransactionRefund:
		res, err = h.ledger.RefundCredits(r.Context(), req.UserID, req.Amount, req.PaymentID, req.Description)
	case domain.TransactionSpend:
		res, err = h.ledger.SpendCredits(r.Context(), req.UserID, req.Amount, req.PaymentID, req.Description)
	}
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	resp := models.MutateCreditsResponse{
		UserID:       req.UserID,
		Type:         typ,
		NewBalance:   res.NewBalance,
		CreditsAdded: res.CreditsAdded,
		CreditsSpent: res.CreditsSpent,
		Duplicate:    res.Duplicate,
		Transaction:  res.Transaction,
	}

	// Replays of a processed paymentId are a no-op success
	if res.Duplicate {
		respondWithJSON(w, http.StatusOK, resp)
		return
	}
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *Handler) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	txns, err := h.ledger.TransactionHistory(r.Context(), userID, limit)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if txns == nil {
		txns = []domain.CreditTransaction{}
	}
	respondWithJSON(w, http.StatusOK, models.TransactionsResponse{UserID: userID, Transactions: txns})
}

func (h *Handler) StartTopupHandler(w http.ResponseWriter, r *http.Request) {
	var req models.StartTopupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "userId is required")
		return
	}

	s, err := h.topups.StartTopup(r.Context(), service.TopupRequest{
		UserID:   req.UserID,
		TenantID: req.TenantID,
		Amount:   req.Amount,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/topups/"+s.PaymentID)
	respondWithJSON(w, http.StatusCreated, h.topupResponse(s))
}

func (h *Handler) GetTopupHandler(w http.ResponseWriter, r *http.Request) {
	s, err := h.topups.Session(r.Context(), mux.Vars(r)["paymentId"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.topupResponse(s))
}

func (h *Handler) ConfirmTopupHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["paymentId"]

	// an empty body means the prompt was not acknowledged
	var req models.ConfirmTopupRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	st, err := h.topups.ConfirmManual(r.Context(), paymentID, clientIP(r), req.Confirm)
	if errors.Is(err, domain.ErrDuplicatePayment) {
		// another trigger credited it first
		balance, berr := h.ledger.GetBalance(r.Context(), st.Session.UserID)
		if berr != nil {
			h.respondWithDomainError(w, r, berr)
			return
		}
		respondWithJSON(w, http.StatusOK, models.ConfirmTopupResponse{
			Session:    st.Session,
			NewBalance: balance,
			Duplicate:  true,
		})
		return
	}
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, models.ConfirmTopupResponse{
		Session:      st.Session,
		CreditsAdded: st.Transaction.Amount,
		NewBalance:   st.Account.Balance,
	})
}

func (h *Handler) CancelTopupHandler(w http.ResponseWriter, r *http.Request) {
	s, err := h.topups.Cancel(r.Context(), mux.Vars(r)["paymentId"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.topupResponse(s))
}

// StopWatchingHandler is called when the payer closes the payment page.
func (h *Handler) StopWatchingHandler(w http.ResponseWriter, r *http.Request) {
	h.topups.StopWatching(mux.Vars(r)["paymentId"])
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) topupResponse(s domain.PaymentSession) models.TopupResponse {
	return models.TopupResponse{
		PaymentSession: s,
		Credits:        s.Credits(),
		Watching:       h.topups.Watching(s.PaymentID),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}
