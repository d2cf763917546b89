package models

import "github.com/punchamoorthee/creditops/internal/domain"

// BalanceResponse is returned by the balance query.
type BalanceResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

// MutateCreditsRequest is the payload of a direct ledger mutation.
// Type is topup, refund or spend; topup is assumed when empty.
type MutateCreditsRequest struct {
	UserID      string `json:"userId"`
	Amount      int64  `json:"amount"`
	PaymentID   string `json:"paymentId"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type MutateCreditsResponse struct {
	UserID       string                    `json:"userId"`
	Type         domain.TransactionType    `json:"type"`
	NewBalance   int64                     `json:"newBalance"`
	CreditsAdded int64                     `json:"creditsAdded,omitempty"`
	CreditsSpent int64                     `json:"creditsSpent,omitempty"`
	Duplicate    bool                      `json:"duplicate"`
	Transaction  *domain.CreditTransaction `json:"transaction,omitempty"`
}

type TransactionsResponse struct {
	UserID       string                     `json:"userId"`
	Transactions []domain.CreditTransaction `json:"transactions"`
}

// StartTopupRequest opens a payment session for Amount whole currency units.
type StartTopupRequest struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Amount   int64  `json:"amount"`
}

// TopupResponse is the payer-facing view of a payment session.
type TopupResponse struct {
	domain.PaymentSession
	Credits  int64 `json:"credits"`
	Watching bool  `json:"watching"`
}

// ConfirmTopupRequest carries the payer's answer to the confirmation prompt.
type ConfirmTopupRequest struct {
	Confirm bool `json:"confirm"`
}

type ConfirmTopupResponse struct {
	Session      domain.PaymentSession `json:"session"`
	CreditsAdded int64                 `json:"creditsAdded"`
	NewBalance   int64                 `json:"newBalance"`
	Duplicate    bool                  `json:"duplicate"`
}
