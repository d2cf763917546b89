package domain

import (
	"time"
)

// CreditAccount holds a user's credit balance.
// Balance must never drop below zero.
type CreditAccount struct {
	UserID      string    `json:"userId"`
	Balance     int64     `json:"balance"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type TransactionType string

const (
	TransactionTopup  TransactionType = "topup"
	TransactionSpend  TransactionType = "spend"
	TransactionRefund TransactionType = "refund"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTopup, TransactionSpend, TransactionRefund:
		return true
	}
	return false
}

// CreditTransaction is one immutable ledger entry.
// Amount is signed: positive for topup/refund, negative for spend.
type CreditTransaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	Amount       int64           `json:"amount"`
	Type         TransactionType `json:"type"`
	PaymentID    string          `json:"paymentId,omitempty"`
	Description  string          `json:"description"`
	BalanceAfter int64           `json:"balanceAfter"`
	Timestamp    time.Time       `json:"timestamp"`
}

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionConfirmed SessionStatus = "confirmed"
	SessionExpired   SessionStatus = "expired"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s != SessionPending
}

// ConfirmSource names the trigger that settled a payment.
type ConfirmSource string

const (
	SourceAutoCheck ConfirmSource = "auto_check"
	SourceManual    ConfirmSource = "manual"
	SourceWebhook   ConfirmSource = "webhook"
	// SourceAPI marks direct ledger mutations carrying a paymentId.
	SourceAPI ConfirmSource = "api"
)

// PaymentSession is one attempt to convert an external payment into credits.
type PaymentSession struct {
	PaymentID       string        `json:"paymentId"`
	ReferenceCode   string        `json:"referenceCode"`
	UserID          string        `json:"userId"`
	TenantID        string        `json:"tenantId,omitempty"`
	RequestedAmount int64         `json:"requestedAmount"`
	ExpectedAmount  int64         `json:"expectedAmount"`
	CreditRate      int64         `json:"creditRate"`
	QRPayload       string        `json:"qrPayload"`
	TimeoutSeconds  int64         `json:"timeoutSeconds"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"createdAt"`
	ExpiresAt       time.Time     `json:"expiresAt"`
	ClosedAt        *time.Time    `json:"closedAt,omitempty"`
	ConfirmedBy     ConfirmSource `json:"confirmedBy,omitempty"`
}

// Credits is the amount of credits granted when the session is confirmed.
func (s PaymentSession) Credits() int64 {
	return s.RequestedAmount * s.CreditRate
}

// ExpiredAt reports whether the validity window has elapsed at now.
func (s PaymentSession) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// CanTransition reports whether the session state machine allows from -> to.
func CanTransition(from, to SessionStatus) bool {
	return from == SessionPending && to != SessionPending
}

// ProcessedPayment records that a paymentId has credited an account.
// The PaymentID is unique across the ledger.
type ProcessedPayment struct {
	PaymentID   string        `json:"paymentId"`
	UserID      string        `json:"userId"`
	Credits     int64         `json:"credits"`
	Source      ConfirmSource `json:"source"`
	ProcessedAt time.Time     `json:"processedAt"`
}

// Settlement is the outcome of crediting a confirmed payment session.
type Settlement struct {
	Session     PaymentSession    `json:"session"`
	Account     CreditAccount     `json:"account"`
	Transaction CreditTransaction `json:"transaction"`
}
