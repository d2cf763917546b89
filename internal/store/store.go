package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/creditops/internal/domain"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrSessionExists     = errors.New("payment session already exists")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Mutation describes one balance change. Amount is the positive magnitude;
// the direction follows from the operation (Credit or Debit).
type Mutation struct {
	UserID      string
	Amount      int64
	Type        domain.TransactionType
	PaymentID   string
	Source      domain.ConfirmSource
	Description string
	At          time.Time

	// StartingBalance seeds the account when Credit creates it.
	StartingBalance int64
}

// SettleRequest asks the store to confirm a pending session and credit its
// owner in the same transaction.
type SettleRequest struct {
	PaymentID       string
	Source          domain.ConfirmSource
	Description     string
	StartingBalance int64
	At              time.Time
}

// Store is the single authority for accounts, ledger entries, payment
// sessions and the processed payment set. Every method that mutates a balance
// runs as one atomic transaction scoped to the account.
type Store interface {
	// GetOrCreateAccount returns the account, creating it with startingBalance if absent.
	GetOrCreateAccount(ctx context.Context, userID string, startingBalance int64, at time.Time) (domain.CreditAccount, error)
	GetAccount(ctx context.Context, userID string) (domain.CreditAccount, error)

	// Credit adds m.Amount. A non-empty PaymentID is claimed first and a
	// second claim fails with domain.ErrDuplicatePayment.
	Credit(ctx context.Context, m Mutation) (domain.CreditAccount, domain.CreditTransaction, error)
	// Debit subtracts m.Amount from an existing account.
	Debit(ctx context.Context, m Mutation) (domain.CreditAccount, domain.CreditTransaction, error)
	// ListTransactions returns entries newest first. limit <= 0 means no limit.
	ListTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
	GetProcessedPayment(ctx context.Context, paymentID string) (domain.ProcessedPayment, error)

	CreateSession(ctx context.Context, s domain.PaymentSession) error
	GetSession(ctx context.Context, paymentID string) (domain.PaymentSession, error)
	GetSessionByReference(ctx context.Context, referenceCode string) (domain.PaymentSession, error)
	ListPendingSessions(ctx context.Context) ([]domain.PaymentSession, error)
	// CloseSession moves a pending session to expired or cancelled. A session
	// that is already terminal is returned together with its closed error.
	CloseSession(ctx context.Context, paymentID string, to domain.SessionStatus, at time.Time) (domain.PaymentSession, error)
	// SettleSession moves a pending session to confirmed, claims its paymentId
	// and credits RequestedAmount*CreditRate, all or nothing.
	SettleSession(ctx context.Context, req SettleRequest) (domain.Settlement, error)

	Close()
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
