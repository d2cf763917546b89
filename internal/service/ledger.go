package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/creditops/internal/clock"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/store"
)

var (
	ledgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditops_ledger_mutations_total",
		Help: "Ledger mutations by transaction type and outcome",
	}, []string{"type", "outcome"})

	creditsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditops_ledger_credits_total",
		Help: "Credits added or removed, by transaction type",
	}, []string{"type"})
)

// MutationResult reports a balance change. Duplicate is set when the paymentId
// had already been processed and nothing changed.
type MutationResult struct {
	NewBalance   int64                    `json:"newBalance"`
	CreditsAdded int64                    `json:"creditsAdded,omitempty"`
	CreditsSpent int64                    `json:"creditsSpent,omitempty"`
	Duplicate    bool                     `json:"duplicate,omitempty"`
	Transaction  *domain.CreditTransaction `json:"transaction,omitempty"`
}

// Ledger owns every balance mutation. All writes go through one store
// transaction per call; nothing is cached in process.
type Ledger struct {
	store           store.Store
	clock           clock.Clock
	startingBalance int64
	logger          *slog.Logger
}

func NewLedger(st store.Store, clk clock.Clock, startingBalance int64, logger *slog.Logger) *Ledger {
	return &Ledger{store: st, clock: clk, startingBalance: startingBalance, logger: logger}
}

// GetBalance returns the balance, creating the account with the starting
// balance on first use.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	acc, err := l.store.GetOrCreateAccount(ctx, userID, l.startingBalance, l.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return acc.Balance, nil
}

func (l *Ledger) AddCredits(ctx context.Context, userID string, amount int64, paymentID, description string) (MutationResult, error) {
	return l.credit(ctx, domain.TransactionTopup, userID, amount, paymentID, description)
}

// RefundCredits returns credits to a user, e.g. for a failed purchase.
func (l *Ledger) RefundCredits(ctx context.Context, userID string, amount int64, paymentID, description string) (MutationResult, error) {
	return l.credit(ctx, domain.TransactionRefund, userID, amount, paymentID, description)
}

func (l *Ledger) credit(ctx context.Context, typ domain.TransactionType, userID string, amount int64, paymentID, description string) (MutationResult, error) {
	if amount <= 0 {
		ledgerMutations.WithLabelValues(string(typ), "invalid").Inc()
		return MutationResult{}, domain.ErrInvalidAmount
	}

	acc, txn, err := l.store.Credit(ctx, store.Mutation{
		UserID:          userID,
		Amount:          amount,
		Type:            typ,
		PaymentID:       paymentID,
		Source:          domain.SourceAPI,
		Description:     description,
		At:              l.clock.Now(),
		StartingBalance: l.startingBalance,
	})
	if errors.Is(err, domain.ErrDuplicatePayment) {
		return l.duplicate(ctx, typ, userID, paymentID)
	}
	if err != nil {
		ledgerMutations.WithLabelValues(string(typ), "error").Inc()
		return MutationResult{}, fmt.Errorf("%s credits: %w", typ, err)
	}
	mustNotBeNegative(acc)

	ledgerMutations.WithLabelValues(string(typ), "applied").Inc()
	creditsMoved.WithLabelValues(string(typ)).Add(float64(amount))
	l.logger.InfoContext(ctx, "credits added",
		"user_id", userID,
		"type", typ,
		"amount", amount,
		"payment_id", paymentID,
		"balance", acc.Balance,
	)
	return MutationResult{NewBalance: acc.Balance, CreditsAdded: amount, Transaction: &txn}, nil
}

// SpendCredits removes credits from an existing account. A non-empty paymentID
// makes the call idempotent.
func (l *Ledger) SpendCredits(ctx context.Context, userID string, amount int64, paymentID, description string) (MutationResult, error) {
	typ := domain.TransactionSpend
	if amount <= 0 {
		ledgerMutations.WithLabelValues(string(typ), "invalid").Inc()
		return MutationResult{}, domain.ErrInvalidAmount
	}

	acc, txn, err := l.store.Debit(ctx, store.Mutation{
		UserID:      userID,
		Amount:      amount,
		Type:        typ,
		PaymentID:   paymentID,
		Source:      domain.SourceAPI,
		Description: description,
		At:          l.clock.Now(),
	})
	switch {
	case errors.Is(err, domain.ErrDuplicatePayment):
		return l.duplicate(ctx, typ, userID, paymentID)
	case errors.Is(err, domain.ErrInsufficientCredits):
		ledgerMutations.WithLabelValues(string(typ), "insufficient").Inc()
		return MutationResult{NewBalance: acc.Balance}, err
	case errors.Is(err, domain.ErrAccountNotFound):
		ledgerMutations.WithLabelValues(string(typ), "not_found").Inc()
		return MutationResult{}, err
	case err != nil:
		ledgerMutations.WithLabelValues(string(typ), "error").Inc()
		return MutationResult{}, fmt.Errorf("spend credits: %w", err)
	}
	mustNotBeNegative(acc)

	ledgerMutations.WithLabelValues(string(typ), "applied").Inc()
	creditsMoved.WithLabelValues(string(typ)).Add(float64(amount))
	l.logger.InfoContext(ctx, "credits spent",
		"user_id", userID,
		"amount", amount,
		"payment_id", paymentID,
		"balance", acc.Balance,
	)
	return MutationResult{NewBalance: acc.Balance, CreditsSpent: amount, Transaction: &txn}, nil
}

// TransactionHistory returns ledger entries newest first.
func (l *Ledger) TransactionHistory(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	txns, err := l.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("transaction history: %w", err)
	}
	return txns, nil
}

// SettlePayment confirms a pending session and credits its owner. It is the
// only path by which a payment session turns into credits; a session that is
// already confirmed yields domain.ErrDuplicatePayment.
func (l *Ledger) SettlePayment(ctx context.Context, paymentID string, source domain.ConfirmSource) (domain.Settlement, error) {
	typ := domain.TransactionTopup
	st, err := l.store.SettleSession(ctx, store.SettleRequest{
		PaymentID:       paymentID,
		Source:          source,
		Description:     fmt.Sprintf("Topup %s (%s)", paymentID, source),
		StartingBalance: l.startingBalance,
		At:              l.clock.Now(),
	})
	if errors.Is(err, domain.ErrDuplicatePayment) {
		ledgerMutations.WithLabelValues(string(typ), "duplicate").Inc()
		l.logger.InfoContext(ctx, "payment already settled", "payment_id", paymentID, "source", source)
		return st, err
	}
	if err != nil {
		ledgerMutations.WithLabelValues(string(typ), "rejected").Inc()
		return st, err
	}
	mustNotBeNegative(st.Account)

	ledgerMutations.WithLabelValues(string(typ), "applied").Inc()
	creditsMoved.WithLabelValues(string(typ)).Add(float64(st.Transaction.Amount))
	l.logger.InfoContext(ctx, "payment settled",
		"payment_id", paymentID,
		"user_id", st.Session.UserID,
		"source", source,
		"credits", st.Transaction.Amount,
		"balance", st.Account.Balance,
	)
	return st, nil
}

func (l *Ledger) duplicate(ctx context.Context, typ domain.TransactionType, userID, paymentID string) (MutationResult, error) {
	ledgerMutations.WithLabelValues(string(typ), "duplicate").Inc()
	l.logger.InfoContext(ctx, "duplicate payment ignored", "user_id", userID, "payment_id", paymentID)

	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return MutationResult{}, fmt.Errorf("read balance after duplicate: %w", err)
	}
	return MutationResult{NewBalance: acc.Balance, Duplicate: true}, nil
}

// A negative balance means a store broke its contract; refuse to continue.
func mustNotBeNegative(acc domain.CreditAccount) {
	if acc.Balance < 0 {
		panic(fmt.Sprintf("ledger: account %s has negative balance %d", acc.UserID, acc.Balance))
	}
}
