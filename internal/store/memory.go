package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/creditops/internal/domain"
)

// Memory is an in-process Store. A single mutex serializes every operation,
// which gives the same all-or-nothing semantics as the Postgres transactions.
type Memory struct {
	mu         sync.Mutex
	accounts   map[string]*domain.CreditAccount
	entries    map[string][]domain.CreditTransaction
	sessions   map[string]*domain.PaymentSession
	references map[string]string
	processed  map[string]domain.ProcessedPayment
}

func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[string]*domain.CreditAccount),
		entries:    make(map[string][]domain.CreditTransaction),
		sessions:   make(map[string]*domain.PaymentSession),
		references: make(map[string]string),
		processed:  make(map[string]domain.ProcessedPayment),
	}
}

func (m *Memory) Close() {}

func (m *Memory) GetOrCreateAccount(_ context.Context, userID string, startingBalance int64, at time.Time) (domain.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.accountLocked(userID, startingBalance, at), nil
}

func (m *Memory) GetAccount(_ context.Context, userID string) (domain.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return domain.CreditAccount{}, domain.ErrAccountNotFound
	}
	return *acc, nil
}

func (m *Memory) Credit(_ context.Context, mut Mutation) (domain.CreditAccount, domain.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mut.PaymentID != "" {
		if _, ok := m.processed[mut.PaymentID]; ok {
			return domain.CreditAccount{}, domain.CreditTransaction{}, domain.ErrDuplicatePayment
		}
	}

	acc := m.accountLocked(mut.UserID, mut.StartingBalance, mut.At)
	txn := m.applyLocked(acc, mut.Amount, mut)
	m.claimLocked(mut, mut.Amount)
	return *acc, txn, nil
}

func (m *Memory) Debit(_ context.Context, mut Mutation) (domain.CreditAccount, domain.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mut.PaymentID != "" {
		if _, ok := m.processed[mut.PaymentID]; ok {
			return domain.CreditAccount{}, domain.CreditTransaction{}, domain.ErrDuplicatePayment
		}
	}

	acc, ok := m.accounts[mut.UserID]
	if !ok {
		return domain.CreditAccount{}, domain.CreditTransaction{}, domain.ErrAccountNotFound
	}
	if acc.Balance < mut.Amount {
		return *acc, domain.CreditTransaction{}, domain.ErrInsufficientCredits
	}

	txn := m.applyLocked(acc, -mut.Amount, mut)
	m.claimLocked(mut, -mut.Amount)
	return *acc, txn, nil
}

func (m *Memory) ListTransactions(_ context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := slices.Clone(m.entries[userID])
	slices.Reverse(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *Memory) GetProcessedPayment(_ context.Context, paymentID string) (domain.ProcessedPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processed[paymentID]
	if !ok {
		return domain.ProcessedPayment{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) CreateSession(_ context.Context, s domain.PaymentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.PaymentID]; ok {
		return ErrSessionExists
	}
	if _, ok := m.references[s.ReferenceCode]; ok {
		return ErrSessionExists
	}
	m.sessions[s.PaymentID] = &s
	m.references[s.ReferenceCode] = s.PaymentID
	return nil
}

func (m *Memory) GetSession(_ context.Context, paymentID string) (domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[paymentID]
	if !ok {
		return domain.PaymentSession{}, domain.ErrSessionNotFound
	}
	return *s, nil
}

func (m *Memory) GetSessionByReference(ctx context.Context, referenceCode string) (domain.PaymentSession, error) {
	m.mu.Lock()
	id, ok := m.references[referenceCode]
	m.mu.Unlock()
	if !ok {
		return domain.PaymentSession{}, domain.ErrSessionNotFound
	}
	return m.GetSession(ctx, id)
}

func (m *Memory) ListPendingSessions(_ context.Context) ([]domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.PaymentSession
	for _, s := range m.sessions {
		if s.Status == domain.SessionPending {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b domain.PaymentSession) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *Memory) CloseSession(_ context.Context, paymentID string, to domain.SessionStatus, at time.Time) (domain.PaymentSession, error) {
	if to != domain.SessionExpired && to != domain.SessionCancelled {
		return domain.PaymentSession{}, ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[paymentID]
	if !ok {
		return domain.PaymentSession{}, domain.ErrSessionNotFound
	}
	if !domain.CanTransition(s.Status, to) {
		return *s, domain.ClosedSessionError(s.Status)
	}
	s.Status = to
	s.ClosedAt = &at
	return *s, nil
}

func (m *Memory) SettleSession(_ context.Context, req SettleRequest) (domain.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[req.PaymentID]
	if !ok {
		return domain.Settlement{}, domain.ErrSessionNotFound
	}
	if s.Status != domain.SessionPending {
		return domain.Settlement{Session: *s}, domain.ClosedSessionError(s.Status)
	}
	if claimed, ok := m.processed[req.PaymentID]; ok {
		s.Status = domain.SessionConfirmed
		s.ConfirmedBy = claimed.Source
		closedAt := req.At
		s.ClosedAt = &closedAt
		return domain.Settlement{Session: *s}, domain.ErrClaimedOutsideSession
	}

	mut := Mutation{
		UserID:      s.UserID,
		Amount:      s.Credits(),
		Type:        domain.TransactionTopup,
		PaymentID:   s.PaymentID,
		Source:      req.Source,
		Description: req.Description,
		At:          req.At,
	}
	acc := m.accountLocked(s.UserID, req.StartingBalance, req.At)
	txn := m.applyLocked(acc, mut.Amount, mut)
	m.claimLocked(mut, mut.Amount)

	s.Status = domain.SessionConfirmed
	s.ConfirmedBy = req.Source
	closedAt := req.At
	s.ClosedAt = &closedAt

	return domain.Settlement{Session: *s, Account: *acc, Transaction: txn}, nil
}

func (m *Memory) accountLocked(userID string, startingBalance int64, at time.Time) *domain.CreditAccount {
	acc, ok := m.accounts[userID]
	if !ok {
		acc = &domain.CreditAccount{
			UserID:      userID,
			Balance:     startingBalance,
			CreatedAt:   at,
			LastUpdated: at,
		}
		m.accounts[userID] = acc
	}
	return acc
}

func (m *Memory) applyLocked(acc *domain.CreditAccount, delta int64, mut Mutation) domain.CreditTransaction {
	acc.Balance += delta
	acc.LastUpdated = mut.At

	txn := domain.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       acc.UserID,
		Amount:       delta,
		Type:         mut.Type,
		PaymentID:    mut.PaymentID,
		Description:  mut.Description,
		BalanceAfter: acc.Balance,
		Timestamp:    mut.At,
	}
	m.entries[acc.UserID] = append(m.entries[acc.UserID], txn)
	return txn
}

func (m *Memory) claimLocked(mut Mutation, credits int64) {
	if mut.PaymentID == "" {
		return
	}
	m.processed[mut.PaymentID] = domain.ProcessedPayment{
		PaymentID:   mut.PaymentID,
		UserID:      mut.UserID,
		Credits:     credits,
		Source:      mut.Source,
		ProcessedAt: mut.At,
	}
}
