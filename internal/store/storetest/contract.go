// Package storetest holds the behavioural contract every store.Store must meet.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type SetupFunc func(t *testing.T) store.Store

func TestStoreContract(t *testing.T, setup SetupFunc) {
	t.Run("Accounts", func(t *testing.T) {
		runAccountTests(t, setup)
	})

	t.Run("Credit", func(t *testing.T) {
		runCreditTests(t, setup)
	})

	t.Run("Debit", func(t *testing.T) {
		runDebitTests(t, setup)
	})

	t.Run("Sessions", func(t *testing.T) {
		runSessionTests(t, setup)
	})

	t.Run("Settle", func(t *testing.T) {
		runSettleTests(t, setup)
	})
}

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newUserID() string {
	return "user-" + uuid.NewString()
}

// NewPendingSession returns a pending session for userID worth amount units at rate 10.
func NewPendingSession(userID string, amount int64) domain.PaymentSession {
	return domain.PaymentSession{
		PaymentID:       "pay-" + uuid.NewString(),
		ReferenceCode:   uuid.NewString(),
		UserID:          userID,
		RequestedAmount: amount,
		ExpectedAmount:  amount,
		CreditRate:      10,
		QRPayload:       "iVBORw0KGgo=",
		TimeoutSeconds:  600,
		Status:          domain.SessionPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(10 * time.Minute),
	}
}

func credit(userID string, amount int64, paymentID string) store.Mutation {
	return store.Mutation{
		UserID:      userID,
		Amount:      amount,
		Type:        domain.TransactionTopup,
		PaymentID:   paymentID,
		Source:      domain.SourceAPI,
		Description: "test credit",
		At:          now,
	}
}

func runAccountTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, created lazily with starting balance", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()

		_, err := s.GetAccount(t.Context(), userID)
		require.ErrorIs(t, err, domain.ErrAccountNotFound)

		acc, err := s.GetOrCreateAccount(t.Context(), userID, 1250, now)
		require.NoError(t, err)
		require.Equal(t, int64(1250), acc.Balance)

		// a second call does not reset the balance
		acc, err = s.GetOrCreateAccount(t.Context(), userID, 0, now)
		require.NoError(t, err)
		require.Equal(t, int64(1250), acc.Balance)
	})
}

func runCreditTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, creates account and appends entry", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()

		m := credit(userID, 500, "")
		m.StartingBalance = 100
		acc, txn, err := s.Credit(t.Context(), m)
		require.NoError(t, err)
		require.Equal(t, int64(600), acc.Balance)
		require.Equal(t, int64(500), txn.Amount)
		require.Equal(t, int64(600), txn.BalanceAfter)
		require.Equal(t, domain.TransactionTopup, txn.Type)

		entries, err := s.ListTransactions(t.Context(), userID, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("ok, payment id is claimed once", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()
		paymentID := "pay-" + uuid.NewString()

		_, _, err := s.Credit(t.Context(), credit(userID, 100, paymentID))
		require.NoError(t, err)

		_, _, err = s.Credit(t.Context(), credit(userID, 100, paymentID))
		require.ErrorIs(t, err, domain.ErrDuplicatePayment)

		acc, err := s.GetAccount(t.Context(), userID)
		require.NoError(t, err)
		require.Equal(t, int64(100), acc.Balance)

		p, err := s.GetProcessedPayment(t.Context(), paymentID)
		require.NoError(t, err)
		require.Equal(t, userID, p.UserID)
		require.Equal(t, int64(100), p.Credits)
	})

	t.Run("ok, concurrent credits do not lose updates", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := s.Credit(context.Background(), credit(userID, 5, ""))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		acc, err := s.GetAccount(t.Context(), userID)
		require.NoError(t, err)
		require.Equal(t, int64(100), acc.Balance)
	})

	t.Run("ok, history is newest first", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()

		for _, amount := range []int64{1, 2, 3} {
			_, _, err := s.Credit(t.Context(), credit(userID, amount, ""))
			require.NoError(t, err)
		}

		entries, err := s.ListTransactions(t.Context(), userID, 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		require.Equal(t, int64(3), entries[0].Amount)
		require.Equal(t, int64(1), entries[2].Amount)

		entries, err = s.ListTransactions(t.Context(), userID, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
	})
}

func runDebitTests(t *testing.T, setup SetupFunc) {
	debit := func(userID string, amount int64) store.Mutation {
		m := credit(userID, amount, "")
		m.Type = domain.TransactionSpend
		return m
	}

	t.Run("ok", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()
		_, err := s.GetOrCreateAccount(t.Context(), userID, 300, now)
		require.NoError(t, err)

		acc, txn, err := s.Debit(t.Context(), debit(userID, 120))
		require.NoError(t, err)
		require.Equal(t, int64(180), acc.Balance)
		require.Equal(t, int64(-120), txn.Amount)
		require.Equal(t, domain.TransactionSpend, txn.Type)
	})

	t.Run("fail, account not found", func(t *testing.T) {
		s := setup(t)
		_, _, err := s.Debit(t.Context(), debit(newUserID(), 1))
		require.ErrorIs(t, err, domain.ErrAccountNotFound)
	})

	t.Run("fail, insufficient credits leaves balance unchanged", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()
		_, err := s.GetOrCreateAccount(t.Context(), userID, 50, now)
		require.NoError(t, err)

		_, _, err = s.Debit(t.Context(), debit(userID, 51))
		require.ErrorIs(t, err, domain.ErrInsufficientCredits)

		acc, err := s.GetAccount(t.Context(), userID)
		require.NoError(t, err)
		require.Equal(t, int64(50), acc.Balance)

		entries, err := s.ListTransactions(t.Context(), userID, 0)
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}

func runSessionTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, create and look up", func(t *testing.T) {
		s := setup(t)
		ps := NewPendingSession(newUserID(), 100)
		require.NoError(t, s.CreateSession(t.Context(), ps))

		got, err := s.GetSession(t.Context(), ps.PaymentID)
		require.NoError(t, err)
		require.Equal(t, ps.PaymentID, got.PaymentID)
		require.Equal(t, ps.UserID, got.UserID)
		require.Equal(t, domain.SessionPending, got.Status)
		require.True(t, ps.ExpiresAt.Equal(got.ExpiresAt))

		got, err = s.GetSessionByReference(t.Context(), ps.ReferenceCode)
		require.NoError(t, err)
		require.Equal(t, ps.PaymentID, got.PaymentID)

		pending, err := s.ListPendingSessions(t.Context())
		require.NoError(t, err)
		require.Contains(t, paymentIDs(pending), ps.PaymentID)
	})

	t.Run("fail, duplicate session", func(t *testing.T) {
		s := setup(t)
		ps := NewPendingSession(newUserID(), 100)
		require.NoError(t, s.CreateSession(t.Context(), ps))
		require.ErrorIs(t, s.CreateSession(t.Context(), ps), store.ErrSessionExists)
	})

	t.Run("fail, unknown session", func(t *testing.T) {
		s := setup(t)
		_, err := s.GetSession(t.Context(), "pay-missing-"+uuid.NewString())
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("ok, close transitions exactly once", func(t *testing.T) {
		s := setup(t)
		ps := NewPendingSession(newUserID(), 100)
		require.NoError(t, s.CreateSession(t.Context(), ps))

		closed, err := s.CloseSession(t.Context(), ps.PaymentID, domain.SessionCancelled, now)
		require.NoError(t, err)
		require.Equal(t, domain.SessionCancelled, closed.Status)
		require.NotNil(t, closed.ClosedAt)

		got, err := s.CloseSession(t.Context(), ps.PaymentID, domain.SessionExpired, now)
		require.ErrorIs(t, err, domain.ErrSessionCancelled)
		require.Equal(t, domain.SessionCancelled, got.Status)

		pending, err := s.ListPendingSessions(t.Context())
		require.NoError(t, err)
		require.NotContains(t, paymentIDs(pending), ps.PaymentID)
	})

	t.Run("fail, close to confirmed is rejected", func(t *testing.T) {
		s := setup(t)
		ps := NewPendingSession(newUserID(), 100)
		require.NoError(t, s.CreateSession(t.Context(), ps))

		_, err := s.CloseSession(t.Context(), ps.PaymentID, domain.SessionConfirmed, now)
		require.ErrorIs(t, err, store.ErrInvalidTransition)
	})
}

func runSettleTests(t *testing.T, setup SetupFunc) {
	settle := func(paymentID string, source domain.ConfirmSource) store.SettleRequest {
		return store.SettleRequest{
			PaymentID:   paymentID,
			Source:      source,
			Description: "topup",
			At:          now,
		}
	}

	t.Run("ok, credits requested amount times rate", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()
		_, err := s.GetOrCreateAccount(t.Context(), userID, 1250, now)
		require.NoError(t, err)

		ps := NewPendingSession(userID, 100)
		require.NoError(t, s.CreateSession(t.Context(), ps))

		got, err := s.SettleSession(t.Context(), settle(ps.PaymentID, domain.SourceWebhook))
		require.NoError(t, err)
		require.Equal(t, int64(2250), got.Account.Balance)
		require.Equal(t, int64(1000), got.Transaction.Amount)
		require.Equal(t, domain.TransactionTopup, got.Transaction.Type)
		require.Equal(t, ps.PaymentID, got.Transaction.PaymentID)
		require.Equal(t, domain.SessionConfirmed, got.Session.Status)
		require.Equal(t, domain.SourceWebhook, got.Session.ConfirmedBy)

		stored, err := s.GetSession(t.Context(), ps.PaymentID)
		require.NoError(t, err)
		require.Equal(t, domain.SessionConfirmed, stored.Status)
	})

	t.Run("ok, second settlement is a duplicate", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()
		ps := NewPendingSession(userID, 10)
		require.NoError(t, s.CreateSession(t.Context(), ps))

		_, err := s.SettleSession(t.Context(), settle(ps.PaymentID, domain.SourceManual))
		require.NoError(t, err)

		got, err := s.SettleSession(t.Context(), settle(ps.PaymentID, domain.SourceWebhook))
		require.ErrorIs(t, err, domain.ErrDuplicatePayment)
		require.Equal(t, domain.SourceManual, got.Session.ConfirmedBy)

		acc, err := s.GetAccount(t.Context(), userID)
		require.NoError(t, err)
		require.Equal(t, int64(100), acc.Balance)
	})

	t.Run("ok, payment id credited directly closes the session", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()
		ps := NewPendingSession(userID, 100)
		require.NoError(t, s.CreateSession(t.Context(), ps))

		_, _, err := s.Credit(t.Context(), credit(userID, 1000, ps.PaymentID))
		require.NoError(t, err)

		got, err := s.SettleSession(t.Context(), settle(ps.PaymentID, domain.SourceManual))
		require.ErrorIs(t, err, domain.ErrClaimedOutsideSession)
		require.ErrorIs(t, err, domain.ErrDuplicatePayment)
		require.Equal(t, domain.SessionConfirmed, got.Session.Status)
		require.Equal(t, domain.SourceAPI, got.Session.ConfirmedBy)

		stored, err := s.GetSession(t.Context(), ps.PaymentID)
		require.NoError(t, err)
		require.Equal(t, domain.SessionConfirmed, stored.Status)
		require.NotNil(t, stored.ClosedAt)

		// credited once, by the direct mutation
		acc, err := s.GetAccount(t.Context(), userID)
		require.NoError(t, err)
		require.Equal(t, int64(1000), acc.Balance)

		pending, err := s.ListPendingSessions(t.Context())
		require.NoError(t, err)
		for _, p := range pending {
			require.NotEqual(t, ps.PaymentID, p.PaymentID)
		}

		_, err = s.SettleSession(t.Context(), settle(ps.PaymentID, domain.SourceWebhook))
		require.ErrorIs(t, err, domain.ErrDuplicatePayment)
		require.NotErrorIs(t, err, domain.ErrClaimedOutsideSession)
	})

	t.Run("ok, concurrent settlements credit once", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()
		ps := NewPendingSession(userID, 100)
		require.NoError(t, s.CreateSession(t.Context(), ps))

		sources := []domain.ConfirmSource{domain.SourceAutoCheck, domain.SourceManual, domain.SourceWebhook}
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := range 12 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.SettleSession(context.Background(), settle(ps.PaymentID, sources[i%len(sources)]))
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, domain.ErrDuplicatePayment)
			}()
		}
		wg.Wait()

		require.Equal(t, 1, successes)
		acc, err := s.GetAccount(t.Context(), userID)
		require.NoError(t, err)
		require.Equal(t, int64(1000), acc.Balance)

		entries, err := s.ListTransactions(t.Context(), userID, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("fail, closed session is not credited", func(t *testing.T) {
		s := setup(t)
		userID := newUserID()
		ps := NewPendingSession(userID, 100)
		require.NoError(t, s.CreateSession(t.Context(), ps))

		_, err := s.CloseSession(t.Context(), ps.PaymentID, domain.SessionExpired, now)
		require.NoError(t, err)

		_, err = s.SettleSession(t.Context(), settle(ps.PaymentID, domain.SourceWebhook))
		require.ErrorIs(t, err, domain.ErrSessionExpired)

		_, err = s.GetAccount(t.Context(), userID)
		require.ErrorIs(t, err, domain.ErrAccountNotFound)
	})

	t.Run("fail, unknown session", func(t *testing.T) {
		s := setup(t)
		_, err := s.SettleSession(t.Context(), settle("pay-missing-"+uuid.NewString(), domain.SourceWebhook))
		require.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}

func paymentIDs(sessions []domain.PaymentSession) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.PaymentID)
	}
	return ids
}
