package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	statuses := []domain.SessionStatus{
		domain.SessionPending,
		domain.SessionConfirmed,
		domain.SessionExpired,
		domain.SessionCancelled,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			want := from == domain.SessionPending && to != domain.SessionPending
			require.Equal(t, want, domain.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestPaymentSessionCredits(t *testing.T) {
	s := domain.PaymentSession{RequestedAmount: 100, CreditRate: 10}
	require.Equal(t, int64(1000), s.Credits())
}

func TestPaymentSessionExpiredAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := domain.PaymentSession{CreatedAt: created, ExpiresAt: created.Add(5 * time.Second)}

	require.False(t, s.ExpiredAt(created.Add(4*time.Second)))
	require.True(t, s.ExpiredAt(created.Add(5*time.Second)))
	require.True(t, s.ExpiredAt(created.Add(time.Minute)))
}

func TestClosedSessionError(t *testing.T) {
	require.ErrorIs(t, domain.ClosedSessionError(domain.SessionConfirmed), domain.ErrDuplicatePayment)
	require.ErrorIs(t, domain.ClosedSessionError(domain.SessionExpired), domain.ErrSessionExpired)
	require.ErrorIs(t, domain.ClosedSessionError(domain.SessionCancelled), domain.ErrSessionCancelled)
	require.NoError(t, domain.ClosedSessionError(domain.SessionPending))
}

func TestAmountTooSmallIsInvalidAmount(t *testing.T) {
	require.True(t, errors.Is(domain.ErrAmountTooSmall, domain.ErrInvalidAmount))
}
