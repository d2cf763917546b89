package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrAmountTooSmall       = fmt.Errorf("%w: below provider minimum", ErrInvalidAmount)
	ErrProviderUnavailable  = errors.New("payment provider unavailable")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMalformedPayload     = errors.New("malformed payload")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrAccountNotFound      = errors.New("account not found")
	ErrDuplicatePayment     = errors.New("payment already processed")
	ErrSessionNotFound      = errors.New("payment session not found")
	ErrSessionExpired       = errors.New("payment session expired")
	ErrSessionCancelled     = errors.New("payment session cancelled")
	ErrConfirmationRequired = errors.New("payment confirmation must be acknowledged")
	ErrPaymentNotReceived   = errors.New("payment not received yet")
	ErrUnknownReference     = errors.New("unknown payment reference")
	ErrUnderpaid            = errors.New("amount received below expected amount")

	// ErrClaimedOutsideSession is returned when a session's payment id was
	// already credited by a direct ledger mutation. The session is closed as
	// confirmed without a second credit.
	ErrClaimedOutsideSession = fmt.Errorf("%w: claimed outside its session", ErrDuplicatePayment)
)

// ClosedSessionError maps a terminal session status to its sentinel error.
func ClosedSessionError(status SessionStatus) error {
	switch status {
	case SessionConfirmed:
		return ErrDuplicatePayment
	case SessionExpired:
		return ErrSessionExpired
	case SessionCancelled:
		return ErrSessionCancelled
	}
	return nil
}
