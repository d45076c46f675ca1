package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for the ledger. Compare with errors.Is; the store
// implementations wrap them with call-site context.
var (
	// ErrAccountNotFound is returned when the referenced user id has no account row.
	ErrAccountNotFound = errors.New("account not found")

	// ErrPaymentNotFound is returned when no transaction exists for a payment id.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrDuplicatePaymentID is returned on a payment-id creation collision.
	// The caller must generate a fresh identifier, never overwrite.
	ErrDuplicatePaymentID = errors.New("duplicate payment id")

	// ErrAlreadyResolved signals a duplicate gateway callback for a payment id
	// that already left pending. Idempotent no-op, not a failure.
	ErrAlreadyResolved = errors.New("payment already resolved")

	// ErrInsufficientFunds is the expected outcome of a debit that would drive
	// the balance negative. Informational, never logged as an error.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount rejects negative or otherwise unusable amounts before
	// any mutation happens.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrSelfReferral rejects recording a user as their own referrer.
	ErrSelfReferral = errors.New("self-referral not allowed")

	// ErrReferrerAlreadySet rejects changing a referrer once recorded.
	ErrReferrerAlreadySet = errors.New("referrer already set")

	// ErrTransientStore marks storage failures that are safe to retry with
	// backoff; the failed unit is guaranteed not to have partially applied.
	ErrTransientStore = errors.New("transient store failure")
)

// InsufficientFundsError carries the shortfall detail for user-facing prompts.
type InsufficientFundsError struct {
	UserID    int64
	Kind      BalanceKind
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s balance for user %d: available %s, requested %s",
		e.Kind, e.UserID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// IsRetryable reports whether the operation may succeed if repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// IsNotFound reports whether the error refers to a missing account or payment.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrPaymentNotFound)
}
