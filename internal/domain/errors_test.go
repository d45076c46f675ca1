package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestInsufficientFundsErrorUnwraps(t *testing.T) {
	err := &InsufficientFundsError{
		UserID:    42,
		Kind:      BalanceSpendable,
		Available: decimal.NewFromInt(40),
		Requested: decimal.NewFromInt(100),
	}

	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	var detail *InsufficientFundsError
	assert.True(t, errors.As(fmt.Errorf("debit: %w", err), &detail))
	assert.Equal(t, int64(42), detail.UserID)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("store: %w", ErrTransientStore)))
	assert.False(t, IsRetryable(ErrAccountNotFound))
	assert.False(t, IsRetryable(nil))
}
