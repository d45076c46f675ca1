package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shopvpn/ledger/internal/domain"
)

func TestWithRetryRecoversTransientFailures(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("store: %w", domain.ErrTransientStore)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return fmt.Errorf("store: %w", domain.ErrTransientStore)
	})
	assert.ErrorIs(t, err, domain.ErrTransientStore)
	assert.Equal(t, retryAttempts, calls)
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return domain.ErrAccountNotFound
	})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.Equal(t, 1, calls)
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, func() error {
		return fmt.Errorf("store: %w", domain.ErrTransientStore)
	})
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrTransientStore))
}
