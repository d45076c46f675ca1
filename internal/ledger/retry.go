package ledger

import (
	"context"
	"time"

	"github.com/shopvpn/ledger/internal/domain"
)

const (
	retryAttempts = 3
	retryBackoff  = 50 * time.Millisecond
)

// withRetry repeats fn on ErrTransientStore only. Atomic units are
// all-or-nothing, so a retried unit can never double-apply. Every other
// error is a terminal decision returned upward untouched.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			storeRetriesTotal.Inc()
			select {
			case <-time.After(retryBackoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); !domain.IsRetryable(err) {
			return err
		}
	}
	return err
}
