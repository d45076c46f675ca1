// Package ledger implements the account ledger's business rules:
// balance operations, the transaction recorder, referral settlement and
// the payment-confirmation flow tying them together. All durable state
// lives behind the store interfaces; every mutation delegated there is a
// single atomic unit.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shopvpn/ledger/internal/domain"
	"github.com/shopvpn/ledger/internal/store"
)

// Balances is the only legal mutation path for spendable and referral
// balances. The credit, debit and adjust paths all run through the same
// store primitives, so none of them can bypass the isolation the debit
// path needs.
type Balances struct {
	store store.BalanceStore
}

func NewBalances(s store.BalanceStore) *Balances {
	return &Balances{store: s}
}

// Credit adds amount to the chosen balance. Amount must be >= 0.
func (b *Balances) Credit(ctx context.Context, userID int64, kind domain.BalanceKind, amount decimal.Decimal) error {
	if err := validate(kind, amount); err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		return b.store.Credit(ctx, userID, kind, amount)
	})
}

// DebitIfSufficient atomically checks and subtracts. On a shortfall it
// returns InsufficientFundsError carrying the observed balance; this is
// an expected outcome, not a system failure.
func (b *Balances) DebitIfSufficient(ctx context.Context, userID int64, kind domain.BalanceKind, amount decimal.Decimal) error {
	if err := validate(kind, amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	var ok bool
	err := withRetry(ctx, func() error {
		var err error
		ok, err = b.store.DebitIfSufficient(ctx, userID, kind, amount)
		return err
	})
	if err != nil {
		debitsTotal.WithLabelValues("error").Inc()
		return err
	}
	if !ok {
		debitsTotal.WithLabelValues("insufficient").Inc()
		return b.insufficient(ctx, userID, kind, amount)
	}
	debitsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Adjust applies a signed correction with no sufficiency check. Admin
// path only; the purchase path never calls it.
func (b *Balances) Adjust(ctx context.Context, userID int64, kind domain.BalanceKind, delta decimal.Decimal) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown balance kind %q", domain.ErrInvalidAmount, kind)
	}
	return withRetry(ctx, func() error {
		return b.store.Adjust(ctx, userID, kind, delta)
	})
}

// CreditReferralReward credits a referrer's withdrawable referral balance
// and lifetime earnings in one unit.
func (b *Balances) CreditReferralReward(ctx context.Context, referrerID int64, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative reward %s", domain.ErrInvalidAmount, amount)
	}
	return withRetry(ctx, func() error {
		return b.store.CreditReferralReward(ctx, referrerID, amount)
	})
}

func (b *Balances) insufficient(ctx context.Context, userID int64, kind domain.BalanceKind, amount decimal.Decimal) error {
	detail := &domain.InsufficientFundsError{UserID: userID, Kind: kind, Requested: amount}
	if getter, ok := b.store.(interface {
		GetAccount(context.Context, int64) (*domain.Account, error)
	}); ok {
		if a, err := getter.GetAccount(ctx, userID); err == nil {
			if kind == domain.BalanceReferral {
				detail.Available = a.ReferralBalance
			} else {
				detail.Available = a.Balance
			}
		}
	}
	return detail
}

func validate(kind domain.BalanceKind, amount decimal.Decimal) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown balance kind %q", domain.ErrInvalidAmount, kind)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount %s", domain.ErrInvalidAmount, amount)
	}
	return nil
}
