package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/shopvpn/ledger/internal/domain"
)

// SettlementStore is the slice of the store referral settlement needs.
type SettlementStore interface {
	GetAccount(ctx context.Context, userID int64) (*domain.Account, error)
	PayStartBonus(ctx context.Context, referredID, referrerID int64, bonus decimal.Decimal) (bool, error)
	CreditReferralReward(ctx context.Context, referrerID int64, amount decimal.Decimal) error
	CountPaid(ctx context.Context, userID int64) (int, error)
}

// Settler computes and applies referral rewards. It is a pure function of
// (event, policy snapshot, account state): the policy is passed in per
// call, never read from ambient configuration.
type Settler struct {
	store SettlementStore
}

func NewSettler(s SettlementStore) *Settler {
	return &Settler{store: s}
}

// SettleRegistration pays the registration-time start bonus to the
// referrer, at most once per referred user. The referred user's flag and
// the referrer's credit commit in one unit, so a race pays exactly once.
// Returns the credited amount, zero when nothing was paid.
func (s *Settler) SettleRegistration(ctx context.Context, referred *domain.Account, policy domain.ReferralPolicy) (decimal.Decimal, error) {
	if referred.ReferredBy == nil || policy.StartBonus.Sign() <= 0 {
		return decimal.Zero, nil
	}
	var paid bool
	err := withRetry(ctx, func() error {
		var err error
		paid, err = s.store.PayStartBonus(ctx, referred.TelegramID, *referred.ReferredBy, policy.StartBonus)
		return err
	})
	if err != nil || !paid {
		return decimal.Zero, err
	}
	referralRewardsTotal.WithLabelValues("start_bonus").Inc()
	return policy.StartBonus, nil
}

// SettlePurchase applies the purchase reward for one paid transaction.
// Idempotency per payment id is inherited from the recorder: only the
// winner of the resolve CAS reaches this call.
func (s *Settler) SettlePurchase(ctx context.Context, referred *domain.Account, tx *domain.Transaction, policy domain.ReferralPolicy) (decimal.Decimal, error) {
	if referred.ReferredBy == nil {
		return decimal.Zero, nil
	}

	firstPurchase := false
	if policy.Type == domain.RewardFixedStartReferrer {
		n, err := s.store.CountPaid(ctx, referred.TelegramID)
		if err != nil {
			return decimal.Zero, err
		}
		// The transaction being settled is already counted.
		firstPurchase = n <= 1
	}

	reward := policy.PurchaseReward(tx.Amount, firstPurchase)
	if reward.Sign() <= 0 {
		return decimal.Zero, nil
	}
	err := withRetry(ctx, func() error {
		return s.store.CreditReferralReward(ctx, *referred.ReferredBy, reward)
	})
	if err != nil {
		return decimal.Zero, err
	}
	referralRewardsTotal.WithLabelValues(string(policy.Type)).Inc()
	return reward, nil
}
