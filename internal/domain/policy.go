package domain

import "github.com/shopspring/decimal"

// RewardType names the referral reward computation modes.
type RewardType string

const (
	// RewardPercentPurchase pays the referrer a percentage of every paid amount.
	RewardPercentPurchase RewardType = "percent_purchase"
	// RewardFixedPurchase pays the referrer a fixed amount per paid purchase.
	RewardFixedPurchase RewardType = "fixed_purchase"
	// RewardFixedStartReferrer pays the referrer a fixed amount once, on the
	// referred user's first paid purchase.
	RewardFixedStartReferrer RewardType = "fixed_start_referrer"
)

// Settings keys the policy snapshot is assembled from.
const (
	SettingReferralRewardType  = "referral_reward_type"
	SettingReferralPercent     = "referral_percent"
	SettingReferralFixedAmount = "referral_fixed_amount"
	SettingReferralStartBonus  = "referral_start_bonus"
)

// ReferralPolicy is a typed snapshot of the reward configuration, taken once
// per settlement and passed in explicitly. Settlement never reads ambient
// global state.
type ReferralPolicy struct {
	Type        RewardType
	Percent     decimal.Decimal // for percent_purchase, e.g. 15 means 15%
	FixedAmount decimal.Decimal // for fixed_purchase / fixed_start_referrer
	StartBonus  decimal.Decimal // registration-time bonus, 0 disables
}

// PolicyFromSettings builds a snapshot from the loosely-typed settings table.
// Unknown or malformed values degrade to zero amounts, which disable the
// corresponding reward edge rather than failing settlement.
func PolicyFromSettings(settings map[string]string) ReferralPolicy {
	p := ReferralPolicy{Type: RewardType(settings[SettingReferralRewardType])}
	p.Percent = parseAmount(settings[SettingReferralPercent])
	p.FixedAmount = parseAmount(settings[SettingReferralFixedAmount])
	p.StartBonus = parseAmount(settings[SettingReferralStartBonus])
	return p
}

// PurchaseReward computes the reward for one paid amount. firstPurchase is
// true when this is the referred user's first paid transaction.
func (p ReferralPolicy) PurchaseReward(amount decimal.Decimal, firstPurchase bool) decimal.Decimal {
	switch p.Type {
	case RewardPercentPurchase:
		if p.Percent.Sign() > 0 {
			return amount.Mul(p.Percent).Div(decimal.NewFromInt(100))
		}
	case RewardFixedPurchase:
		if p.FixedAmount.Sign() > 0 {
			return p.FixedAmount
		}
	case RewardFixedStartReferrer:
		if firstPurchase && p.FixedAmount.Sign() > 0 {
			return p.FixedAmount
		}
	}
	return decimal.Zero
}

func parseAmount(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.Sign() < 0 {
		return decimal.Zero
	}
	return d
}
