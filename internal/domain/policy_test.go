package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPolicyFromSettings(t *testing.T) {
	p := PolicyFromSettings(map[string]string{
		SettingReferralRewardType:  "percent_purchase",
		SettingReferralPercent:     "15",
		SettingReferralFixedAmount: "50",
		SettingReferralStartBonus:  "25.50",
	})

	assert.Equal(t, RewardPercentPurchase, p.Type)
	assert.True(t, p.Percent.Equal(decimal.NewFromInt(15)))
	assert.True(t, p.FixedAmount.Equal(decimal.NewFromInt(50)))
	assert.True(t, p.StartBonus.Equal(decimal.RequireFromString("25.50")))
}

func TestPolicyFromSettingsMalformed(t *testing.T) {
	// Garbage values disable the reward edge instead of failing settlement.
	p := PolicyFromSettings(map[string]string{
		SettingReferralRewardType:  "percent_purchase",
		SettingReferralPercent:     "not-a-number",
		SettingReferralFixedAmount: "-10",
		SettingReferralStartBonus:  "",
	})

	assert.True(t, p.Percent.IsZero())
	assert.True(t, p.FixedAmount.IsZero())
	assert.True(t, p.StartBonus.IsZero())
}

func TestPurchaseReward(t *testing.T) {
	amount := decimal.NewFromInt(200)

	tests := []struct {
		name          string
		policy        ReferralPolicy
		firstPurchase bool
		want          string
	}{
		{
			name:   "percent of amount",
			policy: ReferralPolicy{Type: RewardPercentPurchase, Percent: decimal.NewFromInt(15)},
			want:   "30",
		},
		{
			name:   "fixed per purchase",
			policy: ReferralPolicy{Type: RewardFixedPurchase, FixedAmount: decimal.NewFromInt(50)},
			want:   "50",
		},
		{
			name:          "fixed on first purchase only",
			policy:        ReferralPolicy{Type: RewardFixedStartReferrer, FixedAmount: decimal.NewFromInt(50)},
			firstPurchase: true,
			want:          "50",
		},
		{
			name:   "fixed start skips repeat purchases",
			policy: ReferralPolicy{Type: RewardFixedStartReferrer, FixedAmount: decimal.NewFromInt(50)},
			want:   "0",
		},
		{
			name:   "zero percent disables edge",
			policy: ReferralPolicy{Type: RewardPercentPurchase},
			want:   "0",
		},
		{
			name:   "unknown type pays nothing",
			policy: ReferralPolicy{Type: "lottery"},
			want:   "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.PurchaseReward(amount, tt.firstPurchase)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestPurchaseRewardFractionalPercent(t *testing.T) {
	p := ReferralPolicy{Type: RewardPercentPurchase, Percent: decimal.RequireFromString("12.5")}
	got := p.PurchaseReward(decimal.NewFromInt(199), false)
	assert.True(t, got.Equal(decimal.RequireFromString("24.875")), "got %s", got)
}
