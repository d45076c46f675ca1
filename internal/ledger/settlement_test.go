package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopvpn/ledger/internal/domain"
	"github.com/shopvpn/ledger/internal/store"
)

func referredAccount(t *testing.T, m *store.Memory, id, referrer int64) *domain.Account {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.RegisterAccount(ctx, referrer, "referrer", nil))
	require.NoError(t, m.RegisterAccount(ctx, id, "referred", &referrer))
	a, err := m.GetAccount(ctx, id)
	require.NoError(t, err)
	return a
}

func referralBalance(t *testing.T, m *store.Memory, id int64) decimal.Decimal {
	t.Helper()
	a, err := m.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.ReferralBalance
}

func TestSettleRegistrationPaysReferrerOnce(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	s := NewSettler(m)
	referred := referredAccount(t, m, 2, 1)
	policy := domain.ReferralPolicy{StartBonus: decimal.NewFromInt(25)}

	paid, err := s.SettleRegistration(ctx, referred, policy)
	require.NoError(t, err)
	assert.True(t, paid.Equal(decimal.NewFromInt(25)))

	// A second registration event (bot restart, /start replay) pays nothing.
	paid, err = s.SettleRegistration(ctx, referred, policy)
	require.NoError(t, err)
	assert.True(t, paid.IsZero())

	assert.True(t, referralBalance(t, m, 1).Equal(decimal.NewFromInt(25)))
}

func TestSettleRegistrationSkipsWithoutReferrer(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	s := NewSettler(m)
	require.NoError(t, m.RegisterAccount(ctx, 5, "organic", nil))
	a, err := m.GetAccount(ctx, 5)
	require.NoError(t, err)

	paid, err := s.SettleRegistration(ctx, a, domain.ReferralPolicy{StartBonus: decimal.NewFromInt(25)})
	require.NoError(t, err)
	assert.True(t, paid.IsZero())
}

func TestSettleRegistrationSkipsZeroBonus(t *testing.T) {
	m := store.NewMemory()
	s := NewSettler(m)
	referred := referredAccount(t, m, 2, 1)

	paid, err := s.SettleRegistration(context.Background(), referred, domain.ReferralPolicy{})
	require.NoError(t, err)
	assert.True(t, paid.IsZero())
}

func paidTx(ctx context.Context, t *testing.T, m *store.Memory, payID string, userID int64, amount int64) *domain.Transaction {
	t.Helper()
	tx := &domain.Transaction{PaymentID: payID, UserID: userID, Status: domain.StatusPaid, Amount: decimal.NewFromInt(amount)}
	_, err := m.InsertResolved(ctx, tx)
	require.NoError(t, err)
	return tx
}

func TestSettlePurchasePercent(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	s := NewSettler(m)
	referred := referredAccount(t, m, 2, 1)
	policy := domain.ReferralPolicy{Type: domain.RewardPercentPurchase, Percent: decimal.NewFromInt(10)}

	tx := paidTx(ctx, t, m, "pay-1", 2, 300)
	reward, err := s.SettlePurchase(ctx, referred, tx, policy)
	require.NoError(t, err)
	assert.True(t, reward.Equal(decimal.NewFromInt(30)))
	assert.True(t, referralBalance(t, m, 1).Equal(decimal.NewFromInt(30)))
}

func TestSettlePurchaseFixedEveryTime(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	s := NewSettler(m)
	referred := referredAccount(t, m, 2, 1)
	policy := domain.ReferralPolicy{Type: domain.RewardFixedPurchase, FixedAmount: decimal.NewFromInt(50)}

	for i, payID := range []string{"pay-1", "pay-2"} {
		tx := paidTx(ctx, t, m, payID, 2, 300)
		reward, err := s.SettlePurchase(ctx, referred, tx, policy)
		require.NoError(t, err)
		assert.True(t, reward.Equal(decimal.NewFromInt(50)), "purchase %d", i+1)
	}
	assert.True(t, referralBalance(t, m, 1).Equal(decimal.NewFromInt(100)))
}

func TestSettlePurchaseFixedStartReferrerFirstOnly(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	s := NewSettler(m)
	referred := referredAccount(t, m, 2, 1)
	policy := domain.ReferralPolicy{Type: domain.RewardFixedStartReferrer, FixedAmount: decimal.NewFromInt(50)}

	first := paidTx(ctx, t, m, "pay-1", 2, 300)
	reward, err := s.SettlePurchase(ctx, referred, first, policy)
	require.NoError(t, err)
	assert.True(t, reward.Equal(decimal.NewFromInt(50)))

	second := paidTx(ctx, t, m, "pay-2", 2, 300)
	reward, err = s.SettlePurchase(ctx, referred, second, policy)
	require.NoError(t, err)
	assert.True(t, reward.IsZero(), "repeat purchases earn nothing under fixed_start_referrer")

	assert.True(t, referralBalance(t, m, 1).Equal(decimal.NewFromInt(50)))
}

func TestSettlePurchaseNoReferrer(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	s := NewSettler(m)
	require.NoError(t, m.RegisterAccount(ctx, 5, "organic", nil))
	a, err := m.GetAccount(ctx, 5)
	require.NoError(t, err)

	tx := paidTx(ctx, t, m, "pay-1", 5, 300)
	reward, err := s.SettlePurchase(ctx, a, tx, domain.ReferralPolicy{Type: domain.RewardPercentPurchase, Percent: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.True(t, reward.IsZero())
}

func TestSettlementEdgesAreIndependent(t *testing.T) {
	// Start bonus at registration plus percent on a later purchase.
	ctx := context.Background()
	m := store.NewMemory()
	s := NewSettler(m)
	referred := referredAccount(t, m, 2, 1)
	policy := domain.ReferralPolicy{
		Type:       domain.RewardPercentPurchase,
		Percent:    decimal.NewFromInt(10),
		StartBonus: decimal.NewFromInt(25),
	}

	_, err := s.SettleRegistration(ctx, referred, policy)
	require.NoError(t, err)

	tx := paidTx(ctx, t, m, "pay-1", 2, 300)
	_, err = s.SettlePurchase(ctx, referred, tx, policy)
	require.NoError(t, err)

	assert.True(t, referralBalance(t, m, 1).Equal(decimal.NewFromInt(55)))
}
