package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopvpn/ledger/internal/domain"
	"github.com/shopvpn/ledger/internal/store"
)

func newService(m *store.Memory, policy domain.ReferralPolicy) *PaymentService {
	return NewPaymentService(m, NewRecorder(m), NewBalances(m), NewSettler(m), StaticPolicy(policy))
}

func TestRegisterPaysStartBonus(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := newService(m, domain.ReferralPolicy{StartBonus: decimal.NewFromInt(25)})

	require.NoError(t, m.RegisterAccount(ctx, 1, "referrer", nil))
	ref := int64(1)
	account, err := p.Register(ctx, 2, "referred", &ref)
	require.NoError(t, err)
	require.NotNil(t, account.ReferredBy)

	referrer, err := m.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, referrer.ReferralBalance.Equal(decimal.NewFromInt(25)))

	// Replayed /start must not pay again.
	_, err = p.Register(ctx, 2, "referred", &ref)
	require.NoError(t, err)
	referrer, err = m.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, referrer.ReferralBalance.Equal(decimal.NewFromInt(25)))
}

func TestConfirmTopUpCreditsBalance(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := newService(m, domain.ReferralPolicy{})
	_, err := p.Register(ctx, 1, "alice", nil)
	require.NoError(t, err)

	_, err = p.CreateIntent(ctx, "pay-1", 1, decimal.NewFromInt(500), "yookassa", domain.Metadata{Action: domain.ActionTopUp})
	require.NoError(t, err)

	tx, err := p.Confirm(ctx, "pay-1", domain.Resolution{Outcome: domain.StatusPaid})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, tx.Status)

	a, err := m.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(500)))
	assert.True(t, a.TotalSpent.IsZero(), "a top-up is not spend")
}

func TestConfirmPurchaseUpdatesSpendAndSettles(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := newService(m, domain.ReferralPolicy{Type: domain.RewardPercentPurchase, Percent: decimal.NewFromInt(10)})

	require.NoError(t, m.RegisterAccount(ctx, 1, "referrer", nil))
	ref := int64(1)
	_, err := p.Register(ctx, 2, "referred", &ref)
	require.NoError(t, err)

	_, err = p.CreateIntent(ctx, "pay-1", 2, decimal.NewFromInt(300), "yookassa", domain.Metadata{Action: domain.ActionNewKey, Months: 3})
	require.NoError(t, err)
	_, err = p.Confirm(ctx, "pay-1", domain.Resolution{Outcome: domain.StatusPaid})
	require.NoError(t, err)

	referred, err := m.GetAccount(ctx, 2)
	require.NoError(t, err)
	assert.True(t, referred.TotalSpent.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, 3, referred.TotalMonths)

	referrer, err := m.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, referrer.ReferralBalance.Equal(decimal.NewFromInt(30)))
}

func TestConfirmFailedHasNoEffects(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := newService(m, domain.ReferralPolicy{})
	_, err := p.Register(ctx, 1, "alice", nil)
	require.NoError(t, err)

	_, err = p.CreateIntent(ctx, "pay-1", 1, decimal.NewFromInt(500), "yookassa", domain.Metadata{Action: domain.ActionTopUp})
	require.NoError(t, err)
	tx, err := p.Confirm(ctx, "pay-1", domain.Resolution{Outcome: domain.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, tx.Status)

	a, err := m.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
}

// Replayed webhooks race on the same payment id. Exactly one confirmation
// may apply the credit; the rest surface the benign duplicate error.
func TestParallelConfirmCreditsOnce(t *testing.T) {
	const racers = 16
	ctx := context.Background()
	m := store.NewMemory()
	p := newService(m, domain.ReferralPolicy{})
	_, err := p.Register(ctx, 1, "alice", nil)
	require.NoError(t, err)
	_, err = p.CreateIntent(ctx, "pay-1", 1, decimal.NewFromInt(500), "yookassa", domain.Metadata{Action: domain.ActionTopUp})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Confirm(ctx, "pay-1", domain.Resolution{Outcome: domain.StatusPaid})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else {
				assert.True(t, IsDuplicateCallback(err))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	a, err := m.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(500)), "balance is %s", a.Balance)
}

// brokenCreditStore fails every credit, simulating a store outage that
// outlasts the retry budget.
type brokenCreditStore struct {
	*store.Memory
}

func (b *brokenCreditStore) Credit(context.Context, int64, domain.BalanceKind, decimal.Decimal) error {
	return fmt.Errorf("credit: %w", domain.ErrTransientStore)
}

func TestConfirmCreditFailureLeavesMarker(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	balances := NewBalances(&brokenCreditStore{Memory: m})
	p := NewPaymentService(m, NewRecorder(m), balances, NewSettler(m), StaticPolicy(domain.ReferralPolicy{}))

	_, err := p.Register(ctx, 1, "alice", nil)
	require.NoError(t, err)
	_, err = p.CreateIntent(ctx, "pay-1", 1, decimal.NewFromInt(500), "yookassa", domain.Metadata{Action: domain.ActionTopUp})
	require.NoError(t, err)

	before := testutil.ToFloat64(confirmEffectsFailedTotal.WithLabelValues("credit"))
	_, err = p.Confirm(ctx, "pay-1", domain.Resolution{Outcome: domain.StatusPaid})
	require.ErrorIs(t, err, domain.ErrTransientStore)
	assert.Equal(t, before+1, testutil.ToFloat64(confirmEffectsFailedTotal.WithLabelValues("credit")))

	// The resolve already committed, so a gateway retry is a duplicate and
	// will not replay the credit; the marker above is the recovery signal.
	_, err = p.Confirm(ctx, "pay-1", domain.Resolution{Outcome: domain.StatusPaid})
	assert.True(t, IsDuplicateCallback(err))

	tx, err := m.GetTransaction(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, tx.Status)
	a, err := m.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero(), "the credit never applied; replay is manual")
}

func TestPurchaseFromBalance(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := newService(m, domain.ReferralPolicy{})
	_, err := p.Register(ctx, 1, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, m.Credit(ctx, 1, domain.BalanceSpendable, decimal.NewFromInt(500)))

	tx, err := p.PurchaseFromBalance(ctx, 1, decimal.NewFromInt(300), domain.Metadata{Action: domain.ActionNewKey, Months: 3})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, tx.Status)
	assert.Equal(t, domain.MethodBalance, tx.Method)

	a, err := m.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(200)))
	assert.True(t, a.TotalSpent.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, 3, a.TotalMonths)
}

func TestPurchaseFromBalanceInsufficient(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := newService(m, domain.ReferralPolicy{})
	_, err := p.Register(ctx, 1, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, m.Credit(ctx, 1, domain.BalanceSpendable, decimal.NewFromInt(100)))

	_, err = p.PurchaseFromBalance(ctx, 1, decimal.NewFromInt(300), domain.Metadata{Action: domain.ActionNewKey})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// No transaction is recorded for a rejected purchase.
	total, err := m.TotalPaidByUser(ctx, 1)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestPurchaseFromBalanceRejectsTopUp(t *testing.T) {
	m := store.NewMemory()
	p := newService(m, domain.ReferralPolicy{})
	_, err := p.PurchaseFromBalance(context.Background(), 1, decimal.NewFromInt(100), domain.Metadata{Action: domain.ActionTopUp})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}
