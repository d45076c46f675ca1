package worker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopvpn/ledger/internal/domain"
	"github.com/shopvpn/ledger/internal/store"
)

func pending(ctx context.Context, t *testing.T, m *store.Memory, payID string, age time.Duration) {
	t.Helper()
	_, err := m.CreatePending(ctx, &domain.Transaction{
		PaymentID: payID,
		UserID:    1,
		Amount:    decimal.NewFromInt(100),
		CreatedAt: time.Now().UTC().Add(-age),
	})
	require.NoError(t, err)
}

func TestReconcilerFailsAgedPending(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	pending(ctx, t, m, "stale", 48*time.Hour)
	pending(ctx, t, m, "fresh", time.Hour)

	r := NewReconciler(m, nil, time.Hour, 24*time.Hour, "test")
	r.runOnce(ctx)

	stale, err := m.GetTransaction(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stale.Status)

	fresh, err := m.GetTransaction(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, fresh.Status, "a transaction inside the window must be left alone")
}

func TestReconcilerLeavesResolvedAlone(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	pending(ctx, t, m, "stale-paid", 48*time.Hour)

	// The gateway confirms just before the sweep runs.
	_, err := m.Resolve(ctx, "stale-paid", domain.Resolution{Outcome: domain.StatusPaid})
	require.NoError(t, err)

	r := NewReconciler(m, nil, time.Hour, 24*time.Hour, "test")
	r.runOnce(ctx)

	tx, err := m.GetTransaction(ctx, "stale-paid")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, tx.Status)
}

func TestReconcilerIdempotent(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	pending(ctx, t, m, "stale", 48*time.Hour)

	r := NewReconciler(m, nil, time.Hour, 24*time.Hour, "test")
	r.runOnce(ctx)
	r.runOnce(ctx)

	tx, err := m.GetTransaction(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, tx.Status)
}
