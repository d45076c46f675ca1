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

func TestRecorderCreateAndResolve(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	r := NewRecorder(m)

	meta := domain.Metadata{Action: domain.ActionNewKey, HostName: "nl-1", Months: 3}
	id, err := r.CreatePending(ctx, "pay-1", 42, "alice", decimal.NewFromInt(300), "yookassa", meta)
	require.NoError(t, err)
	assert.NotZero(t, id)

	tx, err := m.GetTransaction(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, tx.Status)
	assert.Equal(t, domain.MetadataVersion, tx.Metadata.Version)

	ext := decimal.NewFromInt(300)
	resolved, err := r.Resolve(ctx, "pay-1", domain.Resolution{
		Outcome:          domain.StatusPaid,
		ExternalAmount:   &ext,
		ExternalCurrency: "RUB",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, resolved.Status)
	require.NotNil(t, resolved.ExternalAmount)
	assert.Equal(t, "RUB", resolved.ExternalCurrency)
}

func TestRecorderResolveRequiresTerminalOutcome(t *testing.T) {
	r := NewRecorder(store.NewMemory())
	_, err := r.Resolve(context.Background(), "pay-1", domain.Resolution{Outcome: domain.StatusPending})
	assert.Error(t, err)
}

func TestRecorderDuplicateResolve(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	r := NewRecorder(m)

	_, err := r.CreatePending(ctx, "pay-1", 42, "alice", decimal.NewFromInt(100), "", domain.Metadata{})
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "pay-1", domain.Resolution{Outcome: domain.StatusPaid})
	require.NoError(t, err)

	_, err = r.Resolve(ctx, "pay-1", domain.Resolution{Outcome: domain.StatusPaid})
	assert.True(t, IsDuplicateCallback(err))
}

func TestRecorderCreateValidation(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(store.NewMemory())

	_, err := r.CreatePending(ctx, "", 42, "alice", decimal.NewFromInt(100), "", domain.Metadata{})
	assert.Error(t, err)

	_, err = r.CreatePending(ctx, "pay-1", 42, "alice", decimal.Zero, "", domain.Metadata{})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestLogTerminal(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	r := NewRecorder(m)

	tx, err := r.LogTerminal(ctx, 42, "alice", decimal.NewFromInt(150), domain.MethodBalance, domain.Metadata{Action: domain.ActionExtendKey, Months: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, tx.Status)
	assert.NotEmpty(t, tx.PaymentID, "a payment id is generated when no gateway assigned one")
	assert.NotZero(t, tx.ID)

	// Two balance purchases never collide on payment id.
	tx2, err := r.LogTerminal(ctx, 42, "alice", decimal.NewFromInt(150), domain.MethodBalance, domain.Metadata{Action: domain.ActionExtendKey, Months: 1})
	require.NoError(t, err)
	assert.NotEqual(t, tx.PaymentID, tx2.PaymentID)
}
