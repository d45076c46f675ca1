package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shopvpn/ledger/internal/domain"
	"github.com/shopvpn/ledger/internal/store"
)

// Recorder creates and resolves transaction records with write-once
// resolution semantics.
type Recorder struct {
	store store.TxStore
}

func NewRecorder(s store.TxStore) *Recorder {
	return &Recorder{store: s}
}

// CreatePending registers a payment intent before the gateway is
// contacted. The payment id must be unique; a collision is the caller's
// cue to generate a fresh one and retry.
func (r *Recorder) CreatePending(ctx context.Context, paymentID string, userID int64, username string, amount decimal.Decimal, method string, meta domain.Metadata) (int64, error) {
	if paymentID == "" {
		return 0, fmt.Errorf("%w: empty payment id", domain.ErrPaymentNotFound)
	}
	if amount.Sign() <= 0 {
		return 0, fmt.Errorf("%w: non-positive amount %s", domain.ErrInvalidAmount, amount)
	}
	meta.Version = domain.MetadataVersion
	t := &domain.Transaction{
		PaymentID: paymentID,
		UserID:    userID,
		Username:  username,
		Amount:    amount,
		Method:    method,
		Metadata:  meta,
	}
	var id int64
	err := withRetry(ctx, func() error {
		var err error
		id, err = r.store.CreatePending(ctx, t)
		return err
	})
	return id, err
}

// Resolve transitions pending -> paid/failed exactly once. Duplicate
// gateway callbacks surface as ErrAlreadyResolved, which callers treat
// as a no-op rather than a failure.
func (r *Recorder) Resolve(ctx context.Context, paymentID string, res domain.Resolution) (*domain.Transaction, error) {
	if !res.Outcome.Terminal() {
		return nil, fmt.Errorf("resolution outcome must be terminal, got %q", res.Outcome)
	}
	var t *domain.Transaction
	err := withRetry(ctx, func() error {
		var err error
		t, err = r.store.Resolve(ctx, paymentID, res)
		return err
	})
	if err != nil {
		return nil, err
	}
	paymentsResolvedTotal.WithLabelValues(string(res.Outcome)).Inc()
	return t, nil
}

// LogTerminal records an already-settled transaction for flows that never
// touch an external gateway (balance-funded purchases). A payment id is
// generated since no gateway assigned one.
func (r *Recorder) LogTerminal(ctx context.Context, userID int64, username string, amount decimal.Decimal, method string, meta domain.Metadata) (*domain.Transaction, error) {
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount %s", domain.ErrInvalidAmount, amount)
	}
	meta.Version = domain.MetadataVersion
	t := &domain.Transaction{
		PaymentID: uuid.NewString(),
		UserID:    userID,
		Username:  username,
		Status:    domain.StatusPaid,
		Amount:    amount,
		Method:    method,
		Metadata:  meta,
	}
	err := withRetry(ctx, func() error {
		id, err := r.store.InsertResolved(ctx, t)
		t.ID = id
		return err
	})
	if err != nil {
		return nil, err
	}
	paymentsResolvedTotal.WithLabelValues(string(domain.StatusPaid)).Inc()
	return t, nil
}
