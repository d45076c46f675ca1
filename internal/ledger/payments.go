package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/shopvpn/ledger/internal/domain"
)

// AccountOps is the slice of the store the payment flow needs beyond the
// recorder and balance primitives.
type AccountOps interface {
	RegisterAccount(ctx context.Context, userID int64, username string, referrerID *int64) error
	GetAccount(ctx context.Context, userID int64) (*domain.Account, error)
	AddSpend(ctx context.Context, userID int64, amount decimal.Decimal, months int) error
}

// PaymentService drives the money flows end to end: registration with its
// start bonus, gateway confirmations, and balance-funded purchases. Each
// store call inside a flow is its own atomic unit; the resolve CAS is the
// idempotency gate for everything downstream of a confirmation.
type PaymentService struct {
	accounts AccountOps
	recorder *Recorder
	balances *Balances
	settler  *Settler
	policy   PolicySource
}

func NewPaymentService(accounts AccountOps, recorder *Recorder, balances *Balances, settler *Settler, policy PolicySource) *PaymentService {
	return &PaymentService{
		accounts: accounts,
		recorder: recorder,
		balances: balances,
		settler:  settler,
		policy:   policy,
	}
}

// Register creates the account on first contact and settles the
// registration-time start bonus when the user arrived via a referral.
func (p *PaymentService) Register(ctx context.Context, userID int64, username string, referrerID *int64) (*domain.Account, error) {
	err := withRetry(ctx, func() error {
		return p.accounts.RegisterAccount(ctx, userID, username, referrerID)
	})
	if err != nil {
		return nil, err
	}
	account, err := p.accounts.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	policy, err := p.policy.Snapshot(ctx)
	if err != nil {
		log.Printf("policy snapshot failed during registration of %d: %v", userID, err)
		return account, nil
	}
	if _, err := p.settler.SettleRegistration(ctx, account, policy); err != nil {
		log.Printf("start-bonus settlement failed for user %d: %v", userID, err)
	}
	return account, nil
}

// CreateIntent records a pending transaction before the gateway is
// contacted.
func (p *PaymentService) CreateIntent(ctx context.Context, paymentID string, userID int64, amount decimal.Decimal, method string, meta domain.Metadata) (int64, error) {
	account, err := p.accounts.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return p.recorder.CreatePending(ctx, paymentID, userID, account.Username, amount, method, meta)
}

// Confirm applies a gateway confirmation. Exactly one caller wins the
// resolve CAS; duplicates get ErrAlreadyResolved and no effects run
// twice. On paid, the amount lands either on the spendable balance
// (top-up) or on the spend counters (purchase), then referral settlement
// runs with a fresh policy snapshot.
func (p *PaymentService) Confirm(ctx context.Context, paymentID string, res domain.Resolution) (*domain.Transaction, error) {
	tx, err := p.recorder.Resolve(ctx, paymentID, res)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.StatusPaid {
		return tx, nil
	}

	account, err := p.accounts.GetAccount(ctx, tx.UserID)
	if err != nil {
		return nil, fmt.Errorf("confirm %s: %w", paymentID, err)
	}

	if tx.Metadata.Action == domain.ActionTopUp {
		if err := p.balances.Credit(ctx, tx.UserID, domain.BalanceSpendable, tx.Amount); err != nil {
			// The resolve CAS has already committed, so a gateway retry will
			// see already_resolved and never replay this credit. Leave a
			// durable marker: the transaction row holds the authoritative
			// amount, and an operator replays it through the admin credit.
			confirmEffectsFailedTotal.WithLabelValues("credit").Inc()
			log.Printf("UNAPPLIED CREDIT: payment %s user %d amount %s: %v", paymentID, tx.UserID, tx.Amount, err)
			return nil, fmt.Errorf("confirm %s: credit: %w", paymentID, err)
		}
	} else {
		err := withRetry(ctx, func() error {
			return p.accounts.AddSpend(ctx, tx.UserID, tx.Amount, tx.Metadata.Months)
		})
		if err != nil {
			confirmEffectsFailedTotal.WithLabelValues("spend").Inc()
			log.Printf("UNAPPLIED SPEND: payment %s user %d amount %s: %v", paymentID, tx.UserID, tx.Amount, err)
			return nil, fmt.Errorf("confirm %s: spend counters: %w", paymentID, err)
		}
	}

	p.settle(ctx, account, tx)
	return tx, nil
}

// PurchaseFromBalance is the provisioning service's entry point: debit
// first, and only on success record the purchase. On a shortfall the key
// must not be issued; the caller gets ErrInsufficientFunds to prompt a
// top-up.
func (p *PaymentService) PurchaseFromBalance(ctx context.Context, userID int64, amount decimal.Decimal, meta domain.Metadata) (*domain.Transaction, error) {
	if meta.Action == domain.ActionTopUp {
		return nil, fmt.Errorf("%w: balance purchase cannot be a top-up", domain.ErrInvalidAmount)
	}
	account, err := p.accounts.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := p.balances.DebitIfSufficient(ctx, userID, domain.BalanceSpendable, amount); err != nil {
		return nil, err
	}

	tx, err := p.recorder.LogTerminal(ctx, userID, account.Username, amount, domain.MethodBalance, meta)
	if err != nil {
		return nil, fmt.Errorf("balance purchase for user %d: %w", userID, err)
	}
	err = withRetry(ctx, func() error {
		return p.accounts.AddSpend(ctx, userID, amount, meta.Months)
	})
	if err != nil {
		log.Printf("spend counters failed for user %d payment %s: %v", userID, tx.PaymentID, err)
	}

	p.settle(ctx, account, tx)
	return tx, nil
}

// settle runs referral settlement best-effort: the purchase side of the
// money is already safe, and a reward failure must not fail the
// confirmation the gateway is waiting on.
func (p *PaymentService) settle(ctx context.Context, account *domain.Account, tx *domain.Transaction) {
	if account.ReferredBy == nil {
		return
	}
	policy, err := p.policy.Snapshot(ctx)
	if err != nil {
		log.Printf("policy snapshot failed for payment %s: %v", tx.PaymentID, err)
		return
	}
	if _, err := p.settler.SettlePurchase(ctx, account, tx, policy); err != nil {
		log.Printf("referral settlement failed for payment %s: %v", tx.PaymentID, err)
	}
}

// IsDuplicateCallback reports whether a confirmation error is the benign
// duplicate-webhook case that must not surface as a failure.
func IsDuplicateCallback(err error) bool {
	return errors.Is(err, domain.ErrAlreadyResolved)
}
