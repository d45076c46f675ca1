// Package store owns all durable ledger state: account rows, the
// transaction log, settings, and the reporting queries over them.
// Two implementations exist: Postgres for production and Memory for
// tests and local development. Both honor the same atomicity contract:
// every mutation is a single all-or-nothing unit scoped to one account
// row or one transaction row.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shopvpn/ledger/internal/domain"
)

// AccountStore covers account lifecycle and counters.
type AccountStore interface {
	// RegisterAccount creates the account on first contact. On revisit it
	// refreshes the username and backfills the referrer only if currently
	// unset. A self-referral is rejected before any write.
	RegisterAccount(ctx context.Context, userID int64, username string, referrerID *int64) error
	GetAccount(ctx context.Context, userID int64) (*domain.Account, error)
	// SetReferrer backfills the referring user once. Fails with
	// ErrReferrerAlreadySet if a referrer is already recorded.
	SetReferrer(ctx context.Context, userID, referrerID int64) error
	SetTermsAgreed(ctx context.Context, userID int64) error
	SetTrialUsed(ctx context.Context, userID int64) error
	SetBanned(ctx context.Context, userID int64, banned bool) error
	// AddSpend bumps the cumulative spend and months counters.
	AddSpend(ctx context.Context, userID int64, amount decimal.Decimal, months int) error
}

// BalanceStore is the only legal path to mutate balances. Each method is
// one atomic unit; DebitIfSufficient is a conditional write, not a
// read-then-write pair.
type BalanceStore interface {
	Credit(ctx context.Context, userID int64, kind domain.BalanceKind, amount decimal.Decimal) error
	// DebitIfSufficient subtracts amount only if the balance covers it.
	// Returns false with no mutation otherwise.
	DebitIfSufficient(ctx context.Context, userID int64, kind domain.BalanceKind, amount decimal.Decimal) (bool, error)
	// Adjust applies a signed delta without a sufficiency check. Reserved
	// for administrative corrections; never used in the purchase path.
	Adjust(ctx context.Context, userID int64, kind domain.BalanceKind, delta decimal.Decimal) error
	// CreditReferralReward moves referral_balance and referral_earned_total
	// together in one unit.
	CreditReferralReward(ctx context.Context, referrerID int64, amount decimal.Decimal) error
	// PayStartBonus flips the referred user's start-bonus flag and credits
	// the referrer in one unit. Returns false if the flag was already set.
	PayStartBonus(ctx context.Context, referredID, referrerID int64, bonus decimal.Decimal) (bool, error)
}

// TxStore creates and resolves transaction records.
type TxStore interface {
	// CreatePending inserts a pending record. The payment-id uniqueness is a
	// storage constraint, not a pre-check; collisions surface as
	// ErrDuplicatePaymentID.
	CreatePending(ctx context.Context, t *domain.Transaction) (int64, error)
	// Resolve is a compare-and-swap on status: it succeeds only while the
	// record is pending and returns the resolved row. A record that already
	// left pending yields ErrAlreadyResolved.
	Resolve(ctx context.Context, paymentID string, res domain.Resolution) (*domain.Transaction, error)
	// InsertResolved records an already-terminal transaction, used for
	// balance-funded purchases that never touch a gateway.
	InsertResolved(ctx context.Context, t *domain.Transaction) (int64, error)
	GetTransaction(ctx context.Context, paymentID string) (*domain.Transaction, error)
	// ListAgedPending returns pending rows created before cutoff, oldest first.
	ListAgedPending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error)
	// CountPaid returns the number of paid transactions for a user.
	CountPaid(ctx context.Context, userID int64) (int, error)
}

// SettingsStore is the loosely-typed key-value configuration surface.
type SettingsStore interface {
	Settings(ctx context.Context) (map[string]string, error)
	UpdateSetting(ctx context.Context, key, value string) error
}

// ReportStore serves read-only dashboard aggregates. Reads reflect current
// committed state; no cross-table snapshot isolation is promised.
type ReportStore interface {
	AdminStats(ctx context.Context, now time.Time) (*domain.AdminStats, error)
	DailySeries(ctx context.Context, days int, now time.Time) ([]domain.DailyPoint, error)
	ListTransactions(ctx context.Context, page, perPage int) ([]domain.Transaction, int, error)
	ListReferrals(ctx context.Context, referrerID int64) ([]domain.ReferralSummary, error)
	UserPaymentHistory(ctx context.Context, userID int64) ([]domain.Transaction, error)
	UserBalanceHistory(ctx context.Context, userID int64) ([]domain.Transaction, error)
	TotalPaidByUser(ctx context.Context, userID int64) (decimal.Decimal, error)
}

// Store is the full surface both implementations provide.
type Store interface {
	AccountStore
	BalanceStore
	TxStore
	SettingsStore
	ReportStore
}
