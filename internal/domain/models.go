package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceKind selects which of an account's two mutable balances an
// operation targets.
type BalanceKind string

const (
	BalanceSpendable BalanceKind = "spendable"
	BalanceReferral  BalanceKind = "referral"
)

func (k BalanceKind) Valid() bool {
	return k == BalanceSpendable || k == BalanceReferral
}

// TxStatus is the closed status enumeration for transaction records.
// The only legal transitions are pending -> paid and pending -> failed.
type TxStatus string

const (
	StatusPending TxStatus = "pending"
	StatusPaid    TxStatus = "paid"
	StatusFailed  TxStatus = "failed"
)

func (s TxStatus) Valid() bool {
	return s == StatusPending || s == StatusPaid || s == StatusFailed
}

// Terminal reports whether the status can never change again.
func (s TxStatus) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Account is one user's ledger state, keyed by the messaging platform's
// numeric user id. Balance and ReferralBalance never go negative through
// the purchase path; ReferralEarnedTotal only grows.
type Account struct {
	TelegramID          int64           `json:"telegram_id"`
	Username            string          `json:"username"`
	Balance             decimal.Decimal `json:"balance"`
	ReferralBalance     decimal.Decimal `json:"referral_balance"`
	ReferralEarnedTotal decimal.Decimal `json:"referral_earned_total"`
	TotalSpent          decimal.Decimal `json:"total_spent"`
	TotalMonths         int             `json:"total_months"`
	ReferredBy          *int64          `json:"referred_by,omitempty"`
	TrialUsed           bool            `json:"trial_used"`
	AgreedToTerms       bool            `json:"agreed_to_terms"`
	IsBanned            bool            `json:"is_banned"`
	StartBonusReceived  bool            `json:"start_bonus_received"`
	RegisteredAt        time.Time       `json:"registered_at"`
}

// PurchaseAction identifies what a transaction paid for.
type PurchaseAction string

const (
	ActionNewKey    PurchaseAction = "new_key"
	ActionExtendKey PurchaseAction = "extend_key"
	ActionTopUp     PurchaseAction = "top_up"
	ActionGift      PurchaseAction = "gift"
)

// MetadataVersion is the current Metadata payload schema version.
const MetadataVersion = 1

// MethodBalance is the payment-method tag for purchases funded from the
// spendable balance instead of an external gateway.
const MethodBalance = "balance"

// Metadata is the structured purchase context attached to a transaction.
// Settlement and reporting read these fields directly instead of parsing
// a free-form blob.
type Metadata struct {
	Version  int            `json:"v"`
	Action   PurchaseAction `json:"action"`
	HostName string         `json:"host_name,omitempty"`
	PlanID   int64          `json:"plan_id,omitempty"`
	PlanName string         `json:"plan_name,omitempty"`
	Months   int            `json:"months,omitempty"`
}

// Purchase reports whether the action consumes the amount as spend,
// as opposed to moving it onto the spendable balance.
func (m Metadata) Purchase() bool {
	return m.Action != ActionTopUp
}

// Transaction is the immutable record of a payment attempt and its
// resolution. Rows are never deleted; PaymentID is globally unique.
type Transaction struct {
	ID               int64            `json:"id"`
	PaymentID        string           `json:"payment_id"`
	UserID           int64            `json:"user_id"`
	Username         string           `json:"username,omitempty"`
	Status           TxStatus         `json:"status"`
	Amount           decimal.Decimal  `json:"amount"`
	ExternalAmount   *decimal.Decimal `json:"external_amount,omitempty"`
	ExternalCurrency string           `json:"external_currency,omitempty"`
	Method           string           `json:"method,omitempty"`
	Metadata         Metadata         `json:"metadata"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Resolution carries a gateway confirmation into the recorder.
type Resolution struct {
	Outcome          TxStatus
	ExternalAmount   *decimal.Decimal
	ExternalCurrency string
	Method           string
}

// AdminStats is the dashboard headline block.
type AdminStats struct {
	TotalUsers      int             `json:"total_users"`
	TotalKeys       int             `json:"total_keys"`
	ActiveKeys      int             `json:"active_keys"`
	TotalIncome     decimal.Decimal `json:"total_income"`
	TodayNewUsers   int             `json:"today_new_users"`
	TodayIncome     decimal.Decimal `json:"today_income"`
	TodayIssuedKeys int             `json:"today_issued_keys"`
}

// DailyPoint is one UTC calendar day of the dashboard time series.
type DailyPoint struct {
	Day        string          `json:"day"` // "2006-01-02"
	NewUsers   int             `json:"new_users"`
	KeysIssued int             `json:"keys_issued"`
	Income     decimal.Decimal `json:"income"`
}

// ReferralSummary is one row of a referrer's invite listing.
type ReferralSummary struct {
	TelegramID   int64           `json:"telegram_id"`
	Username     string          `json:"username"`
	RegisteredAt time.Time       `json:"registered_at"`
	TotalSpent   decimal.Decimal `json:"total_spent"`
}
