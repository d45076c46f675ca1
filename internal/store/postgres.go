package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shopvpn/ledger/internal/domain"
)

const (
	pgUniqueViolation = "23505"
	pgFKViolation     = "23503"
)

// Postgres implements Store over a pgx connection pool. Every balance
// mutation is a single conditional UPDATE, so row-level atomicity comes
// from the database rather than from application locks.
type Postgres struct {
	db *pgxpool.Pool
}

// Connect builds the pool, registers the decimal codec on every
// connection and verifies connectivity.
func Connect(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Postgres{db: pool}, nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool}
}

func (s *Postgres) Close() {
	s.db.Close()
}

func (s *Postgres) Pool() *pgxpool.Pool {
	return s.db
}

// wrap classifies storage failures: timeouts and connection-level errors
// become ErrTransientStore so callers can retry the whole unit.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgFKViolation
}

// --- accounts ---

func (s *Postgres) RegisterAccount(ctx context.Context, userID int64, username string, referrerID *int64) error {
	if referrerID != nil && *referrerID == userID {
		return domain.ErrSelfReferral
	}
	// The conflict arm refreshes the username and backfills the referrer
	// only while it is NULL.
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (telegram_id, username, referred_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (telegram_id) DO UPDATE
		SET username    = EXCLUDED.username,
		    referred_by = COALESCE(accounts.referred_by, EXCLUDED.referred_by)`,
		userID, username, referrerID)
	if isFKViolation(err) {
		// The referred_by FK: the claimed referrer has no account.
		return fmt.Errorf("referrer %d: %w", *referrerID, domain.ErrAccountNotFound)
	}
	return wrap("register account", err)
}

func (s *Postgres) GetAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	var a domain.Account
	err := s.db.QueryRow(ctx, `
		SELECT telegram_id, username, balance, referral_balance, referral_earned_total,
		       total_spent, total_months, referred_by, trial_used, agreed_to_terms,
		       is_banned, start_bonus_received, registered_at
		FROM accounts WHERE telegram_id = $1`, userID).
		Scan(&a.TelegramID, &a.Username, &a.Balance, &a.ReferralBalance, &a.ReferralEarnedTotal,
			&a.TotalSpent, &a.TotalMonths, &a.ReferredBy, &a.TrialUsed, &a.AgreedToTerms,
			&a.IsBanned, &a.StartBonusReceived, &a.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, wrap("get account", err)
	}
	return &a, nil
}

func (s *Postgres) SetReferrer(ctx context.Context, userID, referrerID int64) error {
	if referrerID == userID {
		return domain.ErrSelfReferral
	}
	tag, err := s.db.Exec(ctx,
		"UPDATE accounts SET referred_by = $2 WHERE telegram_id = $1 AND referred_by IS NULL",
		userID, referrerID)
	if isFKViolation(err) {
		return fmt.Errorf("referrer %d: %w", referrerID, domain.ErrAccountNotFound)
	}
	if err != nil {
		return wrap("set referrer", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAccount(ctx, userID); err != nil {
			return err
		}
		return domain.ErrReferrerAlreadySet
	}
	return nil
}

func (s *Postgres) SetTermsAgreed(ctx context.Context, userID int64) error {
	return s.setFlag(ctx, "agreed_to_terms", userID, true)
}

func (s *Postgres) SetTrialUsed(ctx context.Context, userID int64) error {
	return s.setFlag(ctx, "trial_used", userID, true)
}

func (s *Postgres) SetBanned(ctx context.Context, userID int64, banned bool) error {
	return s.setFlag(ctx, "is_banned", userID, banned)
}

func (s *Postgres) setFlag(ctx context.Context, column string, userID int64, value bool) error {
	// column is one of a fixed set of callers, never user input.
	tag, err := s.db.Exec(ctx,
		fmt.Sprintf("UPDATE accounts SET %s = $2 WHERE telegram_id = $1", column),
		userID, value)
	if err != nil {
		return wrap("set "+column, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Postgres) AddSpend(ctx context.Context, userID int64, amount decimal.Decimal, months int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE accounts
		SET total_spent = total_spent + $2, total_months = total_months + $3
		WHERE telegram_id = $1`, userID, amount, months)
	if err != nil {
		return wrap("add spend", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// --- balances ---

const (
	creditSpendable = "UPDATE accounts SET balance = balance + $2 WHERE telegram_id = $1"
	creditReferral  = "UPDATE accounts SET referral_balance = referral_balance + $2 WHERE telegram_id = $1"
	debitSpendable  = "UPDATE accounts SET balance = balance - $2 WHERE telegram_id = $1 AND balance >= $2"
	debitReferral   = "UPDATE accounts SET referral_balance = referral_balance - $2 WHERE telegram_id = $1 AND referral_balance >= $2"
)

func (s *Postgres) Credit(ctx context.Context, userID int64, kind domain.BalanceKind, amount decimal.Decimal) error {
	q := creditSpendable
	if kind == domain.BalanceReferral {
		q = creditReferral
	}
	tag, err := s.db.Exec(ctx, q, userID, amount)
	if err != nil {
		return wrap("credit", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Postgres) DebitIfSufficient(ctx context.Context, userID int64, kind domain.BalanceKind, amount decimal.Decimal) (bool, error) {
	q := debitSpendable
	if kind == domain.BalanceReferral {
		q = debitReferral
	}
	// Single conditional UPDATE: the sufficiency check and the subtraction
	// commit as one statement, so two racing debits serialize on the row.
	tag, err := s.db.Exec(ctx, q, userID, amount)
	if err != nil {
		return false, wrap("debit", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Postgres) Adjust(ctx context.Context, userID int64, kind domain.BalanceKind, delta decimal.Decimal) error {
	q := creditSpendable
	if kind == domain.BalanceReferral {
		q = creditReferral
	}
	tag, err := s.db.Exec(ctx, q, userID, delta)
	if err != nil {
		return wrap("adjust", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Postgres) CreditReferralReward(ctx context.Context, referrerID int64, amount decimal.Decimal) error {
	// Withdrawable balance and lifetime audit counter move together.
	tag, err := s.db.Exec(ctx, `
		UPDATE accounts
		SET referral_balance = referral_balance + $2,
		    referral_earned_total = referral_earned_total + $2
		WHERE telegram_id = $1`, referrerID, amount)
	if err != nil {
		return wrap("credit referral reward", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Postgres) PayStartBonus(ctx context.Context, referredID, referrerID int64, bonus decimal.Decimal) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return false, wrap("start bonus begin", err)
	}
	defer tx.Rollback(ctx)

	// Flag CAS first: the winner pays exactly once.
	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET start_bonus_received = TRUE
		WHERE telegram_id = $1 AND start_bonus_received = FALSE`, referredID)
	if err != nil {
		return false, wrap("start bonus flag", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE accounts
		SET referral_balance = referral_balance + $2,
		    referral_earned_total = referral_earned_total + $2
		WHERE telegram_id = $1`, referrerID, bonus)
	if err != nil {
		return false, wrap("start bonus credit", err)
	}
	if tag.RowsAffected() == 0 {
		return false, domain.ErrAccountNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return false, wrap("start bonus commit", err)
	}
	return true, nil
}

// --- transactions ---

const txColumns = `id, payment_id, user_id, username, status, amount,
	external_amount, external_currency, method, metadata, created_at`

func scanTx(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var ext decimal.NullDecimal
	err := row.Scan(&t.ID, &t.PaymentID, &t.UserID, &t.Username, &t.Status, &t.Amount,
		&ext, &t.ExternalCurrency, &t.Method, &t.Metadata, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if ext.Valid {
		t.ExternalAmount = &ext.Decimal
	}
	return &t, nil
}

func (s *Postgres) CreatePending(ctx context.Context, t *domain.Transaction) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO transactions (payment_id, user_id, username, status, amount, method, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		t.PaymentID, t.UserID, t.Username, domain.StatusPending, t.Amount, t.Method, t.Metadata).
		Scan(&id)
	if isUnique(err) {
		return 0, domain.ErrDuplicatePaymentID
	}
	if err != nil {
		return 0, wrap("create pending", err)
	}
	return id, nil
}

func (s *Postgres) Resolve(ctx context.Context, paymentID string, res domain.Resolution) (*domain.Transaction, error) {
	var ext decimal.NullDecimal
	if res.ExternalAmount != nil {
		ext = decimal.NewNullDecimal(*res.ExternalAmount)
	}
	// Conditional write: only a pending row transitions, which closes the
	// double-resolution race at the storage level.
	t, err := scanTx(s.db.QueryRow(ctx, `
		UPDATE transactions
		SET status = $2,
		    external_amount = COALESCE($3, external_amount),
		    external_currency = COALESCE(NULLIF($4, ''), external_currency),
		    method = COALESCE(NULLIF($5, ''), method)
		WHERE payment_id = $1 AND status = $6
		RETURNING `+txColumns,
		paymentID, res.Outcome, ext, res.ExternalCurrency, res.Method, domain.StatusPending))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrap("resolve", err)
	}
	// Lost the CAS or the record never existed; report which.
	var status domain.TxStatus
	err = s.db.QueryRow(ctx, "SELECT status FROM transactions WHERE payment_id = $1", paymentID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, wrap("resolve status check", err)
	}
	return nil, domain.ErrAlreadyResolved
}

func (s *Postgres) InsertResolved(ctx context.Context, t *domain.Transaction) (int64, error) {
	var ext decimal.NullDecimal
	if t.ExternalAmount != nil {
		ext = decimal.NewNullDecimal(*t.ExternalAmount)
	}
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO transactions (payment_id, user_id, username, status, amount,
			external_amount, external_currency, method, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		t.PaymentID, t.UserID, t.Username, t.Status, t.Amount, ext, t.ExternalCurrency,
		t.Method, t.Metadata).
		Scan(&id)
	if isUnique(err) {
		return 0, domain.ErrDuplicatePaymentID
	}
	if err != nil {
		return 0, wrap("insert resolved", err)
	}
	return id, nil
}

func (s *Postgres) GetTransaction(ctx context.Context, paymentID string) (*domain.Transaction, error) {
	t, err := scanTx(s.db.QueryRow(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE payment_id = $1", paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, wrap("get transaction", err)
	}
	return t, nil
}

func (s *Postgres) ListAgedPending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at LIMIT $3`,
		domain.StatusPending, cutoff, limit)
	if err != nil {
		return nil, wrap("list aged pending", err)
	}
	return collectTxs(rows)
}

func (s *Postgres) CountPaid(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM transactions WHERE user_id = $1 AND status = $2",
		userID, domain.StatusPaid).Scan(&n)
	if err != nil {
		return 0, wrap("count paid", err)
	}
	return n, nil
}

func collectTxs(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, wrap("scan transaction", err)
		}
		out = append(out, *t)
	}
	return out, wrap("transaction rows", rows.Err())
}

// --- settings ---

func (s *Postgres) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.Query(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, wrap("settings", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, wrap("scan setting", err)
		}
		out[k] = v
	}
	return out, wrap("settings rows", rows.Err())
}

func (s *Postgres) UpdateSetting(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return wrap("update setting", err)
}

var _ Store = (*Postgres)(nil)
