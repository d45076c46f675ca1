package store

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/shopvpn/ledger/internal/domain"
)

// Reporting reads. These feed dashboards, not settlement, so each query
// runs against current committed state without cross-table snapshots.

func (s *Postgres) AdminStats(ctx context.Context, now time.Time) (*domain.AdminStats, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	stats := &domain.AdminStats{TotalIncome: decimal.Zero, TodayIncome: decimal.Zero}

	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT COUNT(*) FROM accounts WHERE registered_at >= $1),
			(SELECT COUNT(*) FROM vpn_keys),
			(SELECT COUNT(*) FROM vpn_keys WHERE expiry_at > $2),
			(SELECT COUNT(*) FROM vpn_keys WHERE created_at >= $1),
			(SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE status = $3),
			(SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE status = $3 AND created_at >= $1)`,
		dayStart, now, domain.StatusPaid).
		Scan(&stats.TotalUsers, &stats.TodayNewUsers, &stats.TotalKeys, &stats.ActiveKeys,
			&stats.TodayIssuedKeys, &stats.TotalIncome, &stats.TodayIncome)
	if err != nil {
		return nil, wrap("admin stats", err)
	}
	return stats, nil
}

func (s *Postgres) DailySeries(ctx context.Context, days int, now time.Time) ([]domain.DailyPoint, error) {
	from := now.UTC().AddDate(0, 0, -days)
	points := make(map[string]*domain.DailyPoint)
	point := func(day string) *domain.DailyPoint {
		if p, ok := points[day]; ok {
			return p
		}
		p := &domain.DailyPoint{Day: day, Income: decimal.Zero}
		points[day] = p
		return p
	}

	rows, err := s.db.Query(ctx, `
		SELECT to_char(registered_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM accounts WHERE registered_at >= $1
		GROUP BY day`, from)
	if err != nil {
		return nil, wrap("daily users", err)
	}
	if err := scanDaily(rows, func(day string, n int) { point(day).NewUsers = n }); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM vpn_keys WHERE created_at >= $1
		GROUP BY day`, from)
	if err != nil {
		return nil, wrap("daily keys", err)
	}
	if err := scanDaily(rows, func(day string, n int) { point(day).KeysIssued = n }); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COALESCE(SUM(amount), 0)
		FROM transactions WHERE status = $1 AND created_at >= $2
		GROUP BY day`, domain.StatusPaid, from)
	if err != nil {
		return nil, wrap("daily income", err)
	}
	defer rows.Close()
	for rows.Next() {
		var day string
		var sum decimal.Decimal
		if err := rows.Scan(&day, &sum); err != nil {
			return nil, wrap("scan daily income", err)
		}
		point(day).Income = sum
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("daily income rows", err)
	}

	return sortDaily(points), nil
}

func (s *Postgres) ListTransactions(ctx context.Context, page, perPage int) ([]domain.Transaction, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM transactions").Scan(&total); err != nil {
		return nil, 0, wrap("count transactions", err)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, wrap("list transactions", err)
	}
	txs, err := collectTxs(rows)
	return txs, total, err
}

func (s *Postgres) ListReferrals(ctx context.Context, referrerID int64) ([]domain.ReferralSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT telegram_id, username, registered_at, total_spent
		FROM accounts WHERE referred_by = $1
		ORDER BY registered_at DESC`, referrerID)
	if err != nil {
		return nil, wrap("list referrals", err)
	}
	defer rows.Close()

	var out []domain.ReferralSummary
	for rows.Next() {
		var r domain.ReferralSummary
		if err := rows.Scan(&r.TelegramID, &r.Username, &r.RegisteredAt, &r.TotalSpent); err != nil {
			return nil, wrap("scan referral", err)
		}
		out = append(out, r)
	}
	return out, wrap("referral rows", rows.Err())
}

func (s *Postgres) UserPaymentHistory(ctx context.Context, userID int64) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE user_id = $1 AND status = $2 AND amount > 0
		ORDER BY created_at DESC`, userID, domain.StatusPaid)
	if err != nil {
		return nil, wrap("payment history", err)
	}
	return collectTxs(rows)
}

func (s *Postgres) UserBalanceHistory(ctx context.Context, userID int64) ([]domain.Transaction, error) {
	// Top-ups plus balance-funded purchases: everything that moved the
	// spendable balance.
	rows, err := s.db.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE user_id = $1
		  AND ((status = $2 AND metadata->>'action' = $3) OR method = $4)
		ORDER BY created_at DESC`,
		userID, domain.StatusPaid, domain.ActionTopUp, domain.MethodBalance)
	if err != nil {
		return nil, wrap("balance history", err)
	}
	return collectTxs(rows)
}

func (s *Postgres) TotalPaidByUser(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = $1 AND status = $2",
		userID, domain.StatusPaid).Scan(&sum)
	if err != nil {
		return decimal.Zero, wrap("total paid", err)
	}
	return sum, nil
}

func scanDaily(rows pgx.Rows, set func(day string, n int)) error {
	defer rows.Close()
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return wrap("scan daily", err)
		}
		set(day, n)
	}
	return wrap("daily rows", rows.Err())
}

func sortDaily(points map[string]*domain.DailyPoint) []domain.DailyPoint {
	days := make([]string, 0, len(points))
	for day := range points {
		days = append(days, day)
	}
	sort.Strings(days)
	out := make([]domain.DailyPoint, 0, len(days))
	for _, day := range days {
		out = append(out, *points[day])
	}
	return out
}
