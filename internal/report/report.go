// Package report serves the read-only dashboard aggregates. Nothing here
// mutates ledger state; approximate consistency against current committed
// state is acceptable for these views.
package report

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/shopvpn/ledger/internal/domain"
	"github.com/shopvpn/ledger/internal/store"
)

const statsCacheKey = "ledger:report:stats"

// Service answers dashboard queries, optionally fronting the headline
// stats block with a short-TTL Redis cache. A nil client disables caching.
type Service struct {
	store store.ReportStore
	cache *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

func NewService(s store.ReportStore, cache *redis.Client, ttl time.Duration) *Service {
	return &Service{store: s, cache: cache, ttl: ttl, now: time.Now}
}

// TransactionRow is a listing row with display fields lifted out of the
// structured metadata, so dashboard templates never touch the payload.
type TransactionRow struct {
	domain.Transaction
	HostName string `json:"host_name"`
	PlanName string `json:"plan_name"`
}

// Page is one page of the transaction listing.
type Page struct {
	Items   []TransactionRow `json:"items"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	PerPage int              `json:"per_page"`
}

// Stats returns the dashboard headline block, cached briefly when Redis
// is configured.
func (s *Service) Stats(ctx context.Context) (*domain.AdminStats, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, statsCacheKey).Bytes(); err == nil {
			var stats domain.AdminStats
			if json.Unmarshal(raw, &stats) == nil {
				return &stats, nil
			}
		}
	}

	stats, err := s.store.AdminStats(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if raw, err := json.Marshal(stats); err == nil {
			// Cache failures are invisible to the dashboard.
			s.cache.Set(ctx, statsCacheKey, raw, s.ttl)
		}
	}
	return stats, nil
}

// Daily returns the time series bucketed by UTC calendar day.
func (s *Service) Daily(ctx context.Context, days int) ([]domain.DailyPoint, error) {
	if days <= 0 {
		days = 30
	}
	return s.store.DailySeries(ctx, days, s.now())
}

// Transactions returns one page of the global transaction listing.
func (s *Service) Transactions(ctx context.Context, page, perPage int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 15
	}
	txs, total, err := s.store.ListTransactions(ctx, page, perPage)
	if err != nil {
		return nil, err
	}
	items := make([]TransactionRow, 0, len(txs))
	for _, t := range txs {
		items = append(items, TransactionRow{
			Transaction: t,
			HostName:    t.Metadata.HostName,
			PlanName:    t.Metadata.PlanName,
		})
	}
	return &Page{Items: items, Total: total, Page: page, PerPage: perPage}, nil
}

// Referrals lists the users a referrer invited, newest first.
func (s *Service) Referrals(ctx context.Context, referrerID int64) ([]domain.ReferralSummary, error) {
	return s.store.ListReferrals(ctx, referrerID)
}

// PaymentHistory lists a user's successful payments, newest first.
func (s *Service) PaymentHistory(ctx context.Context, userID int64) ([]domain.Transaction, error) {
	return s.store.UserPaymentHistory(ctx, userID)
}

// BalanceHistory lists the operations that moved a user's spendable
// balance: top-ups in, balance-funded purchases out.
func (s *Service) BalanceHistory(ctx context.Context, userID int64) ([]domain.Transaction, error) {
	return s.store.UserBalanceHistory(ctx, userID)
}

// TotalPaid is the audited sum of a user's paid transactions.
func (s *Service) TotalPaid(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.store.TotalPaidByUser(ctx, userID)
}
