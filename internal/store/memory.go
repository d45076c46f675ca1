package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shopvpn/ledger/internal/domain"
)

// Memory is the in-process Store used by tests and local development.
// A single mutex makes every operation one atomic unit, matching the
// contract the Postgres implementation gets from conditional SQL.
type Memory struct {
	mu       sync.Mutex
	accounts map[int64]*domain.Account
	txs      []*domain.Transaction
	byPayID  map[string]*domain.Transaction
	settings map[string]string
	keys     []memKey
	nextTxID int64
}

type memKey struct {
	UserID    int64
	HostName  string
	ExpiryAt  time.Time
	CreatedAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[int64]*domain.Account),
		byPayID:  make(map[string]*domain.Transaction),
		settings: make(map[string]string),
	}
}

// SeedKey records an issued VPN key for reporting tests. Key issuance
// itself belongs to the external provisioning service.
func (m *Memory) SeedKey(userID int64, hostName string, expiryAt, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, memKey{UserID: userID, HostName: hostName, ExpiryAt: expiryAt, CreatedAt: createdAt})
}

// --- accounts ---

func (m *Memory) RegisterAccount(_ context.Context, userID int64, username string, referrerID *int64) error {
	if referrerID != nil && *referrerID == userID {
		return domain.ErrSelfReferral
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.accounts[userID]; ok {
		a.Username = username
		// The existence check applies only when the referrer is actually
		// recorded; an already-set edge keeps its value untouched.
		if a.ReferredBy == nil && referrerID != nil {
			if _, ok := m.accounts[*referrerID]; !ok {
				return fmt.Errorf("referrer %d: %w", *referrerID, domain.ErrAccountNotFound)
			}
			ref := *referrerID
			a.ReferredBy = &ref
		}
		return nil
	}
	if referrerID != nil {
		if _, ok := m.accounts[*referrerID]; !ok {
			return fmt.Errorf("referrer %d: %w", *referrerID, domain.ErrAccountNotFound)
		}
	}
	a := &domain.Account{
		TelegramID:          userID,
		Username:            username,
		Balance:             decimal.Zero,
		ReferralBalance:     decimal.Zero,
		ReferralEarnedTotal: decimal.Zero,
		TotalSpent:          decimal.Zero,
		RegisteredAt:        time.Now().UTC(),
	}
	if referrerID != nil {
		ref := *referrerID
		a.ReferredBy = &ref
	}
	m.accounts[userID] = a
	return nil
}

func (m *Memory) GetAccount(_ context.Context, userID int64) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	if a.ReferredBy != nil {
		ref := *a.ReferredBy
		cp.ReferredBy = &ref
	}
	return &cp, nil
}

func (m *Memory) SetReferrer(_ context.Context, userID, referrerID int64) error {
	if referrerID == userID {
		return domain.ErrSelfReferral
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if _, ok := m.accounts[referrerID]; !ok {
		return fmt.Errorf("referrer %d: %w", referrerID, domain.ErrAccountNotFound)
	}
	if a.ReferredBy != nil {
		return domain.ErrReferrerAlreadySet
	}
	a.ReferredBy = &referrerID
	return nil
}

func (m *Memory) SetTermsAgreed(_ context.Context, userID int64) error {
	return m.setFlag(userID, func(a *domain.Account) { a.AgreedToTerms = true })
}

func (m *Memory) SetTrialUsed(_ context.Context, userID int64) error {
	return m.setFlag(userID, func(a *domain.Account) { a.TrialUsed = true })
}

func (m *Memory) SetBanned(_ context.Context, userID int64, banned bool) error {
	return m.setFlag(userID, func(a *domain.Account) { a.IsBanned = banned })
}

func (m *Memory) setFlag(userID int64, set func(*domain.Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	set(a)
	return nil
}

func (m *Memory) AddSpend(_ context.Context, userID int64, amount decimal.Decimal, months int) error {
	return m.setFlag(userID, func(a *domain.Account) {
		a.TotalSpent = a.TotalSpent.Add(amount)
		a.TotalMonths += months
	})
}

// --- balances ---

func (m *Memory) Credit(_ context.Context, userID int64, kind domain.BalanceKind, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	addBalance(a, kind, amount)
	return nil
}

func (m *Memory) DebitIfSufficient(_ context.Context, userID int64, kind domain.BalanceKind, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return false, domain.ErrAccountNotFound
	}
	if balanceOf(a, kind).LessThan(amount) {
		return false, nil
	}
	addBalance(a, kind, amount.Neg())
	return true, nil
}

func (m *Memory) Adjust(_ context.Context, userID int64, kind domain.BalanceKind, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	addBalance(a, kind, delta)
	return nil
}

func (m *Memory) CreditReferralReward(_ context.Context, referrerID int64, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[referrerID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.ReferralBalance = a.ReferralBalance.Add(amount)
	a.ReferralEarnedTotal = a.ReferralEarnedTotal.Add(amount)
	return nil
}

func (m *Memory) PayStartBonus(_ context.Context, referredID, referrerID int64, bonus decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	referred, ok := m.accounts[referredID]
	if !ok {
		return false, domain.ErrAccountNotFound
	}
	if referred.StartBonusReceived {
		return false, nil
	}
	referrer, ok := m.accounts[referrerID]
	if !ok {
		return false, domain.ErrAccountNotFound
	}
	referred.StartBonusReceived = true
	referrer.ReferralBalance = referrer.ReferralBalance.Add(bonus)
	referrer.ReferralEarnedTotal = referrer.ReferralEarnedTotal.Add(bonus)
	return true, nil
}

func balanceOf(a *domain.Account, kind domain.BalanceKind) decimal.Decimal {
	if kind == domain.BalanceReferral {
		return a.ReferralBalance
	}
	return a.Balance
}

func addBalance(a *domain.Account, kind domain.BalanceKind, delta decimal.Decimal) {
	if kind == domain.BalanceReferral {
		a.ReferralBalance = a.ReferralBalance.Add(delta)
		return
	}
	a.Balance = a.Balance.Add(delta)
}

// --- transactions ---

func (m *Memory) CreatePending(_ context.Context, t *domain.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byPayID[t.PaymentID]; exists {
		return 0, domain.ErrDuplicatePaymentID
	}
	cp := *t
	cp.Status = domain.StatusPending
	m.insertLocked(&cp)
	return cp.ID, nil
}

func (m *Memory) Resolve(_ context.Context, paymentID string, res domain.Resolution) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byPayID[paymentID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	if t.Status != domain.StatusPending {
		return nil, domain.ErrAlreadyResolved
	}
	t.Status = res.Outcome
	if res.ExternalAmount != nil {
		ext := *res.ExternalAmount
		t.ExternalAmount = &ext
	}
	if res.ExternalCurrency != "" {
		t.ExternalCurrency = res.ExternalCurrency
	}
	if res.Method != "" {
		t.Method = res.Method
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) InsertResolved(_ context.Context, t *domain.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byPayID[t.PaymentID]; exists {
		return 0, domain.ErrDuplicatePaymentID
	}
	cp := *t
	m.insertLocked(&cp)
	return cp.ID, nil
}

func (m *Memory) insertLocked(t *domain.Transaction) {
	m.nextTxID++
	t.ID = m.nextTxID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.txs = append(m.txs, t)
	m.byPayID[t.PaymentID] = t
}

func (m *Memory) GetTransaction(_ context.Context, paymentID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byPayID[paymentID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListAgedPending(_ context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, t := range m.txs {
		if t.Status == domain.StatusPending && t.CreatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountPaid(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.txs {
		if t.UserID == userID && t.Status == domain.StatusPaid {
			n++
		}
	}
	return n, nil
}

// --- settings ---

func (m *Memory) Settings(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) UpdateSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// --- reporting ---

func (m *Memory) AdminStats(_ context.Context, now time.Time) (*domain.AdminStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dayStart := now.UTC().Truncate(24 * time.Hour)
	stats := &domain.AdminStats{TotalIncome: decimal.Zero, TodayIncome: decimal.Zero}

	stats.TotalUsers = len(m.accounts)
	for _, a := range m.accounts {
		if !a.RegisteredAt.Before(dayStart) {
			stats.TodayNewUsers++
		}
	}
	stats.TotalKeys = len(m.keys)
	for _, k := range m.keys {
		if k.ExpiryAt.After(now) {
			stats.ActiveKeys++
		}
		if !k.CreatedAt.Before(dayStart) {
			stats.TodayIssuedKeys++
		}
	}
	for _, t := range m.txs {
		if t.Status != domain.StatusPaid {
			continue
		}
		stats.TotalIncome = stats.TotalIncome.Add(t.Amount)
		if !t.CreatedAt.Before(dayStart) {
			stats.TodayIncome = stats.TodayIncome.Add(t.Amount)
		}
	}
	return stats, nil
}

func (m *Memory) DailySeries(_ context.Context, days int, now time.Time) ([]domain.DailyPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := now.UTC().AddDate(0, 0, -days)
	points := make(map[string]*domain.DailyPoint)
	point := func(at time.Time) *domain.DailyPoint {
		day := at.UTC().Format("2006-01-02")
		if p, ok := points[day]; ok {
			return p
		}
		p := &domain.DailyPoint{Day: day, Income: decimal.Zero}
		points[day] = p
		return p
	}

	for _, a := range m.accounts {
		if !a.RegisteredAt.Before(from) {
			point(a.RegisteredAt).NewUsers++
		}
	}
	for _, k := range m.keys {
		if !k.CreatedAt.Before(from) {
			point(k.CreatedAt).KeysIssued++
		}
	}
	for _, t := range m.txs {
		if t.Status == domain.StatusPaid && !t.CreatedAt.Before(from) {
			p := point(t.CreatedAt)
			p.Income = p.Income.Add(t.Amount)
		}
	}
	return sortDaily(points), nil
}

func (m *Memory) ListTransactions(_ context.Context, page, perPage int) ([]domain.Transaction, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedDescLocked(func(*domain.Transaction) bool { return true })
	total := len(sorted)
	start := (page - 1) * perPage
	if start >= total {
		return nil, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return sorted[start:end], total, nil
}

func (m *Memory) ListReferrals(_ context.Context, referrerID int64) ([]domain.ReferralSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ReferralSummary
	for _, a := range m.accounts {
		if a.ReferredBy != nil && *a.ReferredBy == referrerID {
			out = append(out, domain.ReferralSummary{
				TelegramID:   a.TelegramID,
				Username:     a.Username,
				RegisteredAt: a.RegisteredAt,
				TotalSpent:   a.TotalSpent,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.After(out[j].RegisteredAt) })
	return out, nil
}

func (m *Memory) UserPaymentHistory(_ context.Context, userID int64) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedDescLocked(func(t *domain.Transaction) bool {
		return t.UserID == userID && t.Status == domain.StatusPaid && t.Amount.Sign() > 0
	}), nil
}

func (m *Memory) UserBalanceHistory(_ context.Context, userID int64) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedDescLocked(func(t *domain.Transaction) bool {
		if t.UserID != userID {
			return false
		}
		topUp := t.Status == domain.StatusPaid && t.Metadata.Action == domain.ActionTopUp
		return topUp || t.Method == domain.MethodBalance
	}), nil
}

func (m *Memory) TotalPaidByUser(_ context.Context, userID int64) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, t := range m.txs {
		if t.UserID == userID && t.Status == domain.StatusPaid {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

func (m *Memory) sortedDescLocked(match func(*domain.Transaction) bool) []domain.Transaction {
	var out []domain.Transaction
	for _, t := range m.txs {
		if match(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

var _ Store = (*Memory)(nil)
