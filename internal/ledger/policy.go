package ledger

import (
	"context"

	"github.com/shopvpn/ledger/internal/domain"
	"github.com/shopvpn/ledger/internal/store"
)

// PolicySource produces the referral policy snapshot for one settlement.
// A snapshot may be slightly stale; the credit it drives is still atomic.
type PolicySource interface {
	Snapshot(ctx context.Context) (domain.ReferralPolicy, error)
}

// SettingsPolicySource assembles the snapshot from the key-value settings
// table on every call, so operator changes take effect without a restart.
type SettingsPolicySource struct {
	store store.SettingsStore
}

func NewSettingsPolicySource(s store.SettingsStore) *SettingsPolicySource {
	return &SettingsPolicySource{store: s}
}

func (p *SettingsPolicySource) Snapshot(ctx context.Context) (domain.ReferralPolicy, error) {
	settings, err := p.store.Settings(ctx)
	if err != nil {
		return domain.ReferralPolicy{}, err
	}
	return domain.PolicyFromSettings(settings), nil
}

// StaticPolicy is a fixed snapshot, handy for tests and for deployments
// that configure rewards through the environment.
type StaticPolicy domain.ReferralPolicy

func (p StaticPolicy) Snapshot(context.Context) (domain.ReferralPolicy, error) {
	return domain.ReferralPolicy(p), nil
}
