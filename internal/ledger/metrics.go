package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	debitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_debits_total",
		Help: "Debit attempts by outcome",
	}, []string{"outcome"})

	paymentsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payments_resolved_total",
		Help: "Payment resolutions by final status",
	}, []string{"status"})

	referralRewardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_referral_rewards_total",
		Help: "Referral rewards credited, by reward edge",
	}, []string{"edge"})

	storeRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_store_retries_total",
		Help: "Retried transient store failures",
	})

	confirmEffectsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_confirm_effects_failed_total",
		Help: "Paid confirmations whose effect failed after retries and needs manual replay",
	}, []string{"effect"})
)
