// Package worker runs the background reconciliation job: pending
// transactions the gateway never confirmed are eventually resolved to
// failed, so "awaiting payment" views stay honest.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/shopvpn/ledger/internal/domain"
	"github.com/shopvpn/ledger/internal/store"
)

const (
	lockKey   = "ledger:reconciler:lock"
	batchSize = 200
)

var expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_reconciler_expired_total",
	Help: "Pending transactions resolved to failed by the reconciler",
})

// Reconciler periodically fails pending transactions older than MaxAge.
// When Redis is configured, a SetNX lease keeps multiple instances from
// running the same cycle.
type Reconciler struct {
	store    store.TxStore
	rdb      *redis.Client // nil disables the leader lock
	interval time.Duration
	maxAge   time.Duration
	instance string
}

func NewReconciler(s store.TxStore, rdb *redis.Client, interval, maxAge time.Duration, instance string) *Reconciler {
	return &Reconciler{store: s, rdb: rdb, interval: interval, maxAge: maxAge, instance: instance}
}

// Start blocks until ctx is canceled, running one cycle immediately and
// then one per interval.
func (r *Reconciler) Start(ctx context.Context) {
	log.Printf("reconciler started: interval=%s max_age=%s", r.interval, r.maxAge)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler stopped")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	if !r.acquireLease(ctx) {
		return
	}
	cutoff := time.Now().Add(-r.maxAge)
	expired, err := r.store.ListAgedPending(ctx, cutoff, batchSize)
	if err != nil {
		log.Printf("reconciler: listing aged pending failed: %v", err)
		return
	}

	for _, t := range expired {
		_, err := r.store.Resolve(ctx, t.PaymentID, domain.Resolution{Outcome: domain.StatusFailed})
		if errors.Is(err, domain.ErrAlreadyResolved) {
			// A late gateway callback won the race; its outcome stands.
			continue
		}
		if err != nil {
			log.Printf("reconciler: failing payment %s: %v", t.PaymentID, err)
			continue
		}
		expiredTotal.Inc()
		log.Printf("reconciler: payment %s expired after %s pending", t.PaymentID, r.maxAge)
	}
}

func (r *Reconciler) acquireLease(ctx context.Context) bool {
	if r.rdb == nil {
		return true
	}
	ok, err := r.rdb.SetNX(ctx, lockKey, r.instance, r.interval).Result()
	if err != nil {
		// A broken lock service must not stop reconciliation; resolving is
		// idempotent anyway.
		log.Printf("reconciler: lease check failed, proceeding: %v", err)
		return true
	}
	return ok
}
