package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shopvpn/ledger/internal/api"
	"github.com/shopvpn/ledger/internal/config"
	"github.com/shopvpn/ledger/internal/ledger"
	"github.com/shopvpn/ledger/internal/report"
	"github.com/shopvpn/ledger/internal/store"
	"github.com/shopvpn/ledger/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()

	db, err := store.Connect(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Unable to connect to redis: %v", err)
		}
	}

	// Initialize Layers
	balances := ledger.NewBalances(db)
	recorder := ledger.NewRecorder(db)
	settler := ledger.NewSettler(db)
	policy := ledger.NewSettingsPolicySource(db)
	payments := ledger.NewPaymentService(db, recorder, balances, settler, policy)
	reports := report.NewService(db, rdb, cfg.StatsCacheTTL)
	handler := api.NewHandler(db, payments, balances, reports)

	hostname, _ := os.Hostname()
	reconciler := worker.NewReconciler(db, rdb, cfg.ReconcileInterval, cfg.PendingMaxAge, hostname)
	go reconciler.Start(ctx)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.HandleFunc("/webhooks/payments", handler.PaymentWebhook).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/accounts", handler.RegisterAccount).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", handler.GetAccount).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/referrer", handler.SetReferrer).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/terms", handler.AgreeTerms).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/trial", handler.MarkTrialUsed).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/ban", handler.Ban).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/unban", handler.Unban).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/debit", handler.Debit).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/credit", handler.Credit).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/adjust", handler.Adjust).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/purchase", handler.Purchase).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/referrals", handler.Referrals).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/payments", handler.PaymentHistory).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/balance-history", handler.BalanceHistory).Methods("GET")
	apiV1.HandleFunc("/payments", handler.CreatePayment).Methods("POST")
	apiV1.HandleFunc("/payments/{payment_id}", handler.GetTransaction).Methods("GET")
	apiV1.HandleFunc("/transactions", handler.ListTransactions).Methods("GET")
	apiV1.HandleFunc("/settings", handler.GetSettings).Methods("GET")
	apiV1.HandleFunc("/settings/{key}", handler.UpdateSetting).Methods("PUT")
	apiV1.HandleFunc("/reports/stats", handler.Stats).Methods("GET")
	apiV1.HandleFunc("/reports/daily", handler.Daily).Methods("GET")

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
