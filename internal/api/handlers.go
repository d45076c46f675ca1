package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/shopvpn/ledger/internal/domain"
	"github.com/shopvpn/ledger/internal/ledger"
	"github.com/shopvpn/ledger/internal/report"
	"github.com/shopvpn/ledger/internal/store"
)

type Handler struct {
	store    store.Store
	payments *ledger.PaymentService
	balances *ledger.Balances
	reports  *report.Service
	validate *validator.Validate
}

func NewHandler(s store.Store, payments *ledger.PaymentService, balances *ledger.Balances, reports *report.Service) *Handler {
	return &Handler{
		store:    s,
		payments: payments,
		balances: balances,
		reports:  reports,
		validate: validator.New(),
	}
}

// --- request DTOs ---

// Money travels as strings on the wire the way gateways send it; parsing
// rejects anything decimal can't represent.

type registerRequest struct {
	UserID     int64  `json:"user_id" validate:"required"`
	Username   string `json:"username" validate:"max=255"`
	ReferrerID *int64 `json:"referrer_id,omitempty"`
}

type balanceOpRequest struct {
	Kind   string `json:"kind" validate:"omitempty,oneof=spendable referral"`
	Amount string `json:"amount" validate:"required"`
}

type purchaseRequest struct {
	Amount   string          `json:"amount" validate:"required"`
	Metadata domain.Metadata `json:"metadata"`
}

type createPaymentRequest struct {
	PaymentID string          `json:"payment_id" validate:"required,max=255"`
	UserID    int64           `json:"user_id" validate:"required"`
	Amount    string          `json:"amount" validate:"required"`
	Method    string          `json:"method" validate:"max=64"`
	Metadata  domain.Metadata `json:"metadata"`
}

type webhookAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type webhookRequest struct {
	PaymentID string         `json:"payment_id" validate:"required"`
	Status    string         `json:"status" validate:"required,oneof=paid failed"`
	Amount    *webhookAmount `json:"amount,omitempty"`
	Method    string         `json:"method"`
}

type referrerRequest struct {
	ReferrerID int64 `json:"referrer_id" validate:"required"`
}

// --- accounts ---

func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req, "POST", "/accounts") {
		return
	}
	account, err := h.payments.Register(r.Context(), req.UserID, req.Username, req.ReferrerID)
	if err != nil {
		h.respondLedgerError(w, err, "POST", "/accounts")
		return
	}
	h.respondJSON(w, http.StatusCreated, account, "POST", "/accounts")
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id", "GET", "/accounts/{id}")
	if !ok {
		return
	}
	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, err, "GET", "/accounts/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, account, "GET", "/accounts/{id}")
}

func (h *Handler) SetReferrer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id", "POST", "/accounts/{id}/referrer")
	if !ok {
		return
	}
	var req referrerRequest
	if !h.decode(w, r, &req, "POST", "/accounts/{id}/referrer") {
		return
	}
	if err := h.store.SetReferrer(r.Context(), id, req.ReferrerID); err != nil {
		h.respondLedgerError(w, err, "POST", "/accounts/{id}/referrer")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "POST", "/accounts/{id}/referrer")
}

func (h *Handler) accountFlag(endpoint string, apply func(r *http.Request, id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r, "id", "POST", endpoint)
		if !ok {
			return
		}
		if err := apply(r, id); err != nil {
			h.respondLedgerError(w, err, "POST", endpoint)
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "POST", endpoint)
	}
}

func (h *Handler) AgreeTerms(w http.ResponseWriter, r *http.Request) {
	h.accountFlag("/accounts/{id}/terms", func(r *http.Request, id int64) error {
		return h.store.SetTermsAgreed(r.Context(), id)
	})(w, r)
}

func (h *Handler) MarkTrialUsed(w http.ResponseWriter, r *http.Request) {
	h.accountFlag("/accounts/{id}/trial", func(r *http.Request, id int64) error {
		return h.store.SetTrialUsed(r.Context(), id)
	})(w, r)
}

func (h *Handler) Ban(w http.ResponseWriter, r *http.Request) {
	h.accountFlag("/accounts/{id}/ban", func(r *http.Request, id int64) error {
		return h.store.SetBanned(r.Context(), id, true)
	})(w, r)
}

func (h *Handler) Unban(w http.ResponseWriter, r *http.Request) {
	h.accountFlag("/accounts/{id}/unban", func(r *http.Request, id int64) error {
		return h.store.SetBanned(r.Context(), id, false)
	})(w, r)
}

// --- balance operations ---

func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/accounts/{id}/debit"))
	defer timer.ObserveDuration()
	h.balanceOp(w, r, "/accounts/{id}/debit", func(ctx *http.Request, id int64, kind domain.BalanceKind, amount decimal.Decimal) error {
		return h.balances.DebitIfSufficient(ctx.Context(), id, kind, amount)
	})
}

func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	h.balanceOp(w, r, "/accounts/{id}/credit", func(ctx *http.Request, id int64, kind domain.BalanceKind, amount decimal.Decimal) error {
		return h.balances.Credit(ctx.Context(), id, kind, amount)
	})
}

// Adjust is the administrative correction path; unlike debit it accepts a
// signed delta and performs no sufficiency check.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	h.balanceOp(w, r, "/accounts/{id}/adjust", func(ctx *http.Request, id int64, kind domain.BalanceKind, delta decimal.Decimal) error {
		return h.balances.Adjust(ctx.Context(), id, kind, delta)
	})
}

func (h *Handler) balanceOp(w http.ResponseWriter, r *http.Request, endpoint string, op func(*http.Request, int64, domain.BalanceKind, decimal.Decimal) error) {
	id, ok := h.pathID(w, r, "id", "POST", endpoint)
	if !ok {
		return
	}
	var req balanceOpRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, "Unparseable amount", "POST", endpoint)
		return
	}
	kind := domain.BalanceKind(req.Kind)
	if kind == "" {
		kind = domain.BalanceSpendable
	}
	if err := op(r, id, kind, amount); err != nil {
		h.respondLedgerError(w, err, "POST", endpoint)
		return
	}
	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, account, "POST", endpoint)
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/accounts/{id}/purchase"))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "id", "POST", "/accounts/{id}/purchase")
	if !ok {
		return
	}
	var req purchaseRequest
	if !h.decode(w, r, &req, "POST", "/accounts/{id}/purchase") {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "Positive amount required", "POST", "/accounts/{id}/purchase")
		return
	}
	tx, err := h.payments.PurchaseFromBalance(r.Context(), id, amount, req.Metadata)
	if err != nil {
		h.respondLedgerError(w, err, "POST", "/accounts/{id}/purchase")
		return
	}
	h.respondJSON(w, http.StatusCreated, tx, "POST", "/accounts/{id}/purchase")
}

// --- payments ---

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if !h.decode(w, r, &req, "POST", "/payments") {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "Positive amount required", "POST", "/payments")
		return
	}
	id, err := h.payments.CreateIntent(r.Context(), req.PaymentID, req.UserID, amount, req.Method, req.Metadata)
	if err != nil {
		h.respondLedgerError(w, err, "POST", "/payments")
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]any{"id": id, "payment_id": req.PaymentID}, "POST", "/payments")
}

// PaymentWebhook is the gateway confirmation endpoint. Gateways retry
// webhooks, so a duplicate delivery answers 200 with no further effects.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/webhooks/payments"))
	defer timer.ObserveDuration()

	var req webhookRequest
	if !h.decode(w, r, &req, "POST", "/webhooks/payments") {
		return
	}
	res := domain.Resolution{Outcome: domain.TxStatus(req.Status), Method: req.Method}
	if req.Amount != nil {
		ext, err := decimal.NewFromString(req.Amount.Value)
		if err != nil {
			h.respondError(w, http.StatusUnprocessableEntity, "Unparseable external amount", "POST", "/webhooks/payments")
			return
		}
		res.ExternalAmount = &ext
		res.ExternalCurrency = req.Amount.Currency
	}

	tx, err := h.payments.Confirm(r.Context(), req.PaymentID, res)
	switch {
	case err == nil:
		h.respondJSON(w, http.StatusOK, tx, "POST", "/webhooks/payments")
	case ledger.IsDuplicateCallback(err):
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "already_resolved"}, "POST", "/webhooks/payments")
	case errors.Is(err, domain.ErrPaymentNotFound):
		// Nothing to resolve; acknowledge so the gateway stops retrying.
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"}, "POST", "/webhooks/payments")
	default:
		h.respondLedgerError(w, err, "POST", "/webhooks/payments")
	}
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["payment_id"]
	tx, err := h.store.GetTransaction(r.Context(), paymentID)
	if err != nil {
		h.respondLedgerError(w, err, "GET", "/payments/{payment_id}")
		return
	}
	h.respondJSON(w, http.StatusOK, tx, "GET", "/payments/{payment_id}")
}

// --- settings ---

type settingRequest struct {
	Value string `json:"value" validate:"required,max=255"`
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.Settings(r.Context())
	if err != nil {
		h.respondLedgerError(w, err, "GET", "/settings")
		return
	}
	h.respondJSON(w, http.StatusOK, settings, "GET", "/settings")
}

// UpdateSetting changes one policy knob. The next settlement picks up the
// new value through its policy snapshot; in-flight settlements keep the
// snapshot they started with.
func (h *Handler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req settingRequest
	if !h.decode(w, r, &req, "PUT", "/settings/{key}") {
		return
	}
	if err := h.store.UpdateSetting(r.Context(), key, req.Value); err != nil {
		h.respondLedgerError(w, err, "PUT", "/settings/{key}")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{key: req.Value}, "PUT", "/settings/{key}")
}

// --- reporting ---

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reports.Stats(r.Context())
	if err != nil {
		h.respondLedgerError(w, err, "GET", "/reports/stats")
		return
	}
	h.respondJSON(w, http.StatusOK, stats, "GET", "/reports/stats")
}

func (h *Handler) Daily(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	series, err := h.reports.Daily(r.Context(), days)
	if err != nil {
		h.respondLedgerError(w, err, "GET", "/reports/daily")
		return
	}
	h.respondJSON(w, http.StatusOK, series, "GET", "/reports/daily")
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	result, err := h.reports.Transactions(r.Context(), page, perPage)
	if err != nil {
		h.respondLedgerError(w, err, "GET", "/transactions")
		return
	}
	h.respondJSON(w, http.StatusOK, result, "GET", "/transactions")
}

func (h *Handler) Referrals(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id", "GET", "/accounts/{id}/referrals")
	if !ok {
		return
	}
	refs, err := h.reports.Referrals(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, err, "GET", "/accounts/{id}/referrals")
		return
	}
	h.respondJSON(w, http.StatusOK, refs, "GET", "/accounts/{id}/referrals")
}

func (h *Handler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id", "GET", "/accounts/{id}/payments")
	if !ok {
		return
	}
	history, err := h.reports.PaymentHistory(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, err, "GET", "/accounts/{id}/payments")
		return
	}
	h.respondJSON(w, http.StatusOK, history, "GET", "/accounts/{id}/payments")
}

func (h *Handler) BalanceHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id", "GET", "/accounts/{id}/balance-history")
	if !ok {
		return
	}
	history, err := h.reports.BalanceHistory(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, err, "GET", "/accounts/{id}/balance-history")
		return
	}
	h.respondJSON(w, http.StatusOK, history, "GET", "/accounts/{id}/balance-history")
}
