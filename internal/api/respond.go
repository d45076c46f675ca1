package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shopvpn/ledger/internal/domain"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total number of HTTP requests handled, by method, endpoint and status code.",
	}, []string{"method", "endpoint", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency of money-moving HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
)

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("api: marshal response for %s %s: %v", method, endpoint, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": message}, method, endpoint)
}

// respondLedgerError maps the store/ledger error taxonomy onto HTTP codes.
func (h *Handler) respondLedgerError(w http.ResponseWriter, err error, method, endpoint string) {
	var insufficient *domain.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		h.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "insufficient funds",
			"kind":      insufficient.Kind,
			"available": insufficient.Available,
			"requested": insufficient.Requested,
		}, method, endpoint)
	case domain.IsNotFound(err):
		h.respondError(w, http.StatusNotFound, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrDuplicatePaymentID):
		h.respondError(w, http.StatusConflict, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSelfReferral),
		errors.Is(err, domain.ErrReferrerAlreadySet):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case domain.IsRetryable(err):
		h.respondError(w, http.StatusServiceUnavailable, "Store temporarily unavailable", method, endpoint)
	default:
		log.Printf("api: %s %s: %v", method, endpoint, err)
		h.respondError(w, http.StatusInternalServerError, "Internal server error", method, endpoint)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, method, endpoint string) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request payload", method, endpoint)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name, method, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid account id", method, endpoint)
		return 0, false
	}
	return id, true
}
