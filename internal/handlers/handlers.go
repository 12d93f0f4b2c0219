package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/fawry-gateway/internal/credentials"
	"github.com/fawry-gateway/internal/fawry"
	"github.com/fawry-gateway/internal/ledger"
	"github.com/fawry-gateway/internal/models"
	"github.com/fawry-gateway/internal/payment"
	"github.com/fawry-gateway/internal/reconcile"
	"github.com/fawry-gateway/internal/storage"
	"github.com/fawry-gateway/internal/worker"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	paymentService *payment.Service
	reconciler     *reconcile.Reconciler
	creds          *credentials.Store
	ledger         ledger.Ledger
	store          storage.Store
	queueClient    *asynq.Client
	validator      *validator.Validate
}

// NewHandler creates a new handler instance
func NewHandler(paymentService *payment.Service, reconciler *reconcile.Reconciler, creds *credentials.Store, l ledger.Ledger, st storage.Store, queueClient *asynq.Client) *Handler {
	return &Handler{
		paymentService: paymentService,
		reconciler:     reconciler,
		creds:          creds,
		ledger:         l,
		store:          st,
		queueClient:    queueClient,
		validator:      validator.New(),
	}
}

// InitiatePaymentRequest represents the /initiate request
type InitiatePaymentRequest struct {
	Amount            string             `json:"amount" validate:"required,numeric"`
	CardNumber        string             `json:"card_number" validate:"required"`
	CardExpiryMonth   string             `json:"card_expiry_month" validate:"required"`
	CardExpiryYear    string             `json:"card_expiry_year" validate:"required"`
	CVV               string             `json:"cvv" validate:"required"`
	CustomerName      string             `json:"customer_name" validate:"required"`
	CustomerMobile    string             `json:"customer_mobile" validate:"required"`
	CustomerEmail     string             `json:"customer_email" validate:"required,email"`
	CustomerProfileID string             `json:"customer_profile_id"`
	UserID            string             `json:"user_id" validate:"required"`
	Description       string             `json:"description"`
	ChargeItems       []fawry.ChargeItem `json:"charge_items"`
	IdempotencyKey    string             `json:"idempotency_key" validate:"required"`
}

// InitiatePayment handles POST /initiate
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	// Validate request
	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	// Parse amount
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid amount format")
		return
	}

	if amount.LessThanOrEqual(decimal.Zero) {
		respondError(w, http.StatusBadRequest, "Amount must be greater than zero")
		return
	}

	// The idempotency key must be a UUID; parsing normalizes its rendering so
	// case and format variants of the same key collide.
	parsedKey, err := uuid.Parse(req.IdempotencyKey)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid idempotency key: must be a UUID")
		return
	}
	idemKey := "idempotency_" + parsedKey.String()

	paymentReq := payment.Create3DSPaymentRequest{
		Amount:            amount,
		CardNumber:        req.CardNumber,
		CardExpiryMonth:   req.CardExpiryMonth,
		CardExpiryYear:    req.CardExpiryYear,
		CVV:               req.CVV,
		CustomerName:      req.CustomerName,
		CustomerMobile:    req.CustomerMobile,
		CustomerEmail:     req.CustomerEmail,
		CustomerProfileID: req.CustomerProfileID,
		UserID:            req.UserID,
		Description:       req.Description,
		ChargeItems:       req.ChargeItems,
	}

	if err := h.paymentService.Validate3DSPaymentData(paymentReq); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Reserve the key before charging so two concurrent requests with the
	// same key cannot both reach the provider. A replayed key returns
	// conflict instead of a second charge.
	reserved, err := h.store.SetIfAbsent(r.Context(), idemKey, "in_progress")
	if err != nil {
		log.Printf("Idempotency reservation failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to initiate payment")
		return
	}
	if !reserved {
		respondError(w, http.StatusConflict, "Duplicate request")
		return
	}

	resp, err := h.paymentService.Create3DSPayment(r.Context(), paymentReq)
	if err != nil {
		log.Printf("Payment initiation failed: %v", err)

		// No charge happened; release the key so the caller can retry.
		if delErr := h.store.Delete(r.Context(), idemKey); delErr != nil {
			log.Printf("Failed to release idempotency key: %v", delErr)
		}

		var rateErr *credentials.RateLimitError
		if errors.As(err, &rateErr) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rateErr.RetryAfter.Seconds())))
			respondError(w, http.StatusTooManyRequests, rateErr.Error())
			return
		}

		respondError(w, http.StatusInternalServerError, "Failed to initiate payment")
		return
	}

	if err := h.store.Set(r.Context(), idemKey, resp.TransactionID); err != nil {
		log.Printf("Failed to record idempotency key: %v", err)
	}

	respondJSON(w, http.StatusCreated, resp)
}

// FawryCallback handles GET /fawry-callback, the browser's return route
// from the hosted 3DS page. Reconciliation happens synchronously so the
// response can carry the terminal state.
func (h *Handler) FawryCallback(w http.ResponseWriter, r *http.Request) {
	result := h.reconciler.Reconcile(r.Context(), r.URL.Query())

	log.Printf("Callback reconciled: ref=%s outcome=%s", result.MerchantRefNum, result.Outcome)

	respondJSON(w, http.StatusOK, result)
}

// FawryWebhook handles POST /fawry/webhook (non-blocking): the payload is
// validated just enough to queue, the provider gets its 200 immediately,
// and the worker does the real reconciliation.
func (h *Handler) FawryWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Failed to read webhook body: %v", err)
		respondError(w, http.StatusBadRequest, "Failed to read request")
		return
	}

	params, err := webhookParams(r, body)
	if err != nil {
		log.Printf("Invalid webhook payload: %v", err)
		respondError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	task := worker.NewReconcileWebhookTask(params.Encode())
	info, err := h.queueClient.Enqueue(task, asynq.Queue("default"), asynq.MaxRetry(3))
	if err != nil {
		log.Printf("Failed to enqueue webhook: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to queue webhook")
		return
	}

	log.Printf("Webhook queued: task_id=%s", info.ID)

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"received"}`))
}

// webhookParams normalizes a webhook payload into flat parameters. The
// provider sends JSON bodies; redirect-style replays arrive form- or
// query-encoded.
func webhookParams(r *http.Request, body []byte) (url.Values, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err == nil {
		params := url.Values{}
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				params.Set(k, val)
			case float64, bool:
				params.Set(k, fmt.Sprintf("%v", val))
			default:
				// Nested structures (threeDSInfo) are carried as JSON.
				nested, err := json.Marshal(val)
				if err != nil {
					continue
				}
				params.Set(k, string(nested))
			}
		}
		return params, nil
	}

	params, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("payload is neither JSON nor form-encoded: %w", err)
	}
	return params, nil
}

// SetProductionCredentialsRequest represents the /admin/credentials request
type SetProductionCredentialsRequest struct {
	MerchantCode string `json:"merchant_code" validate:"required"`
	SecurityKey  string `json:"security_key" validate:"required"`
}

// SetProductionCredentials handles POST /admin/credentials
func (h *Handler) SetProductionCredentials(w http.ResponseWriter, r *http.Request) {
	var req SetProductionCredentialsRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	if err := h.creds.SetProductionCredentials(r.Context(), req.MerchantCode, req.SecurityKey); err != nil {
		log.Printf("Failed to set production credentials: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to update credentials")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"environment": credentials.EnvProduction})
}

// ListTransactions handles GET /transactions with optional user_id and
// status filters.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	var (
		txs []models.Transaction
		err error
	)

	switch {
	case r.URL.Query().Get("user_id") != "":
		txs, err = h.ledger.ListByUser(r.Context(), r.URL.Query().Get("user_id"))
	case r.URL.Query().Get("status") != "":
		txs, err = h.ledger.ListByStatus(r.Context(), models.TransactionStatus(r.URL.Query().Get("status")))
	default:
		txs, err = h.ledger.List(r.Context())
	}

	if err != nil {
		log.Printf("Failed to list transactions: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}

	if txs == nil {
		txs = []models.Transaction{}
	}
	respondJSON(w, http.StatusOK, txs)
}

// HealthChecker probes one dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		health := map[string]string{
			"status":      "ok",
			"environment": h.creds.Environment(),
		}

		for name, check := range checks {
			if err := check.Health(ctx); err != nil {
				health[name] = "down"
				health["status"] = "degraded"
			} else {
				health[name] = "up"
			}
		}

		status := http.StatusOK
		if health["status"] != "ok" {
			status = http.StatusServiceUnavailable
		}

		respondJSON(w, status, health)
	}
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
