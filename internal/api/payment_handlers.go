// Package api provides HTTP handlers for the payments API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/firesidehq/fireside-payments/internal/account"
	"github.com/firesidehq/fireside-payments/internal/middleware"
	"github.com/firesidehq/fireside-payments/internal/payment"
)

// PaymentHandlers holds dependencies for intent issuance, confirmation
// verification, and host onboarding.
type PaymentHandlers struct {
	stripeClient payment.Client
	accountRepo  account.Repository
	metrics      *payment.Metrics
	returnURL    string
	refreshURL   string
	feePercent   float64
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(
	stripeClient payment.Client,
	accountRepo account.Repository,
	metrics *payment.Metrics,
	returnURL string,
	refreshURL string,
	feePercent float64,
) *PaymentHandlers {
	return &PaymentHandlers{
		stripeClient: stripeClient,
		accountRepo:  accountRepo,
		metrics:      metrics,
		returnURL:    returnURL,
		refreshURL:   refreshURL,
		feePercent:   feePercent,
	}
}

// CreateIntentRequest represents the request body for issuing a payment intent.
// Field names follow the client wire contract.
type CreateIntentRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	EventID     string `json:"eventId"`
	HostID      string `json:"hostId"`
	UserID      string `json:"userId"`
	IsRecurring bool   `json:"isRecurring"`
}

// CreateIntentResponse carries the client-usable confirmation handle.
// The fee split is deliberately absent: it lives only in server-side intent
// metadata for the webhook processor to consume.
type CreateIntentResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

// CreateIntent issues a payment intent for a reservation attempt.
// POST /payments/intent
func (h *PaymentHandlers) CreateIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	if req.Amount <= 0 {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "amount must be a positive integer of minor currency units")
		return
	}
	if req.Currency == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "currency is required")
		return
	}
	if req.EventID == "" || req.HostID == "" || req.UserID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "eventId, hostId, and userId are required")
		return
	}

	if h.stripeClient == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotConfigured)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeNotConfigured, "payment processing is not configured")
		return
	}

	// The split is computed exactly once, here. The webhook processor reads
	// it back from metadata instead of recomputing.
	split := payment.ComputeFeeSplit(req.Amount, h.feePercent)

	intent, err := h.stripeClient.CreatePaymentIntent(&payment.IntentParams{
		Amount:   req.Amount,
		Currency: req.Currency,
		Metadata: payment.IntentMetadata{
			EventID:     req.EventID,
			HostID:      req.HostID,
			UserID:      req.UserID,
			PlatformFee: split.PlatformFee,
			HostPayout:  split.HostPayout,
			IsRecurring: req.IsRecurring,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create payment intent",
			"request_id", middleware.GetRequestID(ctx),
			"event_id", payment.MaskID(req.EventID),
			"user_id", payment.MaskID(req.UserID),
			"error", err,
		)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to create payment intent")
		return
	}

	if h.metrics != nil {
		h.metrics.IncIntentsIssued()
	}

	slog.InfoContext(ctx, "payment intent created",
		"request_id", middleware.GetRequestID(ctx),
		"payment_intent_id", intent.ID,
		"event_id", payment.MaskID(req.EventID),
		"user_id", payment.MaskID(req.UserID),
		"amount", req.Amount,
	)

	response := CreateIntentResponse{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// VerifyPaymentRequest represents the request body for verifying a payment.
type VerifyPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

// VerifyPaymentResponse reports whether the intent has reached the succeeded
// state. Non-succeeded statuses are returned for client polling; this endpoint
// never writes payment state.
type VerifyPaymentResponse struct {
	Success         bool   `json:"success"`
	PaymentIntentID string `json:"paymentIntentId"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

// VerifyPayment checks a payment intent's status at the processor.
// POST /payments/verify
//
// Success requires status to be exactly "succeeded". The response is for
// client UX only; the webhook processor remains the single writer of
// authoritative payment state.
func (h *PaymentHandlers) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	if req.PaymentIntentID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "paymentIntentId is required")
		return
	}

	if h.stripeClient == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotConfigured)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeNotConfigured, "payment processing is not configured")
		return
	}

	intent, err := h.stripeClient.GetPaymentIntent(req.PaymentIntentID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to retrieve payment intent",
			"payment_intent_id", req.PaymentIntentID,
			"error", err,
		)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to retrieve payment intent")
		return
	}

	response := VerifyPaymentResponse{
		PaymentIntentID: intent.ID,
		Status:          string(intent.Status),
	}
	if intent.Status == "succeeded" {
		response.Success = true
	} else {
		response.Error = ErrCodePaymentNotSucceeded
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// OnboardHostRequest represents the request body for creating an onboarding link.
type OnboardHostRequest struct {
	UserID string `json:"userId"`
}

// OnboardHostResponse represents the response for a successful onboarding link creation.
type OnboardHostResponse struct {
	URL       string `json:"url"`
	AccountID string `json:"accountId"`
	ExpiresAt string `json:"expiresAt"`
}

// OnboardHost creates a Stripe Connect Express account and onboarding link
// for a host. POST /payments/onboard
//
// The mirror row is written immediately with both flags false; they flip only
// when account.updated webhooks arrive.
func (h *PaymentHandlers) OnboardHost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req OnboardHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "userId is required")
		return
	}

	if h.stripeClient == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotConfigured)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeNotConfigured, "payment processing is not configured")
		return
	}

	// Reuse the existing account if this host already onboarded once; a second
	// onboarding attempt just mints a fresh link.
	var accountID string
	if mirror, err := h.accountRepo.GetByUserID(ctx, req.UserID); err == nil {
		accountID = mirror.StripeAccountID
	} else {
		acct, err := h.stripeClient.CreateConnectAccount()
		if err != nil {
			slog.ErrorContext(ctx, "failed to create connect account",
				"user_id", payment.MaskID(req.UserID),
				"error", err,
			)
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to create payment account")
			return
		}
		accountID = acct.ID

		if err := h.accountRepo.Upsert(ctx, &account.Mirror{
			UserID:          req.UserID,
			StripeAccountID: accountID,
		}); err != nil {
			slog.ErrorContext(ctx, "failed to save account mirror",
				"user_id", payment.MaskID(req.UserID),
				"account_id", accountID,
				"error", err,
			)
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to save payment account")
			return
		}
	}

	link, err := h.stripeClient.CreateAccountLink(accountID, h.returnURL, h.refreshURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create account link",
			"account_id", accountID,
			"error", err,
		)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to create onboarding link")
		return
	}

	// Stripe account links typically expire in 30 minutes
	expiresAt := time.Now().Add(30 * time.Minute).Format(time.RFC3339)

	response := OnboardHostResponse{
		URL:       link.URL,
		AccountID: accountID,
		ExpiresAt: expiresAt,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
