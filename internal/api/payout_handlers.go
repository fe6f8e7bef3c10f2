package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/firesidehq/fireside-payments/internal/audit"
	"github.com/firesidehq/fireside-payments/internal/middleware"
	"github.com/firesidehq/fireside-payments/internal/payment"
)

// PayoutHandlers holds dependencies for the payout release agent.
// Both endpoints sit behind the scheduler-token middleware; end users never
// reach them.
type PayoutHandlers struct {
	stripeClient payment.Client
	ledgerRepo   payment.LedgerRepository
	metrics      *payment.Metrics
	auditRepo    audit.Repository
}

// NewPayoutHandlers creates a new PayoutHandlers instance.
// auditRepo may be nil, which disables audit logging.
func NewPayoutHandlers(
	stripeClient payment.Client,
	ledgerRepo payment.LedgerRepository,
	metrics *payment.Metrics,
	auditRepo audit.Repository,
) *PayoutHandlers {
	return &PayoutHandlers{
		stripeClient: stripeClient,
		ledgerRepo:   ledgerRepo,
		metrics:      metrics,
		auditRepo:    auditRepo,
	}
}

// recordAudit writes an audit entry for a payout operation. Audit failures
// never fail the request; money movement already happened or was already
// rejected by the time we get here.
func (h *PayoutHandlers) recordAudit(r *http.Request, entityID, action, outcome string) {
	if h.auditRepo == nil {
		return
	}
	if err := audit.LogOperation(r, h.auditRepo, "payout", entityID, action, outcome); err != nil {
		slog.ErrorContext(r.Context(), "failed to write audit log",
			"entity_id", entityID,
			"action", action,
			"error", err,
		)
	}
}

// ReleasePayoutRequest represents the request body for releasing held funds.
type ReleasePayoutRequest struct {
	PaymentID     string `json:"paymentId"`
	ReservationID string `json:"reservationId,omitempty"`
	HostAccountID string `json:"hostAccountId"`
	HostPayout    int64  `json:"hostPayout"`
	Currency      string `json:"currency"`
}

// PayoutResponse is the common response body for the payout endpoints.
type PayoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ReleasePayout transfers held funds to a host's connected account.
// POST /payouts/release
//
// The transfer side effect and the ledger bookkeeping are deliberately
// separate operations so each is independently retryable: this endpoint only
// creates the transfer, and the caller follows up with POST /payouts/ledger.
func (h *PayoutHandlers) ReleasePayout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ReleasePayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	if req.PaymentID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "paymentId is required")
		return
	}
	if req.HostAccountID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "hostAccountId is required")
		return
	}
	if req.HostPayout <= 0 {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "hostPayout must be a positive integer of minor currency units")
		return
	}
	if req.Currency == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "currency is required")
		return
	}

	if h.stripeClient == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotConfigured)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeNotConfigured, "payout transfers are not configured")
		return
	}

	transfer, err := h.stripeClient.CreateTransfer(&payment.TransferParams{
		Amount:      req.HostPayout,
		Currency:    req.Currency,
		Destination: req.HostAccountID,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create payout transfer",
			"payment_id", req.PaymentID,
			"host_account_id", req.HostAccountID,
			"scheduler_job", middleware.GetSchedulerJob(ctx),
			"error", err,
		)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to create payout transfer")
		h.recordAudit(r, req.PaymentID, "release_payout", audit.OutcomeFailure)
		return
	}

	if h.metrics != nil {
		h.metrics.IncTransfers()
	}
	h.recordAudit(r, req.PaymentID, "release_payout", audit.OutcomeSuccess)

	slog.InfoContext(ctx, "payout transfer created",
		"payment_id", req.PaymentID,
		"transfer_id", transfer.ID,
		"host_account_id", req.HostAccountID,
		"amount", req.HostPayout,
		"currency", req.Currency,
		"scheduler_job", middleware.GetSchedulerJob(ctx),
	)

	response := PayoutResponse{
		Success: true,
		Message: "payout transfer created",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// UpdateLedgerRequest represents the request body for the ledger bookkeeping step.
type UpdateLedgerRequest struct {
	PaymentID string `json:"paymentId"`
}

// UpdatePayoutLedger performs the held -> released transition on a ledger row.
// POST /payouts/ledger
//
// Idempotent: releasing an already-released record is a no-op success, so the
// scheduler can retry freely after a transfer that may or may not have been
// bookkept.
func (h *PayoutHandlers) UpdatePayoutLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpdateLedgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	if req.PaymentID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "paymentId is required")
		return
	}

	if err := h.ledgerRepo.MarkPayoutReleased(ctx, req.PaymentID); err != nil {
		if errors.Is(err, payment.ErrPaymentRecordNotFound) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "payment record not found")
			return
		}
		slog.ErrorContext(ctx, "failed to mark payout released",
			"payment_id", req.PaymentID,
			"scheduler_job", middleware.GetSchedulerJob(ctx),
			"error", err,
		)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to update payout ledger")
		h.recordAudit(r, req.PaymentID, "update_payout_ledger", audit.OutcomeFailure)
		return
	}

	h.recordAudit(r, req.PaymentID, "update_payout_ledger", audit.OutcomeSuccess)

	slog.InfoContext(ctx, "payout ledger updated",
		"payment_id", req.PaymentID,
		"scheduler_job", middleware.GetSchedulerJob(ctx),
	)

	response := PayoutResponse{
		Success: true,
		Message: "payout marked released",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
