package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/firesidehq/fireside-payments/internal/middleware"
	"github.com/firesidehq/fireside-payments/internal/payment"
	"github.com/stripe/stripe-go/v81"
)

// maxProcessorErrorLen bounds how much of a processor error message is echoed
// into responses and logs.
const maxProcessorErrorLen = 200

// AccountHandlers holds dependencies for the connected-account status reader.
type AccountHandlers struct {
	stripeClient payment.Client
}

// NewAccountHandlers creates a new AccountHandlers instance.
func NewAccountHandlers(stripeClient payment.Client) *AccountHandlers {
	return &AccountHandlers{stripeClient: stripeClient}
}

// AccountStatusResponse mirrors the capability flags of a connected account.
type AccountStatusResponse struct {
	AccountID        string                      `json:"accountId"`
	ChargesEnabled   bool                        `json:"chargesEnabled"`
	PayoutsEnabled   bool                        `json:"payoutsEnabled"`
	DetailsSubmitted bool                        `json:"detailsSubmitted"`
	Requirements     AccountRequirementsResponse `json:"requirements"`
}

// AccountRequirementsResponse lists outstanding onboarding requirements.
type AccountRequirementsResponse struct {
	CurrentlyDue        []string `json:"currentlyDue"`
	EventuallyDue       []string `json:"eventuallyDue"`
	PastDue             []string `json:"pastDue"`
	PendingVerification []string `json:"pendingVerification"`
}

// GetAccountStatus reads a host's onboarding and capability status at the
// processor. GET /payments/status?accountId=...
//
// Read-only passthrough: the processor owns connected-account state and this
// endpoint never writes the mirror.
func (h *AccountHandlers) GetAccountStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "accountId query parameter is required")
		return
	}

	if h.stripeClient == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotConfigured)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeNotConfigured, "payment processing is not configured")
		return
	}

	acct, err := h.stripeClient.GetAccount(accountID)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
			ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "account not found")
			return
		}
		slog.ErrorContext(ctx, "failed to retrieve account",
			"account_id", accountID,
			"error", truncate(err.Error(), maxProcessorErrorLen),
		)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to retrieve account status")
		return
	}

	response := AccountStatusResponse{
		AccountID:        acct.ID,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
		Requirements: AccountRequirementsResponse{
			CurrentlyDue:        []string{},
			EventuallyDue:       []string{},
			PastDue:             []string{},
			PendingVerification: []string{},
		},
	}
	if acct.Requirements != nil {
		if acct.Requirements.CurrentlyDue != nil {
			response.Requirements.CurrentlyDue = acct.Requirements.CurrentlyDue
		}
		if acct.Requirements.EventuallyDue != nil {
			response.Requirements.EventuallyDue = acct.Requirements.EventuallyDue
		}
		if acct.Requirements.PastDue != nil {
			response.Requirements.PastDue = acct.Requirements.PastDue
		}
		if acct.Requirements.PendingVerification != nil {
			response.Requirements.PendingVerification = acct.Requirements.PendingVerification
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
