package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/firesidehq/fireside-payments/internal/account"
	"github.com/firesidehq/fireside-payments/internal/middleware"
	"github.com/firesidehq/fireside-payments/internal/payment"
	"github.com/firesidehq/fireside-payments/internal/reservation"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Outcome classification for a single event-type handler. The endpoint
// acknowledges receipt either way; the classification drives metrics and the
// dead-letter log an operator can replay from.
const (
	outcomeApplied   = "applied"   // state transition performed
	outcomeSkipped   = "skipped"   // benign no-op: no matching record, stale event, unrecognized type
	outcomeRetryable = "retryable" // transient datastore failure; update lost unless replayed
	outcomeFatal     = "fatal"     // malformed payload; replay will not help
)

// WebhookHandlers is the webhook event processor: the single writer of
// reservation, ledger, and account-mirror state.
type WebhookHandlers struct {
	webhookSecret   string
	reservationRepo reservation.Repository
	ledgerRepo      payment.LedgerRepository
	webhookRepo     payment.WebhookRepository
	accountRepo     account.Repository
	metrics         *payment.Metrics
	feePercent      float64
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(
	webhookSecret string,
	reservationRepo reservation.Repository,
	ledgerRepo payment.LedgerRepository,
	webhookRepo payment.WebhookRepository,
	accountRepo account.Repository,
	metrics *payment.Metrics,
	feePercent float64,
) *WebhookHandlers {
	return &WebhookHandlers{
		webhookSecret:   webhookSecret,
		reservationRepo: reservationRepo,
		ledgerRepo:      ledgerRepo,
		webhookRepo:     webhookRepo,
		accountRepo:     accountRepo,
		metrics:         metrics,
		feePercent:      feePercent,
	}
}

// receivedResponse is the acknowledgement body for accepted deliveries.
type receivedResponse struct {
	Received bool `json:"received"`
}

// HandleStripeWebhook processes Stripe webhook events with signature verification.
// POST /internal/stripe
//
// Contract: 400 only on signature verification failure, with no state change.
// After the signature passes and the event id is recorded, the endpoint
// acknowledges with 200 {"received":true} regardless of per-event-type
// processing failures, so a transient datastore error cannot put the
// processor's retry queue into a storm. Failed transitions are classified,
// counted, and logged with enough context to replay.
func (h *WebhookHandlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "missing Stripe-Signature header")
		return
	}

	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		slog.WarnContext(ctx, "webhook signature verification failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid signature")
		return
	}

	// Log minimal event info (type and ID only, not full payload)
	slog.InfoContext(ctx, "webhook event received", "event_type", event.Type, "event_id", event.ID)

	// Record the event id before any side-effecting write, turning
	// at-least-once delivery into effectively-once application.
	if err := h.webhookRepo.RecordEvent(ctx, event.ID, string(event.Type)); err != nil {
		if errors.Is(err, payment.ErrEventAlreadyProcessed) {
			slog.InfoContext(ctx, "webhook event already processed, ignoring", "event_id", event.ID)
			h.countOutcome(string(event.Type), outcomeSkipped)
			h.acknowledge(w)
			return
		}
		// Dedup store unavailable: refuse the delivery so the processor
		// redelivers once the store is back, instead of risking a duplicate
		// application later.
		slog.ErrorContext(ctx, "failed to record webhook event", "event_id", event.ID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}

	var outcome string
	switch event.Type {
	case "payment_intent.succeeded":
		outcome = h.handlePaymentIntentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		outcome = h.handlePaymentIntentFailed(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		outcome = h.handleSubscriptionUpserted(ctx, event)
	case "customer.subscription.deleted":
		outcome = h.handleSubscriptionDeleted(ctx, event)
	case "account.updated":
		outcome = h.handleAccountUpdated(ctx, event)
	default:
		// Unknown event type - log and acknowledge
		slog.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", event.Type, "event_id", event.ID)
		outcome = outcomeSkipped
	}

	h.countOutcome(string(event.Type), outcome)
	if outcome == outcomeRetryable || outcome == outcomeFatal {
		// Dead-letter entry: the delivery is acked, so this log line is the
		// only handle an operator has to replay the lost transition.
		slog.ErrorContext(ctx, "webhook event dead-lettered",
			"event_id", event.ID,
			"event_type", event.Type,
			"outcome", outcome,
		)
		if h.metrics != nil {
			h.metrics.IncDeadLetter()
		}
	}

	h.acknowledge(w)
}

func (h *WebhookHandlers) acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(receivedResponse{Received: true}); err != nil {
		slog.Error("failed to encode webhook acknowledgement", "error", err)
	}
}

func (h *WebhookHandlers) countOutcome(eventType, outcome string) {
	if h.metrics != nil {
		h.metrics.IncWebhookEvent(eventType, outcome)
	}
}

// handlePaymentIntentSucceeded applies the succeeded transition and appends
// the ledger row. The ledger append happens whether or not a reservation
// matched, so no payment is ever silently dropped.
func (h *WebhookHandlers) handlePaymentIntentSucceeded(ctx context.Context, event stripe.Event) string {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		slog.ErrorContext(ctx, "failed to parse payment intent", "event_id", event.ID, "error", err)
		return outcomeFatal
	}

	md, err := payment.MetadataFromMap(intent.Metadata)
	if err != nil {
		slog.WarnContext(ctx, "malformed intent metadata, continuing with decoded fields",
			"event_id", event.ID,
			"payment_intent_id", intent.ID,
			"error", err,
		)
	}
	if md.EventID == "" || md.UserID == "" {
		slog.ErrorContext(ctx, "payment intent missing reservation identity metadata",
			"event_id", event.ID,
			"payment_intent_id", intent.ID,
		)
		return outcomeFatal
	}

	// Metadata written at intent creation is authoritative for the split.
	// Recomputation is a defensive fallback only, and its use is logged.
	split := payment.FeeSplit{PlatformFee: md.PlatformFee, HostPayout: md.HostPayout}
	if !md.HasFeeSplit() {
		split = payment.ComputeFeeSplit(intent.Amount, h.feePercent)
		slog.WarnContext(ctx, "fee split metadata absent, recomputed defensively",
			"event_id", event.ID,
			"payment_intent_id", intent.ID,
			"platform_fee", split.PlatformFee,
			"host_payout", split.HostPayout,
		)
	}

	outcome := outcomeApplied

	var reservationID *string
	res, err := h.reservationRepo.GetReserved(ctx, md.EventID, md.UserID)
	switch {
	case err == nil:
		reservationID = &res.ID
		succeeded := reservation.PaymentSucceeded
		held := reservation.PayoutHeld
		update := reservation.PaymentUpdate{
			PaymentStatus:   &succeeded,
			PayoutStatus:    &held,
			PaymentIntentID: &intent.ID,
			EventTime:       event.Created,
		}
		if err := h.reservationRepo.ApplyPaymentUpdate(ctx, res.ID, update); err != nil {
			if errors.Is(err, reservation.ErrStaleEvent) {
				slog.InfoContext(ctx, "skipping stale succeeded event",
					"event_id", event.ID,
					"reservation_id", res.ID,
				)
			} else {
				slog.ErrorContext(ctx, "failed to update reservation for succeeded payment",
					"event_id", event.ID,
					"reservation_id", res.ID,
					"payment_intent_id", intent.ID,
					"error", err,
				)
				outcome = outcomeRetryable
			}
		}
	case errors.Is(err, reservation.ErrReservationNotFound):
		// The ledger row is still written below, with a null reservation id.
		slog.WarnContext(ctx, "no reserved reservation for succeeded payment",
			"event_id", event.ID,
			"reservation_event_id", payment.MaskID(md.EventID),
			"user_id", payment.MaskID(md.UserID),
		)
		if h.metrics != nil {
			h.metrics.IncOrphanedLedger()
		}
	default:
		slog.ErrorContext(ctx, "failed to look up reservation",
			"event_id", event.ID,
			"error", err,
		)
		outcome = outcomeRetryable
	}

	record := &payment.PaymentRecord{
		ReservationID:   reservationID,
		EventID:         md.EventID,
		UserID:          md.UserID,
		HostID:          md.HostID,
		Amount:          intent.Amount,
		PlatformFee:     split.PlatformFee,
		HostPayout:      split.HostPayout,
		Currency:        string(intent.Currency),
		PaymentIntentID: intent.ID,
		Status:          payment.StatusSucceeded,
		PayoutStatus:    payment.PayoutHeld,
	}
	if err := h.ledgerRepo.Append(ctx, record); err != nil {
		slog.ErrorContext(ctx, "failed to append payment record",
			"event_id", event.ID,
			"payment_intent_id", intent.ID,
			"error", err,
		)
		return outcomeRetryable
	}
	if h.metrics != nil {
		h.metrics.IncLedgerAppends()
	}

	slog.InfoContext(ctx, "payment recorded",
		"event_id", event.ID,
		"payment_intent_id", intent.ID,
		"amount", intent.Amount,
		"currency", intent.Currency,
	)
	return outcome
}

// handlePaymentIntentFailed marks the matching reservation failed. Failures
// never produce a ledger row.
func (h *WebhookHandlers) handlePaymentIntentFailed(ctx context.Context, event stripe.Event) string {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		slog.ErrorContext(ctx, "failed to parse payment intent", "event_id", event.ID, "error", err)
		return outcomeFatal
	}

	md, _ := payment.MetadataFromMap(intent.Metadata)
	if md.EventID == "" || md.UserID == "" {
		slog.WarnContext(ctx, "failed payment carries no reservation identity",
			"event_id", event.ID,
			"payment_intent_id", intent.ID,
		)
		return outcomeSkipped
	}

	failureReason := "unknown"
	if intent.LastPaymentError != nil {
		if intent.LastPaymentError.Code != "" {
			failureReason = string(intent.LastPaymentError.Code)
		} else if intent.LastPaymentError.Msg != "" {
			failureReason = intent.LastPaymentError.Msg
		}
	}

	res, err := h.reservationRepo.GetReserved(ctx, md.EventID, md.UserID)
	if err != nil {
		if errors.Is(err, reservation.ErrReservationNotFound) {
			slog.InfoContext(ctx, "no reserved reservation for failed payment, nothing to do",
				"event_id", event.ID,
				"payment_intent_id", intent.ID,
			)
			return outcomeSkipped
		}
		slog.ErrorContext(ctx, "failed to look up reservation", "event_id", event.ID, "error", err)
		return outcomeRetryable
	}

	failed := reservation.PaymentFailed
	update := reservation.PaymentUpdate{
		PaymentStatus:   &failed,
		PaymentIntentID: &intent.ID,
		EventTime:       event.Created,
	}
	if err := h.reservationRepo.ApplyPaymentUpdate(ctx, res.ID, update); err != nil {
		if errors.Is(err, reservation.ErrStaleEvent) {
			// A delayed failure must not revert a newer succeeded state.
			slog.InfoContext(ctx, "skipping stale failed event",
				"event_id", event.ID,
				"reservation_id", res.ID,
			)
			return outcomeSkipped
		}
		slog.ErrorContext(ctx, "failed to mark reservation payment failed",
			"event_id", event.ID,
			"reservation_id", res.ID,
			"error", err,
		)
		return outcomeRetryable
	}

	slog.InfoContext(ctx, "reservation payment marked failed",
		"event_id", event.ID,
		"reservation_id", res.ID,
		"reason", failureReason,
	)
	return outcomeApplied
}

// handleSubscriptionUpserted attaches a subscription to the matching
// reservation for customer.subscription.created and .updated events.
func (h *WebhookHandlers) handleSubscriptionUpserted(ctx context.Context, event stripe.Event) string {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		slog.ErrorContext(ctx, "failed to parse subscription", "event_id", event.ID, "error", err)
		return outcomeFatal
	}

	eventID := sub.Metadata["eventId"]
	userID := sub.Metadata["userId"]
	if eventID == "" || userID == "" {
		slog.WarnContext(ctx, "subscription carries no reservation identity",
			"event_id", event.ID,
			"subscription_id", sub.ID,
		)
		return outcomeSkipped
	}

	res, err := h.reservationRepo.GetReserved(ctx, eventID, userID)
	if err != nil {
		if errors.Is(err, reservation.ErrReservationNotFound) {
			slog.InfoContext(ctx, "no reserved reservation for subscription",
				"event_id", event.ID,
				"subscription_id", sub.ID,
			)
			return outcomeSkipped
		}
		slog.ErrorContext(ctx, "failed to look up reservation", "event_id", event.ID, "error", err)
		return outcomeRetryable
	}

	succeeded := reservation.PaymentSucceeded
	update := reservation.PaymentUpdate{
		PaymentStatus:  &succeeded,
		SubscriptionID: &sub.ID,
		EventTime:      event.Created,
	}
	if sub.CurrentPeriodEnd > 0 {
		next := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		update.NextChargeDate = &next
	}

	if err := h.reservationRepo.ApplyPaymentUpdate(ctx, res.ID, update); err != nil {
		if errors.Is(err, reservation.ErrStaleEvent) {
			slog.InfoContext(ctx, "skipping stale subscription event",
				"event_id", event.ID,
				"reservation_id", res.ID,
			)
			return outcomeSkipped
		}
		slog.ErrorContext(ctx, "failed to attach subscription to reservation",
			"event_id", event.ID,
			"reservation_id", res.ID,
			"subscription_id", sub.ID,
			"error", err,
		)
		return outcomeRetryable
	}

	slog.InfoContext(ctx, "subscription attached to reservation",
		"event_id", event.ID,
		"reservation_id", res.ID,
		"subscription_id", sub.ID,
	)
	return outcomeApplied
}

// handleSubscriptionDeleted records a processed opt-out on the matching
// reservation for customer.subscription.deleted events.
func (h *WebhookHandlers) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) string {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		slog.ErrorContext(ctx, "failed to parse subscription", "event_id", event.ID, "error", err)
		return outcomeFatal
	}

	eventID := sub.Metadata["eventId"]
	userID := sub.Metadata["userId"]
	if eventID == "" || userID == "" {
		slog.WarnContext(ctx, "deleted subscription carries no reservation identity",
			"event_id", event.ID,
			"subscription_id", sub.ID,
		)
		return outcomeSkipped
	}

	res, err := h.reservationRepo.GetReserved(ctx, eventID, userID)
	if err != nil {
		if errors.Is(err, reservation.ErrReservationNotFound) {
			slog.InfoContext(ctx, "no reserved reservation for deleted subscription",
				"event_id", event.ID,
				"subscription_id", sub.ID,
			)
			return outcomeSkipped
		}
		slog.ErrorContext(ctx, "failed to look up reservation", "event_id", event.ID, "error", err)
		return outcomeRetryable
	}

	optOut := true
	update := reservation.PaymentUpdate{
		OptOutRequested: &optOut,
		OptOutProcessed: &optOut,
		EventTime:       event.Created,
	}
	if err := h.reservationRepo.ApplyPaymentUpdate(ctx, res.ID, update); err != nil {
		if errors.Is(err, reservation.ErrStaleEvent) {
			slog.InfoContext(ctx, "skipping stale subscription deletion",
				"event_id", event.ID,
				"reservation_id", res.ID,
			)
			return outcomeSkipped
		}
		slog.ErrorContext(ctx, "failed to record subscription opt-out",
			"event_id", event.ID,
			"reservation_id", res.ID,
			"error", err,
		)
		return outcomeRetryable
	}

	slog.InfoContext(ctx, "subscription opt-out recorded",
		"event_id", event.ID,
		"reservation_id", res.ID,
		"subscription_id", sub.ID,
	)
	return outcomeApplied
}

// handleAccountUpdated refreshes the host's connected-account mirror from
// account.updated events. The mirror is never polled proactively; this event
// is its only write path after onboarding.
func (h *WebhookHandlers) handleAccountUpdated(ctx context.Context, event stripe.Event) string {
	var acct stripe.Account
	if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
		slog.ErrorContext(ctx, "failed to parse account", "event_id", event.ID, "error", err)
		return outcomeFatal
	}

	userID := acct.Metadata["userId"]
	if userID == "" {
		slog.InfoContext(ctx, "account update carries no user metadata, ignoring",
			"event_id", event.ID,
			"account_id", acct.ID,
		)
		return outcomeSkipped
	}

	mirror := &account.Mirror{
		UserID:             userID,
		StripeAccountID:    acct.ID,
		OnboardingComplete: acct.DetailsSubmitted,
		AccountEnabled:     acct.ChargesEnabled && acct.PayoutsEnabled,
	}
	if err := h.accountRepo.Upsert(ctx, mirror); err != nil {
		slog.ErrorContext(ctx, "failed to upsert account mirror",
			"event_id", event.ID,
			"account_id", acct.ID,
			"user_id", payment.MaskID(userID),
			"error", err,
		)
		return outcomeRetryable
	}

	slog.InfoContext(ctx, "account mirror updated",
		"event_id", event.ID,
		"account_id", acct.ID,
		"onboarding_complete", mirror.OnboardingComplete,
		"account_enabled", mirror.AccountEnabled,
	)
	return outcomeApplied
}
