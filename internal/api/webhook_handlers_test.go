package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/firesidehq/fireside-payments/internal/account"
	"github.com/firesidehq/fireside-payments/internal/payment"
	"github.com/firesidehq/fireside-payments/internal/reservation"
	"github.com/stripe/stripe-go/v81"
)

const testWebhookSecret = "whsec_test_secret"

// generateStripeSignature produces a valid Stripe-Signature header for the
// given payload, matching the scheme webhook.ConstructEvent verifies.
func generateStripeSignature(t *testing.T, payload []byte, secret string) string {
	t.Helper()

	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	signature := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}

// webhookPayload builds a raw Stripe event envelope around the given object.
func webhookPayload(t *testing.T, eventID, eventType string, created int64, object any) []byte {
	t.Helper()

	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("failed to marshal event object: %v", err)
	}

	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     created,
		"type":        eventType,
		"data":        map[string]any{"object": json.RawMessage(raw)},
	})
	if err != nil {
		t.Fatalf("failed to marshal event payload: %v", err)
	}
	return payload
}

type webhookFixture struct {
	handlers        *WebhookHandlers
	reservationRepo *reservation.InMemoryRepository
	ledgerRepo      *payment.InMemoryLedgerRepository
	accountRepo     *account.InMemoryRepository
}

func newWebhookFixture() *webhookFixture {
	reservationRepo := reservation.NewInMemoryRepository()
	ledgerRepo := payment.NewInMemoryLedgerRepository()
	accountRepo := account.NewInMemoryRepository()

	handlers := NewWebhookHandlers(
		testWebhookSecret,
		reservationRepo,
		ledgerRepo,
		payment.NewInMemoryWebhookRepository(),
		accountRepo,
		payment.NewMetrics(),
		10.0,
	)

	return &webhookFixture{
		handlers:        handlers,
		reservationRepo: reservationRepo,
		ledgerRepo:      ledgerRepo,
		accountRepo:     accountRepo,
	}
}

func (f *webhookFixture) deliver(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/internal/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", generateStripeSignature(t, payload, testWebhookSecret))
	rec := httptest.NewRecorder()
	f.handlers.HandleStripeWebhook(rec, req)
	return rec
}

func assertReceived(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	var resp receivedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode acknowledgement: %v", err)
	}
	if !resp.Received {
		t.Error("received = false, want true")
	}
}

func succeededIntentObject(amount int64, metadata map[string]string) map[string]any {
	return map[string]any{
		"id":       "pi_test123",
		"object":   "payment_intent",
		"amount":   amount,
		"currency": "cad",
		"status":   "succeeded",
		"metadata": metadata,
	}
}

func intentMetadata(eventID, userID string) map[string]string {
	return map[string]string{
		"eventId":     eventID,
		"hostId":      "host-1",
		"userId":      userID,
		"platformFee": "500",
		"hostPayout":  "4500",
		"isRecurring": "false",
	}
}

func TestHandleStripeWebhook_MissingSignature(t *testing.T) {
	f := newWebhookFixture()
	payload := webhookPayload(t, "evt_1", "payment_intent.succeeded", time.Now().Unix(),
		succeededIntentObject(5000, intentMetadata("evt-res", "user-1")))

	req := httptest.NewRequest(http.MethodPost, "/internal/stripe", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	f.handlers.HandleStripeWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if f.ledgerRepo.Count() != 0 {
		t.Error("unsigned delivery produced a ledger row")
	}
}

func TestHandleStripeWebhook_InvalidSignature(t *testing.T) {
	f := newWebhookFixture()
	payload := webhookPayload(t, "evt_1", "payment_intent.succeeded", time.Now().Unix(),
		succeededIntentObject(5000, intentMetadata("evt-res", "user-1")))

	req := httptest.NewRequest(http.MethodPost, "/internal/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", generateStripeSignature(t, payload, "whsec_wrong_secret"))
	rec := httptest.NewRecorder()
	f.handlers.HandleStripeWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if errResp.Error.Code != ErrCodeBadRequest {
		t.Errorf("error code = %s, want %s", errResp.Error.Code, ErrCodeBadRequest)
	}
	if f.ledgerRepo.Count() != 0 {
		t.Error("badly signed delivery produced a ledger row")
	}
}

func TestHandleStripeWebhook_PaymentIntentSucceeded(t *testing.T) {
	f := newWebhookFixture()
	ctx := context.Background()

	res := &reservation.Reservation{EventID: "evt-res", UserID: "user-1"}
	if err := f.reservationRepo.Create(ctx, res); err != nil {
		t.Fatalf("failed to seed reservation: %v", err)
	}

	payload := webhookPayload(t, "evt_1", "payment_intent.succeeded", time.Now().Unix(),
		succeededIntentObject(5000, intentMetadata("evt-res", "user-1")))
	rec := f.deliver(t, payload)
	assertReceived(t, rec)

	updated, err := f.reservationRepo.GetByID(ctx, res.ID)
	if err != nil {
		t.Fatalf("failed to reload reservation: %v", err)
	}
	if updated.PaymentStatus != reservation.PaymentSucceeded {
		t.Errorf("PaymentStatus = %s, want %s", updated.PaymentStatus, reservation.PaymentSucceeded)
	}
	if updated.PayoutStatus != reservation.PayoutHeld {
		t.Errorf("PayoutStatus = %s, want %s", updated.PayoutStatus, reservation.PayoutHeld)
	}
	if updated.PaymentIntentID == nil || *updated.PaymentIntentID != "pi_test123" {
		t.Errorf("PaymentIntentID = %v, want pi_test123", updated.PaymentIntentID)
	}

	if f.ledgerRepo.Count() != 1 {
		t.Fatalf("ledger row count = %d, want 1", f.ledgerRepo.Count())
	}
	record, err := f.ledgerRepo.GetByIntentID(ctx, "pi_test123")
	if err != nil {
		t.Fatalf("failed to read ledger row: %v", err)
	}
	if record.Amount != 5000 || record.PlatformFee != 500 || record.HostPayout != 4500 {
		t.Errorf("ledger split = (%d, %d, %d), want (5000, 500, 4500)",
			record.Amount, record.PlatformFee, record.HostPayout)
	}
	if record.Currency != "cad" {
		t.Errorf("Currency = %s, want cad", record.Currency)
	}
	if record.ReservationID == nil || *record.ReservationID != res.ID {
		t.Errorf("ReservationID = %v, want %s", record.ReservationID, res.ID)
	}
	if record.PayoutStatus != payment.PayoutHeld {
		t.Errorf("PayoutStatus = %s, want %s", record.PayoutStatus, payment.PayoutHeld)
	}
}

func TestHandleStripeWebhook_DuplicateEvent(t *testing.T) {
	f := newWebhookFixture()
	ctx := context.Background()

	res := &reservation.Reservation{EventID: "evt-res", UserID: "user-1"}
	if err := f.reservationRepo.Create(ctx, res); err != nil {
		t.Fatalf("failed to seed reservation: %v", err)
	}

	payload := webhookPayload(t, "evt_dup", "payment_intent.succeeded", time.Now().Unix(),
		succeededIntentObject(5000, intentMetadata("evt-res", "user-1")))

	assertReceived(t, f.deliver(t, payload))
	assertReceived(t, f.deliver(t, payload))

	if f.ledgerRepo.Count() != 1 {
		t.Errorf("ledger row count = %d after redelivery, want 1", f.ledgerRepo.Count())
	}
}

func TestHandleStripeWebhook_SucceededWithoutReservation(t *testing.T) {
	f := newWebhookFixture()

	payload := webhookPayload(t, "evt_orphan", "payment_intent.succeeded", time.Now().Unix(),
		succeededIntentObject(5000, intentMetadata("evt-res", "user-ghost")))
	assertReceived(t, f.deliver(t, payload))

	// The payment is still recorded, with no reservation attached.
	if f.ledgerRepo.Count() != 1 {
		t.Fatalf("ledger row count = %d, want 1", f.ledgerRepo.Count())
	}
	record, err := f.ledgerRepo.GetByIntentID(context.Background(), "pi_test123")
	if err != nil {
		t.Fatalf("failed to read ledger row: %v", err)
	}
	if record.ReservationID != nil {
		t.Errorf("ReservationID = %v, want nil", record.ReservationID)
	}
}

func TestHandleStripeWebhook_SucceededMissingIdentity(t *testing.T) {
	f := newWebhookFixture()

	payload := webhookPayload(t, "evt_noid", "payment_intent.succeeded", time.Now().Unix(),
		succeededIntentObject(5000, map[string]string{"platformFee": "500", "hostPayout": "4500"}))
	assertReceived(t, f.deliver(t, payload))

	if f.ledgerRepo.Count() != 0 {
		t.Errorf("ledger row count = %d for unattributable payment, want 0", f.ledgerRepo.Count())
	}
}

func TestHandleStripeWebhook_PaymentIntentFailed(t *testing.T) {
	f := newWebhookFixture()
	ctx := context.Background()

	res := &reservation.Reservation{EventID: "evt-res", UserID: "user-1"}
	if err := f.reservationRepo.Create(ctx, res); err != nil {
		t.Fatalf("failed to seed reservation: %v", err)
	}

	object := map[string]any{
		"id":       "pi_failed",
		"object":   "payment_intent",
		"amount":   5000,
		"currency": "cad",
		"status":   "requires_payment_method",
		"metadata": intentMetadata("evt-res", "user-1"),
		"last_payment_error": map[string]any{
			"code": "card_declined",
		},
	}
	payload := webhookPayload(t, "evt_failed", "payment_intent.payment_failed", time.Now().Unix(), object)
	assertReceived(t, f.deliver(t, payload))

	updated, err := f.reservationRepo.GetByID(ctx, res.ID)
	if err != nil {
		t.Fatalf("failed to reload reservation: %v", err)
	}
	if updated.PaymentStatus != reservation.PaymentFailed {
		t.Errorf("PaymentStatus = %s, want %s", updated.PaymentStatus, reservation.PaymentFailed)
	}
	if f.ledgerRepo.Count() != 0 {
		t.Errorf("ledger row count = %d for failed payment, want 0", f.ledgerRepo.Count())
	}
}

func TestHandleStripeWebhook_FailedWithoutReservation(t *testing.T) {
	f := newWebhookFixture()

	object := map[string]any{
		"id":       "pi_failed",
		"object":   "payment_intent",
		"metadata": intentMetadata("evt-res", "user-ghost"),
	}
	payload := webhookPayload(t, "evt_failed_nores", "payment_intent.payment_failed", time.Now().Unix(), object)
	assertReceived(t, f.deliver(t, payload))

	if f.ledgerRepo.Count() != 0 {
		t.Errorf("ledger row count = %d, want 0", f.ledgerRepo.Count())
	}
}

func TestHandleStripeWebhook_StaleFailureDoesNotRevert(t *testing.T) {
	f := newWebhookFixture()
	ctx := context.Background()

	res := &reservation.Reservation{EventID: "evt-res", UserID: "user-1"}
	if err := f.reservationRepo.Create(ctx, res); err != nil {
		t.Fatalf("failed to seed reservation: %v", err)
	}

	now := time.Now().Unix()
	succeeded := webhookPayload(t, "evt_ok", "payment_intent.succeeded", now,
		succeededIntentObject(5000, intentMetadata("evt-res", "user-1")))
	assertReceived(t, f.deliver(t, succeeded))

	// A failed event created before the success arrives late. The newer
	// succeeded state must survive.
	failedObject := map[string]any{
		"id":       "pi_test123",
		"object":   "payment_intent",
		"metadata": intentMetadata("evt-res", "user-1"),
	}
	failed := webhookPayload(t, "evt_late_failure", "payment_intent.payment_failed", now-60, failedObject)
	assertReceived(t, f.deliver(t, failed))

	updated, err := f.reservationRepo.GetByID(ctx, res.ID)
	if err != nil {
		t.Fatalf("failed to reload reservation: %v", err)
	}
	if updated.PaymentStatus != reservation.PaymentSucceeded {
		t.Errorf("PaymentStatus = %s, stale failure reverted newer state", updated.PaymentStatus)
	}
}

func TestHandleStripeWebhook_SubscriptionCreated(t *testing.T) {
	f := newWebhookFixture()
	ctx := context.Background()

	res := &reservation.Reservation{EventID: "evt-res", UserID: "user-1"}
	if err := f.reservationRepo.Create(ctx, res); err != nil {
		t.Fatalf("failed to seed reservation: %v", err)
	}

	periodEnd := time.Now().AddDate(0, 1, 0).Unix()
	object := map[string]any{
		"id":                 "sub_123",
		"object":             "subscription",
		"current_period_end": periodEnd,
		"metadata":           map[string]string{"eventId": "evt-res", "userId": "user-1"},
	}
	payload := webhookPayload(t, "evt_sub", "customer.subscription.created", time.Now().Unix(), object)
	assertReceived(t, f.deliver(t, payload))

	updated, err := f.reservationRepo.GetByID(ctx, res.ID)
	if err != nil {
		t.Fatalf("failed to reload reservation: %v", err)
	}
	if updated.SubscriptionID == nil || *updated.SubscriptionID != "sub_123" {
		t.Errorf("SubscriptionID = %v, want sub_123", updated.SubscriptionID)
	}
	if updated.PaymentStatus != reservation.PaymentSucceeded {
		t.Errorf("PaymentStatus = %s, want %s", updated.PaymentStatus, reservation.PaymentSucceeded)
	}
	if updated.NextChargeDate == nil || updated.NextChargeDate.Unix() != periodEnd {
		t.Errorf("NextChargeDate = %v, want unix %d", updated.NextChargeDate, periodEnd)
	}
}

func TestHandleStripeWebhook_SubscriptionDeleted(t *testing.T) {
	f := newWebhookFixture()
	ctx := context.Background()

	res := &reservation.Reservation{EventID: "evt-res", UserID: "user-1"}
	if err := f.reservationRepo.Create(ctx, res); err != nil {
		t.Fatalf("failed to seed reservation: %v", err)
	}

	object := map[string]any{
		"id":       "sub_123",
		"object":   "subscription",
		"metadata": map[string]string{"eventId": "evt-res", "userId": "user-1"},
	}
	payload := webhookPayload(t, "evt_sub_del", "customer.subscription.deleted", time.Now().Unix(), object)
	assertReceived(t, f.deliver(t, payload))

	updated, err := f.reservationRepo.GetByID(ctx, res.ID)
	if err != nil {
		t.Fatalf("failed to reload reservation: %v", err)
	}
	if !updated.OptOutRequested || !updated.OptOutProcessed {
		t.Errorf("opt-out flags = (%v, %v), want (true, true)",
			updated.OptOutRequested, updated.OptOutProcessed)
	}
}

func TestHandleStripeWebhook_AccountUpdated(t *testing.T) {
	f := newWebhookFixture()

	object := map[string]any{
		"id":                "acct_123",
		"object":            "account",
		"details_submitted": true,
		"charges_enabled":   true,
		"payouts_enabled":   false,
		"metadata":          map[string]string{"userId": "user-1"},
	}
	payload := webhookPayload(t, "evt_acct", "account.updated", time.Now().Unix(), object)
	assertReceived(t, f.deliver(t, payload))

	mirror, err := f.accountRepo.GetByUserID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("failed to read account mirror: %v", err)
	}
	if mirror.StripeAccountID != "acct_123" {
		t.Errorf("StripeAccountID = %s, want acct_123", mirror.StripeAccountID)
	}
	if !mirror.OnboardingComplete {
		t.Error("OnboardingComplete = false, want true")
	}
	// Enabled requires both charges and payouts.
	if mirror.AccountEnabled {
		t.Error("AccountEnabled = true with payouts disabled, want false")
	}
}

func TestHandleStripeWebhook_AccountUpdatedWithoutUser(t *testing.T) {
	f := newWebhookFixture()

	object := map[string]any{
		"id":     "acct_123",
		"object": "account",
	}
	payload := webhookPayload(t, "evt_acct_nouser", "account.updated", time.Now().Unix(), object)
	assertReceived(t, f.deliver(t, payload))

	if _, err := f.accountRepo.GetByUserID(context.Background(), ""); err == nil {
		t.Error("mirror written for account update without user metadata")
	}
}

func TestHandleStripeWebhook_UnknownEventType(t *testing.T) {
	f := newWebhookFixture()

	payload := webhookPayload(t, "evt_unknown", "invoice.finalized", time.Now().Unix(),
		map[string]any{"id": "in_123", "object": "invoice"})
	assertReceived(t, f.deliver(t, payload))

	if f.ledgerRepo.Count() != 0 {
		t.Errorf("ledger row count = %d for unhandled event type, want 0", f.ledgerRepo.Count())
	}
}
