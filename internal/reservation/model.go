// Package reservation provides models and persistence for event reservations.
package reservation

import "time"

// Reservation status values.
const (
	StatusReserved  = "reserved"
	StatusCancelled = "cancelled"
)

// Payment status values mirrored onto the reservation by the webhook processor.
const (
	PaymentPending   = "pending"
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
)

// Payout status values for a reservation's held funds.
const (
	PayoutNone     = "none"
	PayoutHeld     = "held"
	PayoutReleased = "released"
)

// Reservation represents a user's reservation for an event. At most one
// reservation per (event, user) pair may be in status reserved.
//
// Payment fields are mutated exclusively by the webhook event processor once
// a terminal processor event arrives. PaymentEventTime is the processor
// timestamp of the last applied event; writes carrying an older timestamp are
// rejected so a delayed delivery cannot revert newer state.
type Reservation struct {
	ID               string     `json:"id"`
	EventID          string     `json:"event_id"`
	UserID           string     `json:"user_id"`
	Status           string     `json:"status"`
	PaymentIntentID  *string    `json:"payment_intent_id,omitempty"`
	PaymentStatus    string     `json:"payment_status"`
	PayoutStatus     string     `json:"payout_status"`
	SubscriptionID   *string    `json:"subscription_id,omitempty"`
	NextChargeDate   *time.Time `json:"next_charge_date,omitempty"`
	OptOutRequested  bool       `json:"opt_out_requested"`
	OptOutProcessed  bool       `json:"opt_out_processed"`
	PaymentEventTime int64      `json:"payment_event_time"` // Unix seconds of last applied processor event
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// PaymentUpdate is a set of absolute field values to apply to a reservation.
// Nil fields are left unchanged. EventTime carries the processor event's
// creation timestamp and is required; it drives the monotonic write guard.
type PaymentUpdate struct {
	PaymentStatus   *string
	PayoutStatus    *string
	PaymentIntentID *string
	SubscriptionID  *string
	NextChargeDate  *time.Time
	OptOutRequested *bool
	OptOutProcessed *bool
	EventTime       int64
}
