// Package payment provides models and services for payment processing.
package payment

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Payment status values for a payment record.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Payout status values for held funds.
const (
	PayoutNone     = "none"
	PayoutHeld     = "held"
	PayoutReleased = "released"
)

// FeeSplit is the platform fee / host payout division of a charge amount.
// Computed exactly once at intent-creation time; the webhook processor reads
// it back from intent metadata rather than recomputing.
type FeeSplit struct {
	PlatformFee int64 // Fee in minor currency units
	HostPayout  int64 // Amount minus fee
}

// ComputeFeeSplit divides amount (minor currency units) into platform fee and
// host payout. The fee is round(amount * percent / 100), so
// PlatformFee + HostPayout == amount always holds.
func ComputeFeeSplit(amount int64, percent float64) FeeSplit {
	fee := int64(math.Round(float64(amount) * percent / 100.0))
	return FeeSplit{
		PlatformFee: fee,
		HostPayout:  amount - fee,
	}
}

// IntentMetadata is the application state attached to a Stripe PaymentIntent.
// All values are string-encoded on the wire for processor-metadata
// compatibility.
type IntentMetadata struct {
	EventID     string
	HostID      string
	UserID      string
	PlatformFee int64
	HostPayout  int64
	IsRecurring bool
}

// ToMap encodes the metadata for attachment to a Stripe object.
func (m IntentMetadata) ToMap() map[string]string {
	return map[string]string{
		"eventId":     m.EventID,
		"hostId":      m.HostID,
		"userId":      m.UserID,
		"platformFee": strconv.FormatInt(m.PlatformFee, 10),
		"hostPayout":  strconv.FormatInt(m.HostPayout, 10),
		"isRecurring": strconv.FormatBool(m.IsRecurring),
	}
}

// MetadataFromMap decodes intent metadata from a Stripe metadata map.
// Returns an error if the numeric fields are present but malformed; absent
// fields decode to zero values so callers can apply defensive defaults.
func MetadataFromMap(md map[string]string) (IntentMetadata, error) {
	out := IntentMetadata{
		EventID: md["eventId"],
		HostID:  md["hostId"],
		UserID:  md["userId"],
	}

	if v, ok := md["platformFee"]; ok && v != "" {
		fee, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return out, fmt.Errorf("invalid platformFee metadata %q: %w", v, err)
		}
		out.PlatformFee = fee
	}
	if v, ok := md["hostPayout"]; ok && v != "" {
		payout, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return out, fmt.Errorf("invalid hostPayout metadata %q: %w", v, err)
		}
		out.HostPayout = payout
	}
	if v, ok := md["isRecurring"]; ok && v != "" {
		recurring, err := strconv.ParseBool(v)
		if err != nil {
			return out, fmt.Errorf("invalid isRecurring metadata %q: %w", v, err)
		}
		out.IsRecurring = recurring
	}

	return out, nil
}

// HasFeeSplit reports whether the metadata carries an explicit fee split.
func (m IntentMetadata) HasFeeSplit() bool {
	return m.PlatformFee != 0 || m.HostPayout != 0
}

// PaymentRecord is one row of the append-only payment ledger, written when a
// payment intent succeeds. ReservationID is nil when no matching reservation
// was found at processing time; the row is still written so no payment is
// silently dropped.
type PaymentRecord struct {
	ID              string     `json:"id"`
	ReservationID   *string    `json:"reservation_id,omitempty"`
	EventID         string     `json:"event_id"`
	UserID          string     `json:"user_id"`
	HostID          string     `json:"host_id"`
	Amount          int64      `json:"amount"`       // Total amount in minor currency units
	PlatformFee     int64      `json:"platform_fee"` // Platform cut, from intent metadata
	HostPayout      int64      `json:"host_payout"`  // Amount held for the host
	Currency        string     `json:"currency"`
	PaymentIntentID string     `json:"payment_intent_id"`
	Status          string     `json:"status"`
	PayoutStatus    string     `json:"payout_status"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
}

// MaskID truncates an identifier for log safety, keeping at most the first
// 8 characters.
func MaskID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
