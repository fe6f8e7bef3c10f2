// Package account provides the read-only mirror of hosts' connected-account
// status. The payment processor owns connected-account state; the mirror is
// refreshed only from account.updated webhook notifications, never by
// proactive polling.
package account

import "time"

// Mirror holds the connected-account fields copied into a host's profile.
type Mirror struct {
	UserID             string     `json:"user_id"`
	StripeAccountID    string     `json:"stripe_account_id"`
	OnboardingComplete bool       `json:"onboarding_complete"` // details_submitted at the processor
	AccountEnabled     bool       `json:"account_enabled"`     // charges_enabled AND payouts_enabled
	UpdatedAt          *time.Time `json:"updated_at,omitempty"`
}
