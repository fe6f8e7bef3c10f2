package audit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/firesidehq/fireside-payments/internal/middleware"
)

var (
	ErrNilRepository     = errors.New("audit repository cannot be nil")
	ErrInvalidEntityType = errors.New("entity type cannot be empty")
	ErrInvalidEntityID   = errors.New("entity ID cannot be empty")
	ErrInvalidAction     = errors.New("action cannot be empty")
)

// ValidEntityTypes allowlists what an audit entry may reference.
var ValidEntityTypes = map[string]bool{
	"payment":     true,
	"payout":      true,
	"reservation": true,
	"account":     true,
}

// ValidActions allowlists the operations worth auditing. Anything outside
// this set is a programming error, not a new kind of event.
var ValidActions = map[string]bool{
	"release_payout":       true,
	"update_payout_ledger": true,
	"create_intent":        true,
	"verify_payment":       true,
	"onboard_host":         true,
	"view_account_status":  true,
}

func validateLogEntry(entityType, entityID, action string) error {
	switch {
	case entityType == "" || !ValidEntityTypes[entityType]:
		return ErrInvalidEntityType
	case entityID == "":
		return ErrInvalidEntityID
	case action == "" || !ValidActions[action]:
		return ErrInvalidAction
	}
	return nil
}

// stripPort drops a :port suffix when present; bare IPs pass through.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// extractIPAddress resolves the client address the same way the rate
// limiter does: first hop of X-Forwarded-For, then X-Real-IP, then
// RemoteAddr, always with the port removed.
func extractIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return stripPort(first)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return stripPort(xri)
	}
	return stripPort(r.RemoteAddr)
}

// LogAccess records an audited event outside an HTTP request, typically
// from the scheduler loops. Actor and request ID come from the context
// when the caller has them there.
//
// A failed audit insert is returned to the caller rather than swallowed;
// money movement is not rolled back over it, but the failure must surface.
func LogAccess(ctx context.Context, repo Repository, entityType, entityID, action string) error {
	if repo == nil {
		return ErrNilRepository
	}
	if err := validateLogEntry(entityType, entityID, action); err != nil {
		return err
	}

	_, err := repo.LogAccess(LogEntry{
		Actor:      middleware.GetSchedulerJob(ctx),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		RequestID:  middleware.GetRequestID(ctx),
	})
	return err
}

// LogOperation records an audited event with an explicit outcome plus the
// request's client IP and user agent.
func LogOperation(r *http.Request, repo Repository, entityType, entityID, action, outcome string) error {
	if repo == nil {
		return ErrNilRepository
	}
	if err := validateLogEntry(entityType, entityID, action); err != nil {
		return err
	}

	ctx := r.Context()
	_, err := repo.LogAccess(LogEntry{
		Actor:      middleware.GetSchedulerJob(ctx),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    outcome,
		RequestID:  middleware.GetRequestID(ctx),
		IPAddress:  extractIPAddress(r),
		UserAgent:  r.UserAgent(),
	})
	return err
}
