package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository is the storage interface for the audit trail.
type Repository interface {
	// LogAccess appends an event and returns the stored entry.
	LogAccess(entry LogEntry) (*AuditLog, error)

	// QueryByEntity returns the entity's entries, newest first. A limit of
	// 0 means no limit.
	QueryByEntity(entityType, entityID string, limit int) ([]*AuditLog, error)

	// QueryByActor returns the actor's entries, newest first. A limit of
	// 0 means no limit.
	QueryByActor(actor string, limit int) ([]*AuditLog, error)

	// GetLastHash returns the hash of the newest entry, or "" when the
	// log is empty.
	GetLastHash() (string, error)

	// VerifyHashChain walks the full log and checks that each entry's
	// PreviousHash matches the recomputed hash of its predecessor.
	VerifyHashChain() (bool, error)
}

// hashLog computes the SHA-256 hash of an entry's immutable fields.
// PreviousHash is included so the chain covers ordering, not just content.
// IPAddress is excluded: retention anonymization rewrites it in place and
// must not invalidate the chain.
func hashLog(entry *AuditLog) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%s|%s|%s",
		entry.ID, entry.Actor, entry.EntityType, entry.EntityID, entry.Action, entry.Outcome,
		entry.CreatedAt.UnixNano(), entry.RequestID, entry.UserAgent,
		entry.PreviousHash)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// InMemoryRepository holds the audit trail as an append-only slice, for
// tests and single-process runs.
type InMemoryRepository struct {
	mu       sync.RWMutex
	entries  []*AuditLog
	lastHash string
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

func (r *InMemoryRepository) LogAccess(entry LogEntry) (*AuditLog, error) {
	outcome := entry.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := &AuditLog{
		ID:           uuid.New().String(),
		Actor:        entry.Actor,
		EntityType:   entry.EntityType,
		EntityID:     entry.EntityID,
		Action:       entry.Action,
		Outcome:      outcome,
		CreatedAt:    time.Now().UTC(),
		RequestID:    entry.RequestID,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		PreviousHash: r.lastHash,
	}
	r.entries = append(r.entries, stored)
	r.lastHash = hashLog(stored)

	returned := *stored
	return &returned, nil
}

// queryMatching collects copies of entries satisfying match, newest first.
func (r *InMemoryRepository) queryMatching(match func(*AuditLog) bool, limit int) []*AuditLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*AuditLog
	for i := len(r.entries) - 1; i >= 0; i-- {
		if !match(r.entries[i]) {
			continue
		}
		copied := *r.entries[i]
		results = append(results, &copied)
		if limit > 0 && len(results) == limit {
			break
		}
	}
	return results
}

func (r *InMemoryRepository) QueryByEntity(entityType, entityID string, limit int) ([]*AuditLog, error) {
	return r.queryMatching(func(entry *AuditLog) bool {
		return entry.EntityType == entityType && entry.EntityID == entityID
	}, limit), nil
}

func (r *InMemoryRepository) QueryByActor(actor string, limit int) ([]*AuditLog, error) {
	return r.queryMatching(func(entry *AuditLog) bool {
		return entry.Actor == actor
	}, limit), nil
}

func (r *InMemoryRepository) GetLastHash() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHash, nil
}

func (r *InMemoryRepository) VerifyHashChain() (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prevHash := ""
	for _, entry := range r.entries {
		if entry.PreviousHash != prevHash {
			return false, nil
		}
		prevHash = hashLog(entry)
	}
	return prevHash == r.lastHash, nil
}
