package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrMirrorNotFound is returned when no mirror row exists for a user.
var ErrMirrorNotFound = errors.New("account mirror not found")

// Repository defines persistence for connected-account mirrors.
type Repository interface {
	// Upsert creates or replaces the mirror for mirror.UserID.
	Upsert(ctx context.Context, mirror *Mirror) error

	// GetByUserID retrieves the mirror for a user.
	GetByUserID(ctx context.Context, userID string) (*Mirror, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db    *sql.DB
	stats MirrorStats
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Stats returns cumulative insert/update counts for mirror upserts.
func (r *PostgresRepository) Stats() *MirrorStats {
	return &r.stats
}

// Upsert creates or replaces the mirror for a user.
func (r *PostgresRepository) Upsert(ctx context.Context, mirror *Mirror) error {
	// xmax = 0 distinguishes a fresh insert from a conflict update.
	query := `
		INSERT INTO account_mirrors (user_id, stripe_account_id, onboarding_complete, account_enabled, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET stripe_account_id   = EXCLUDED.stripe_account_id,
		    onboarding_complete = EXCLUDED.onboarding_complete,
		    account_enabled     = EXCLUDED.account_enabled,
		    updated_at          = NOW()
		RETURNING (xmax = 0) AS inserted
	`
	var inserted bool
	err := r.db.QueryRowContext(ctx, query,
		mirror.UserID, mirror.StripeAccountID, mirror.OnboardingComplete, mirror.AccountEnabled).Scan(&inserted)
	if err != nil {
		return fmt.Errorf("failed to upsert account mirror: %w", err)
	}

	if inserted {
		r.stats.recordInsert()
	} else {
		r.stats.recordUpdate()
	}

	return nil
}

// GetByUserID retrieves the mirror for a user.
func (r *PostgresRepository) GetByUserID(ctx context.Context, userID string) (*Mirror, error) {
	query := `
		SELECT user_id, stripe_account_id, onboarding_complete, account_enabled, updated_at
		FROM account_mirrors
		WHERE user_id = $1
	`

	var mirror Mirror
	var updatedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&mirror.UserID, &mirror.StripeAccountID, &mirror.OnboardingComplete,
		&mirror.AccountEnabled, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMirrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account mirror: %w", err)
	}

	if updatedAt.Valid {
		mirror.UpdatedAt = &updatedAt.Time
	}

	return &mirror, nil
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu      sync.RWMutex
	mirrors map[string]*Mirror
	stats   MirrorStats
}

// NewInMemoryRepository creates a new in-memory account mirror repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		mirrors: make(map[string]*Mirror),
	}
}

// Stats returns cumulative insert/update counts for mirror upserts.
func (r *InMemoryRepository) Stats() *MirrorStats {
	return &r.stats
}

// Upsert creates or replaces the mirror for a user.
func (r *InMemoryRepository) Upsert(ctx context.Context, mirror *Mirror) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.mirrors[mirror.UserID]

	now := time.Now()
	copied := *mirror
	copied.UpdatedAt = &now
	r.mirrors[mirror.UserID] = &copied

	if exists {
		r.stats.recordUpdate()
	} else {
		r.stats.recordInsert()
	}

	return nil
}

// GetByUserID retrieves the mirror for a user.
func (r *InMemoryRepository) GetByUserID(ctx context.Context, userID string) (*Mirror, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mirror, ok := r.mirrors[userID]
	if !ok {
		return nil, ErrMirrorNotFound
	}

	copied := *mirror
	if mirror.UpdatedAt != nil {
		updated := *mirror.UpdatedAt
		copied.UpdatedAt = &updated
	}
	return &copied, nil
}
