// Package payment provides repository implementations for the payment ledger.
package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPaymentRecordNotFound is returned when a payment record is not found.
var ErrPaymentRecordNotFound = errors.New("payment record not found")

// LedgerRepository defines methods for the append-only payment ledger.
// Rows are never mutated after creation except for the payout status
// transition held -> released.
type LedgerRepository interface {
	// Append adds a new payment record. The record's ID is generated if empty.
	Append(ctx context.Context, record *PaymentRecord) error

	// GetByID retrieves a payment record by its id.
	GetByID(ctx context.Context, id string) (*PaymentRecord, error)

	// GetByIntentID retrieves a payment record by its payment intent id.
	GetByIntentID(ctx context.Context, intentID string) (*PaymentRecord, error)

	// MarkPayoutReleased transitions the record's payout status from held to
	// released. Idempotent: a record already released is a no-op success.
	MarkPayoutReleased(ctx context.Context, id string) error
}

// PostgresLedgerRepository implements LedgerRepository using PostgreSQL.
type PostgresLedgerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresLedgerRepository creates a new PostgresLedgerRepository.
func NewPostgresLedgerRepository(db *sql.DB, logger *slog.Logger) *PostgresLedgerRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLedgerRepository{
		db:     db,
		logger: logger,
	}
}

// Append adds a new payment record.
func (r *PostgresLedgerRepository) Append(ctx context.Context, record *PaymentRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	query := `
		INSERT INTO payment_records
			(id, reservation_id, event_id, user_id, host_id, amount, platform_fee, host_payout,
			 currency, payment_intent_id, status, payout_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		record.ID, record.ReservationID, record.EventID, record.UserID, record.HostID,
		record.Amount, record.PlatformFee, record.HostPayout,
		record.Currency, record.PaymentIntentID, record.Status, record.PayoutStatus)
	if err != nil {
		return fmt.Errorf("failed to append payment record: %w", err)
	}

	return nil
}

// GetByID retrieves a payment record by id.
func (r *PostgresLedgerRepository) GetByID(ctx context.Context, id string) (*PaymentRecord, error) {
	query := `
		SELECT id, reservation_id, event_id, user_id, host_id, amount, platform_fee, host_payout,
		       currency, payment_intent_id, status, payout_status, created_at
		FROM payment_records
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByIntentID retrieves a payment record by payment intent id.
func (r *PostgresLedgerRepository) GetByIntentID(ctx context.Context, intentID string) (*PaymentRecord, error) {
	query := `
		SELECT id, reservation_id, event_id, user_id, host_id, amount, platform_fee, host_payout,
		       currency, payment_intent_id, status, payout_status, created_at
		FROM payment_records
		WHERE payment_intent_id = $1
		ORDER BY created_at
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, intentID))
}

func (r *PostgresLedgerRepository) scanOne(row *sql.Row) (*PaymentRecord, error) {
	var record PaymentRecord
	var reservationID sql.NullString
	var createdAt sql.NullTime

	err := row.Scan(&record.ID, &reservationID, &record.EventID, &record.UserID, &record.HostID,
		&record.Amount, &record.PlatformFee, &record.HostPayout,
		&record.Currency, &record.PaymentIntentID, &record.Status, &record.PayoutStatus, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment record: %w", err)
	}

	if reservationID.Valid {
		record.ReservationID = &reservationID.String
	}
	if createdAt.Valid {
		record.CreatedAt = &createdAt.Time
	}

	return &record, nil
}

// MarkPayoutReleased transitions payout status held -> released.
func (r *PostgresLedgerRepository) MarkPayoutReleased(ctx context.Context, id string) error {
	// The status filter makes the update a no-op on redelivery.
	query := `
		UPDATE payment_records
		SET payout_status = $1
		WHERE id = $2 AND payout_status = $3
	`
	result, err := r.db.ExecContext(ctx, query, PayoutReleased, id, PayoutHeld)
	if err != nil {
		return fmt.Errorf("failed to mark payout released: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		// Either already released (fine) or the record doesn't exist.
		var exists bool
		checkQuery := `SELECT EXISTS(SELECT 1 FROM payment_records WHERE id = $1)`
		if err := r.db.QueryRowContext(ctx, checkQuery, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check payment record existence: %w", err)
		}
		if !exists {
			return ErrPaymentRecordNotFound
		}
	}

	return nil
}

// InMemoryLedgerRepository implements LedgerRepository with in-memory storage.
type InMemoryLedgerRepository struct {
	mu      sync.RWMutex
	records map[string]*PaymentRecord
	order   []string // Insertion order, for deterministic GetByIntentID
}

// NewInMemoryLedgerRepository creates a new in-memory ledger repository.
func NewInMemoryLedgerRepository() *InMemoryLedgerRepository {
	return &InMemoryLedgerRepository{
		records: make(map[string]*PaymentRecord),
	}
}

// Append adds a new payment record.
func (r *InMemoryLedgerRepository) Append(ctx context.Context, record *PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	now := time.Now()
	if record.CreatedAt == nil {
		record.CreatedAt = &now
	}

	// Deep copy to prevent external mutation
	copied := *record
	r.records[record.ID] = &copied
	r.order = append(r.order, record.ID)

	return nil
}

// GetByID retrieves a payment record by ID.
func (r *InMemoryLedgerRepository) GetByID(ctx context.Context, id string) (*PaymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return nil, ErrPaymentRecordNotFound
	}

	copied := *record
	return &copied, nil
}

// GetByIntentID retrieves the first payment record for a payment intent.
func (r *InMemoryLedgerRepository) GetByIntentID(ctx context.Context, intentID string) (*PaymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		if record := r.records[id]; record.PaymentIntentID == intentID {
			copied := *record
			return &copied, nil
		}
	}

	return nil, ErrPaymentRecordNotFound
}

// MarkPayoutReleased transitions payout status held -> released.
func (r *InMemoryLedgerRepository) MarkPayoutReleased(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return ErrPaymentRecordNotFound
	}

	if record.PayoutStatus == PayoutHeld {
		record.PayoutStatus = PayoutReleased
	}

	return nil
}

// Count returns the number of ledger rows. Intended for tests.
func (r *InMemoryLedgerRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.records)
}
