package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrReservationNotFound is returned when no matching reservation exists.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrStaleEvent is returned when an update carries a processor event time
	// older than the one already applied. Stale deliveries are skipped, not
	// applied out of order.
	ErrStaleEvent = errors.New("stale payment event")
)

// Repository defines persistence for reservations.
type Repository interface {
	// Create inserts a new reservation.
	Create(ctx context.Context, res *Reservation) error

	// GetByID retrieves a reservation by id.
	GetByID(ctx context.Context, id string) (*Reservation, error)

	// GetReserved returns the reservation for (eventID, userID) in status
	// reserved. At most one match is expected; the oldest wins if the
	// uniqueness invariant has been violated upstream.
	GetReserved(ctx context.Context, eventID, userID string) (*Reservation, error)

	// ApplyPaymentUpdate applies absolute field values to a reservation,
	// guarded by the monotonic event-time check. Returns ErrStaleEvent when
	// the update is older than the currently applied one.
	ApplyPaymentUpdate(ctx context.Context, id string, update PaymentUpdate) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new reservation.
func (r *PostgresRepository) Create(ctx context.Context, res *Reservation) error {
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.Status == "" {
		res.Status = StatusReserved
	}
	if res.PaymentStatus == "" {
		res.PaymentStatus = PaymentPending
	}
	if res.PayoutStatus == "" {
		res.PayoutStatus = PayoutNone
	}

	query := `
		INSERT INTO reservations
			(id, event_id, user_id, status, payment_intent_id, payment_status, payout_status,
			 subscription_id, next_charge_date, opt_out_requested, opt_out_processed,
			 payment_event_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		res.ID, res.EventID, res.UserID, res.Status, res.PaymentIntentID,
		res.PaymentStatus, res.PayoutStatus, res.SubscriptionID, res.NextChargeDate,
		res.OptOutRequested, res.OptOutProcessed, res.PaymentEventTime)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}

	return nil
}

const reservationColumns = `
	id, event_id, user_id, status, payment_intent_id, payment_status, payout_status,
	subscription_id, next_charge_date, opt_out_requested, opt_out_processed,
	payment_event_time, created_at, updated_at
`

// GetByID retrieves a reservation by id.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Reservation, error) {
	query := `SELECT` + reservationColumns + `FROM reservations WHERE id = $1`
	return scanReservation(r.db.QueryRowContext(ctx, query, id))
}

// GetReserved returns the reserved reservation for (eventID, userID).
func (r *PostgresRepository) GetReserved(ctx context.Context, eventID, userID string) (*Reservation, error) {
	query := `SELECT` + reservationColumns + `
		FROM reservations
		WHERE event_id = $1 AND user_id = $2 AND status = $3
		ORDER BY created_at
		LIMIT 1
	`
	return scanReservation(r.db.QueryRowContext(ctx, query, eventID, userID, StatusReserved))
}

func scanReservation(row *sql.Row) (*Reservation, error) {
	var res Reservation
	var paymentIntentID, subscriptionID sql.NullString
	var nextChargeDate, createdAt, updatedAt sql.NullTime

	err := row.Scan(&res.ID, &res.EventID, &res.UserID, &res.Status, &paymentIntentID,
		&res.PaymentStatus, &res.PayoutStatus, &subscriptionID, &nextChargeDate,
		&res.OptOutRequested, &res.OptOutProcessed, &res.PaymentEventTime,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}

	if paymentIntentID.Valid {
		res.PaymentIntentID = &paymentIntentID.String
	}
	if subscriptionID.Valid {
		res.SubscriptionID = &subscriptionID.String
	}
	if nextChargeDate.Valid {
		res.NextChargeDate = &nextChargeDate.Time
	}
	if createdAt.Valid {
		res.CreatedAt = &createdAt.Time
	}
	if updatedAt.Valid {
		res.UpdatedAt = &updatedAt.Time
	}

	return &res, nil
}

// ApplyPaymentUpdate applies absolute field values under the monotonic
// event-time guard. COALESCE keeps unset fields at their current value.
func (r *PostgresRepository) ApplyPaymentUpdate(ctx context.Context, id string, update PaymentUpdate) error {
	query := `
		UPDATE reservations
		SET payment_status     = COALESCE($2, payment_status),
		    payout_status      = COALESCE($3, payout_status),
		    payment_intent_id  = COALESCE($4, payment_intent_id),
		    subscription_id    = COALESCE($5, subscription_id),
		    next_charge_date   = COALESCE($6, next_charge_date),
		    opt_out_requested  = COALESCE($7, opt_out_requested),
		    opt_out_processed  = COALESCE($8, opt_out_processed),
		    payment_event_time = $9,
		    updated_at         = NOW()
		WHERE id = $1 AND payment_event_time <= $9
	`
	result, err := r.db.ExecContext(ctx, query, id,
		update.PaymentStatus, update.PayoutStatus, update.PaymentIntentID,
		update.SubscriptionID, update.NextChargeDate,
		update.OptOutRequested, update.OptOutProcessed, update.EventTime)
	if err != nil {
		return fmt.Errorf("failed to apply payment update: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		checkQuery := `SELECT EXISTS(SELECT 1 FROM reservations WHERE id = $1)`
		if err := r.db.QueryRowContext(ctx, checkQuery, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check reservation existence: %w", err)
		}
		if !exists {
			return ErrReservationNotFound
		}
		return ErrStaleEvent
	}

	return nil
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Reservation
	order   []string // Insertion order, oldest reserved row wins in GetReserved
}

// NewInMemoryRepository creates a new in-memory reservation repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]*Reservation),
	}
}

// Create inserts a new reservation.
func (r *InMemoryRepository) Create(ctx context.Context, res *Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.Status == "" {
		res.Status = StatusReserved
	}
	if res.PaymentStatus == "" {
		res.PaymentStatus = PaymentPending
	}
	if res.PayoutStatus == "" {
		res.PayoutStatus = PayoutNone
	}

	now := time.Now()
	if res.CreatedAt == nil {
		res.CreatedAt = &now
	}
	if res.UpdatedAt == nil {
		res.UpdatedAt = &now
	}

	copied := copyReservation(res)
	r.records[res.ID] = copied
	r.order = append(r.order, res.ID)

	return nil
}

// GetByID retrieves a reservation by id.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.records[id]
	if !ok {
		return nil, ErrReservationNotFound
	}

	return copyReservation(res), nil
}

// GetReserved returns the reserved reservation for (eventID, userID).
func (r *InMemoryRepository) GetReserved(ctx context.Context, eventID, userID string) (*Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		res := r.records[id]
		if res.EventID == eventID && res.UserID == userID && res.Status == StatusReserved {
			return copyReservation(res), nil
		}
	}

	return nil, ErrReservationNotFound
}

// ApplyPaymentUpdate applies absolute field values under the monotonic
// event-time guard.
func (r *InMemoryRepository) ApplyPaymentUpdate(ctx context.Context, id string, update PaymentUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.records[id]
	if !ok {
		return ErrReservationNotFound
	}

	if update.EventTime < res.PaymentEventTime {
		return ErrStaleEvent
	}

	if update.PaymentStatus != nil {
		res.PaymentStatus = *update.PaymentStatus
	}
	if update.PayoutStatus != nil {
		res.PayoutStatus = *update.PayoutStatus
	}
	if update.PaymentIntentID != nil {
		intentID := *update.PaymentIntentID
		res.PaymentIntentID = &intentID
	}
	if update.SubscriptionID != nil {
		subID := *update.SubscriptionID
		res.SubscriptionID = &subID
	}
	if update.NextChargeDate != nil {
		next := *update.NextChargeDate
		res.NextChargeDate = &next
	}
	if update.OptOutRequested != nil {
		res.OptOutRequested = *update.OptOutRequested
	}
	if update.OptOutProcessed != nil {
		res.OptOutProcessed = *update.OptOutProcessed
	}
	res.PaymentEventTime = update.EventTime

	now := time.Now()
	res.UpdatedAt = &now

	return nil
}

// copyReservation creates a deep copy to prevent external mutation.
func copyReservation(res *Reservation) *Reservation {
	copied := *res
	if res.PaymentIntentID != nil {
		intentID := *res.PaymentIntentID
		copied.PaymentIntentID = &intentID
	}
	if res.SubscriptionID != nil {
		subID := *res.SubscriptionID
		copied.SubscriptionID = &subID
	}
	if res.NextChargeDate != nil {
		next := *res.NextChargeDate
		copied.NextChargeDate = &next
	}
	if res.CreatedAt != nil {
		created := *res.CreatedAt
		copied.CreatedAt = &created
	}
	if res.UpdatedAt != nil {
		updated := *res.UpdatedAt
		copied.UpdatedAt = &updated
	}
	return &copied
}
