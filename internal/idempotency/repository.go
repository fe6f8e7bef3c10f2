package idempotency

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
)

// PostgresRepository stores idempotency keys in the idempotency_keys table.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(key string) (*IdempotencyKey, error) {
	const query = `
		SELECT key, method, route, created_at, payment_id, response_hash, status, response_body, response_status_code
		FROM idempotency_keys
		WHERE key = $1
	`

	var record IdempotencyKey
	var paymentID sql.NullString
	err := r.db.QueryRow(query, key).Scan(
		&record.Key, &record.Method, &record.Route, &record.CreatedAt,
		&paymentID, &record.ResponseHash, &record.Status,
		&record.ResponseBody, &record.ResponseStatusCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	if paymentID.Valid {
		record.PaymentID = &paymentID.String
	}
	return &record, nil
}

func (r *PostgresRepository) Store(record *IdempotencyKey) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const query = `
		INSERT INTO idempotency_keys (key, method, route, created_at, payment_id, response_hash, status, response_body, response_status_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(query,
		record.Key, record.Method, record.Route, createdAt,
		record.PaymentID, record.ResponseHash, record.Status,
		record.ResponseBody, record.ResponseStatusCode)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrKeyExists
		}
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteOlderThan(duration time.Duration) (int64, error) {
	cutoff := time.Now().Add(-duration)

	result, err := r.db.Exec(`DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old idempotency keys: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted idempotency keys: %w", err)
	}
	return deleted, nil
}

// InMemoryRepository keeps keys in a map, for tests and single-process runs.
// Records are copied on the way in and out so callers cannot mutate stored
// state.
type InMemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]*IdempotencyKey
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{keys: make(map[string]*IdempotencyKey)}
}

func (r *InMemoryRepository) Get(key string) (*IdempotencyKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.keys[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return cloneKey(record), nil
}

func (r *InMemoryRepository) Store(record *IdempotencyKey) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[record.Key]; exists {
		return ErrKeyExists
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	r.keys[record.Key] = cloneKey(record)
	return nil
}

func (r *InMemoryRepository) DeleteOlderThan(duration time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-duration)
	var deleted int64
	for key, record := range r.keys {
		if record.CreatedAt.Before(cutoff) {
			delete(r.keys, key)
			deleted++
		}
	}
	return deleted, nil
}

func cloneKey(record *IdempotencyKey) *IdempotencyKey {
	if record == nil {
		return nil
	}
	copied := *record
	if record.PaymentID != nil {
		paymentID := *record.PaymentID
		copied.PaymentID = &paymentID
	}
	return &copied
}
