// Package payment provides webhook event tracking for idempotency.
package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEventAlreadyProcessed is returned when attempting to process a duplicate webhook event.
var ErrEventAlreadyProcessed = errors.New("webhook event already processed")

// processedEventTTL bounds the Redis dedup window. Stripe retries webhook
// deliveries for at most 3 days; 30 days leaves a wide margin.
const processedEventTTL = 30 * 24 * time.Hour

// WebhookRepository tracks processed processor event ids so that
// at-least-once delivery becomes effectively-once application. RecordEvent
// must be checked-and-inserted atomically before any side-effecting write.
type WebhookRepository interface {
	// RecordEvent records a webhook event as processed.
	// Returns ErrEventAlreadyProcessed if the event was already recorded.
	RecordEvent(ctx context.Context, eventID, eventType string) error

	// HasProcessed checks if an event has already been processed.
	HasProcessed(ctx context.Context, eventID string) (bool, error)
}

// PostgresWebhookRepository implements WebhookRepository using PostgreSQL.
// The insert relies on the primary key on event_id for atomicity.
type PostgresWebhookRepository struct {
	db *sql.DB
}

// NewPostgresWebhookRepository creates a new PostgresWebhookRepository.
func NewPostgresWebhookRepository(db *sql.DB) *PostgresWebhookRepository {
	return &PostgresWebhookRepository{db: db}
}

// RecordEvent records a webhook event as processed.
func (r *PostgresWebhookRepository) RecordEvent(ctx context.Context, eventID, eventType string) error {
	query := `
		INSERT INTO webhook_events (event_id, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query, eventID, eventType)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return ErrEventAlreadyProcessed
	}

	return nil
}

// HasProcessed checks if an event has already been processed.
func (r *PostgresWebhookRepository) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM webhook_events WHERE event_id = $1)`
	if err := r.db.QueryRowContext(ctx, query, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

// RedisWebhookRepository implements WebhookRepository using Redis SET NX,
// which gives the same atomic check-and-insert with an expiry bound.
type RedisWebhookRepository struct {
	client *redis.Client
}

// NewRedisWebhookRepository creates a new RedisWebhookRepository.
func NewRedisWebhookRepository(client *redis.Client) *RedisWebhookRepository {
	return &RedisWebhookRepository{client: client}
}

func webhookEventKey(eventID string) string {
	return "webhook:event:" + eventID
}

// RecordEvent records a webhook event as processed.
func (r *RedisWebhookRepository) RecordEvent(ctx context.Context, eventID, eventType string) error {
	ok, err := r.client.SetNX(ctx, webhookEventKey(eventID), eventType, processedEventTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !ok {
		return ErrEventAlreadyProcessed
	}
	return nil
}

// HasProcessed checks if an event has already been processed.
func (r *RedisWebhookRepository) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	count, err := r.client.Exists(ctx, webhookEventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return count > 0, nil
}

// InMemoryWebhookRepository implements WebhookRepository with in-memory storage.
type InMemoryWebhookRepository struct {
	mu     sync.RWMutex
	events map[string]string // event_id -> event_type
}

// NewInMemoryWebhookRepository creates a new in-memory webhook repository.
func NewInMemoryWebhookRepository() *InMemoryWebhookRepository {
	return &InMemoryWebhookRepository{
		events: make(map[string]string),
	}
}

// RecordEvent records a webhook event as processed.
func (r *InMemoryWebhookRepository) RecordEvent(ctx context.Context, eventID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[eventID]; exists {
		return ErrEventAlreadyProcessed
	}

	r.events[eventID] = eventType
	return nil
}

// HasProcessed checks if an event has already been processed.
func (r *InMemoryWebhookRepository) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.events[eventID]
	return exists, nil
}
