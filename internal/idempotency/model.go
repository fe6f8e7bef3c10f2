// Package idempotency stores request idempotency keys with their cached
// responses, so a retried intent request replays the original outcome
// instead of creating a second payment intent.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Key lifecycle states. StatusProcessing appears in the schema CHECK
// constraint for marking in-flight requests; the service currently only
// writes StatusCompleted, after the response has been persisted.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

// MaxKeyLength bounds client-supplied Idempotency-Key header values.
const MaxKeyLength = 64

var (
	// ErrKeyNotFound is returned when no record exists for a key.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when storing a key that is already recorded.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when a key exceeds MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// IdempotencyKey is a stored key together with the response it locked in.
// PaymentID links the key to the payment intent the original request issued,
// when one was created.
type IdempotencyKey struct {
	Key                string    `json:"key"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	CreatedAt          time.Time `json:"created_at"`
	PaymentID          *string   `json:"payment_id,omitempty"`
	ResponseHash       string    `json:"response_hash"`
	Status             string    `json:"status"`
	ResponseBody       string    `json:"response_body"`
	ResponseStatusCode int       `json:"response_status_code"`
}

// ValidateKey rejects empty and overlong keys before they reach storage.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return ErrInvalidKey
	case len(key) > MaxKeyLength:
		return ErrKeyTooLong
	}
	return nil
}

// ComputeResponseHash fingerprints a cached response body so a replay can
// verify the stored payload was not altered after the fact.
func ComputeResponseHash(responseBody string) string {
	hash := sha256.Sum256([]byte(responseBody))
	return hex.EncodeToString(hash[:])
}

// Repository persists idempotency keys.
type Repository interface {
	// Get retrieves a key record, or ErrKeyNotFound.
	Get(key string) (*IdempotencyKey, error)

	// Store saves a new key record, or ErrKeyExists on duplicates.
	Store(record *IdempotencyKey) error

	// DeleteOlderThan removes records past the retention window and
	// returns how many were deleted.
	DeleteOlderThan(duration time.Duration) (int64, error)
}
