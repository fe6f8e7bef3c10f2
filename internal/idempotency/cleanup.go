package idempotency

import (
	"log/slog"
	"time"
)

// DefaultExpiry is the retention window for idempotency keys. A day covers
// every reasonable client retry while keeping the table bounded; the
// maintenance loop in main runs cleanup hourly.
const DefaultExpiry = 24 * time.Hour

// CleanupOldKeys deletes keys older than expiry and returns how many were
// removed.
func CleanupOldKeys(repo Repository, expiry time.Duration) (int64, error) {
	deleted, err := repo.DeleteOlderThan(expiry)
	if err != nil {
		slog.Error("failed to clean up idempotency keys", "error", err)
		return 0, err
	}

	if deleted > 0 {
		slog.Info("cleaned up idempotency keys", "deleted", deleted, "older_than", expiry)
	}
	return deleted, nil
}
