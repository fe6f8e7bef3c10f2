package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository implements Repository using PostgreSQL.
// Appends are serialized with an exclusive table lock so the hash chain
// stays linear across concurrent writers; payout audit volume is low enough
// that this does not matter for throughput.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new Postgres-backed audit repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// LogAccess records an event to the audit log, linking it to the previous
// entry by hash.
func (r *PostgresRepository) LogAccess(entry LogEntry) (*AuditLog, error) {
	outcome := entry.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`LOCK TABLE audit_logs IN EXCLUSIVE MODE`); err != nil {
		return nil, fmt.Errorf("failed to lock audit log: %w", err)
	}

	var prevHash string
	err = tx.QueryRow(`SELECT hash FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read last audit hash: %w", err)
	}

	log := &AuditLog{
		ID:         uuid.New().String(),
		Actor:      entry.Actor,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		Outcome:    outcome,
		// Truncate to what TIMESTAMPTZ can store so rehashing a row read
		// back from the database reproduces the original hash.
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
		RequestID:    entry.RequestID,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		PreviousHash: prevHash,
	}
	hash := hashLog(log)

	_, err = tx.Exec(`
		INSERT INTO audit_logs (id, actor, entity_type, entity_id, action, outcome, created_at, request_id, ip_address, user_agent, previous_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, log.ID, log.Actor, log.EntityType, log.EntityID, log.Action, log.Outcome,
		log.CreatedAt, log.RequestID, log.IPAddress, log.UserAgent, log.PreviousHash, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit log: %w", err)
	}

	return log, nil
}

// QueryByEntity retrieves audit logs for a specific entity, sorted by time (newest first).
func (r *PostgresRepository) QueryByEntity(entityType, entityID string, limit int) ([]*AuditLog, error) {
	query := `
		SELECT id, actor, entity_type, entity_id, action, outcome, created_at, request_id, ip_address, user_agent, previous_hash
		FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY seq DESC
	`
	args := []any{entityType, entityID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by entity: %w", err)
	}
	defer rows.Close()

	return scanAuditLogs(rows)
}

// QueryByActor retrieves audit logs for a specific actor, sorted by time (newest first).
func (r *PostgresRepository) QueryByActor(actor string, limit int) ([]*AuditLog, error) {
	query := `
		SELECT id, actor, entity_type, entity_id, action, outcome, created_at, request_id, ip_address, user_agent, previous_hash
		FROM audit_logs
		WHERE actor = $1
		ORDER BY seq DESC
	`
	args := []any{actor}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by actor: %w", err)
	}
	defer rows.Close()

	return scanAuditLogs(rows)
}

// GetLastHash returns the hash of the most recent log entry.
func (r *PostgresRepository) GetLastHash() (string, error) {
	var hash string
	err := r.db.QueryRow(`SELECT hash FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last audit hash: %w", err)
	}
	return hash, nil
}

// VerifyHashChain recomputes every entry's hash and checks the links.
func (r *PostgresRepository) VerifyHashChain() (bool, error) {
	rows, err := r.db.Query(`
		SELECT id, actor, entity_type, entity_id, action, outcome, created_at, request_id, ip_address, user_agent, previous_hash, hash
		FROM audit_logs
		ORDER BY seq ASC
	`)
	if err != nil {
		return false, fmt.Errorf("failed to query audit logs for verification: %w", err)
	}
	defer rows.Close()

	prevHash := ""
	for rows.Next() {
		var log AuditLog
		var storedHash string
		if err := rows.Scan(&log.ID, &log.Actor, &log.EntityType, &log.EntityID,
			&log.Action, &log.Outcome, &log.CreatedAt, &log.RequestID,
			&log.IPAddress, &log.UserAgent, &log.PreviousHash, &storedHash); err != nil {
			return false, fmt.Errorf("failed to scan audit log: %w", err)
		}

		if log.PreviousHash != prevHash {
			return false, nil
		}
		log.CreatedAt = log.CreatedAt.UTC()
		recomputed := hashLog(&log)
		if recomputed != storedHash {
			return false, nil
		}
		prevHash = recomputed
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to iterate audit logs: %w", err)
	}

	return true, nil
}

func scanAuditLogs(rows *sql.Rows) ([]*AuditLog, error) {
	var results []*AuditLog
	for rows.Next() {
		var log AuditLog
		if err := rows.Scan(&log.ID, &log.Actor, &log.EntityType, &log.EntityID,
			&log.Action, &log.Outcome, &log.CreatedAt, &log.RequestID,
			&log.IPAddress, &log.UserAgent, &log.PreviousHash); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.CreatedAt = log.CreatedAt.UTC()
		results = append(results, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return results, nil
}
