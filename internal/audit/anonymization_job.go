package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// AnonymizationJob defines the interface for IP address anonymization jobs.
type AnonymizationJob interface {
	// Run executes the IP anonymization process for eligible audit logs.
	// Returns the number of logs anonymized and any error encountered.
	Run(ctx context.Context) (int, error)
}

// AnonymizationJobConfig configures the IP anonymization job.
type AnonymizationJobConfig struct {
	Logger    *slog.Logger // Logger for job execution
	BatchSize int          // Number of logs to process per batch
	DryRun    bool         // If true, only log what would be anonymized
}

// PostgresAnonymizationJob anonymizes IP addresses in audit logs older than
// the retention cutoff. The IP column is excluded from the entry hash, so
// rewriting it does not invalidate the chain.
type PostgresAnonymizationJob struct {
	db     *sql.DB
	config AnonymizationJobConfig
}

// NewPostgresAnonymizationJob creates a new IP anonymization job.
func NewPostgresAnonymizationJob(db *sql.DB, config AnonymizationJobConfig) *PostgresAnonymizationJob {
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &PostgresAnonymizationJob{
		db:     db,
		config: config,
	}
}

// Run executes the IP anonymization process in batches until no eligible
// rows remain.
func (j *PostgresAnonymizationJob) Run(ctx context.Context) (int, error) {
	cutoff := IPAnonymizationCutoff()
	j.config.Logger.Info("starting IP anonymization job",
		"cutoff_date", cutoff,
		"batch_size", j.config.BatchSize,
		"dry_run", j.config.DryRun,
	)

	if j.config.DryRun {
		var count int
		err := j.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM audit_logs
			WHERE created_at < $1 AND ip_anonymized_at IS NULL AND ip_address <> ''
		`, cutoff).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("failed to count eligible audit logs: %w", err)
		}
		j.config.Logger.Info("dry run complete", "eligible_logs", count)
		return count, nil
	}

	total := 0
	for {
		n, err := j.anonymizeBatch(ctx, cutoff)
		if err != nil {
			return total, err
		}
		total += n
		if n < j.config.BatchSize {
			break
		}
	}

	j.config.Logger.Info("IP anonymization job complete", "anonymized_logs", total)
	return total, nil
}

func (j *PostgresAnonymizationJob) anonymizeBatch(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, ip_address FROM audit_logs
		WHERE created_at < $1 AND ip_anonymized_at IS NULL AND ip_address <> ''
		ORDER BY seq ASC
		LIMIT $2
	`, cutoff, j.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to query eligible audit logs: %w", err)
	}

	type row struct {
		id string
		ip string
	}
	var batch []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.ip); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan audit log row: %w", err)
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate audit log rows: %w", err)
	}
	rows.Close()

	for _, r := range batch {
		_, err := j.db.ExecContext(ctx, `
			UPDATE audit_logs
			SET ip_address = $1, ip_anonymized_at = NOW()
			WHERE id = $2
		`, AnonymizeIP(r.ip), r.id)
		if err != nil {
			return 0, fmt.Errorf("failed to anonymize audit log %s: %w", r.id, err)
		}
	}

	return len(batch), nil
}
