package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat selects the serialization for compliance exports.
type ExportFormat string

const (
	ExportFormatCSV  ExportFormat = "csv"
	ExportFormatJSON ExportFormat = "json"
)

// ExportOptions scopes an export. Actor is mandatory; From/To bound the
// range inclusively when set, and Limit caps the row count after filtering.
type ExportOptions struct {
	Format ExportFormat
	From   time.Time
	To     time.Time
	Actor  string
	Limit  int
}

// ExportLogs renders the matching audit trail in the requested format.
func ExportLogs(repo Repository, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}
	if opts.Actor == "" {
		// Exporting the full log would need a paginated QueryAll on the
		// repository; the compliance exports we produce today are always
		// scoped to an actor.
		return nil, fmt.Errorf("export requires an actor filter")
	}

	// Query unbounded first; the limit applies to rows that survive the
	// time filter, not to rows fetched.
	logs, err := repo.QueryByActor(opts.Actor, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}

	logs = filterByTimeRange(logs, opts.From, opts.To)
	if opts.Limit > 0 && len(logs) > opts.Limit {
		logs = logs[:opts.Limit]
	}

	if opts.Format == ExportFormatCSV {
		return exportToCSV(logs)
	}
	return exportToJSON(logs)
}

func filterByTimeRange(logs []*AuditLog, from, to time.Time) []*AuditLog {
	if from.IsZero() && to.IsZero() {
		return logs
	}
	filtered := logs[:0:0]
	for _, entry := range logs {
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		filtered = append(filtered, entry)
	}
	return filtered
}

func csvRow(entry *AuditLog) []string {
	return []string{
		entry.ID,
		entry.CreatedAt.Format(time.RFC3339),
		entry.Actor,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		entry.Outcome,
		entry.RequestID,
		entry.IPAddress,
		entry.UserAgent,
		entry.PreviousHash,
	}
}

func exportToCSV(logs []*AuditLog) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID", "Timestamp (UTC)", "Actor", "Entity Type", "Entity ID",
		"Action", "Outcome", "Request ID", "IP Address", "User Agent",
		"Previous Hash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, entry := range logs {
		if err := writer.Write(csvRow(entry)); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

type exportedLog struct {
	ID           string `json:"id"`
	Timestamp    string `json:"timestamp"`
	Actor        string `json:"actor"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	Action       string `json:"action"`
	Outcome      string `json:"outcome"`
	RequestID    string `json:"request_id,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	PreviousHash string `json:"previous_hash,omitempty"`
}

func exportToJSON(logs []*AuditLog) ([]byte, error) {
	rows := make([]exportedLog, len(logs))
	for i, entry := range logs {
		rows[i] = exportedLog{
			ID:           entry.ID,
			Timestamp:    entry.CreatedAt.Format(time.RFC3339),
			Actor:        entry.Actor,
			EntityType:   entry.EntityType,
			EntityID:     entry.EntityID,
			Action:       entry.Action,
			Outcome:      entry.Outcome,
			RequestID:    entry.RequestID,
			IPAddress:    entry.IPAddress,
			UserAgent:    entry.UserAgent,
			PreviousHash: entry.PreviousHash,
		}
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
