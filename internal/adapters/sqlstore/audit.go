package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

// RecordAudit appends one entry in its own transaction.
func (s *Store) RecordAudit(ctx context.Context, entry domain.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) insertAudit(ctx context.Context, ex execer, entry domain.AuditEntry) error {
	details := entry.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	_, err := ex.ExecContext(ctx, s.rebind(`INSERT INTO audit_log (id, job_id, client_id, event_type, details, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`),
		entry.ID,
		nullableString(string(entry.JobID)),
		nullableString(entry.ClientID),
		string(entry.EventType),
		string(details),
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", entry.EventType, err)
	}
	return nil
}

// ListAudit returns the audit trail of one job, oldest first. An empty jobID
// lists entries that never produced a job.
func (s *Store) ListAudit(ctx context.Context, jobID domain.JobID) ([]domain.AuditEntry, error) {
	query := `SELECT id, job_id, client_id, event_type, details, created_at FROM audit_log WHERE job_id = ? ORDER BY created_at ASC`
	args := []any{string(jobID)}
	if jobID == "" {
		query = `SELECT id, job_id, client_id, event_type, details, created_at FROM audit_log WHERE job_id IS NULL ORDER BY created_at ASC`
		args = nil
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			entry          domain.AuditEntry
			job, client    sql.NullString
			event, details string
			createdAt      string
		)
		if err := rows.Scan(&entry.ID, &job, &client, &event, &details, &createdAt); err != nil {
			return nil, err
		}
		entry.JobID = domain.JobID(job.String)
		entry.ClientID = client.String
		entry.EventType = domain.AuditEventType(event)
		entry.Details = json.RawMessage(details)
		if entry.Timestamp, err = parseTimeString(createdAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
