package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

const jobColumns = `id, client_id, status, target_model_key, input_bundle, result, callback_url, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateJob inserts job together with its admission audit entry.
func (s *Store) CreateJob(ctx context.Context, job domain.Job, entry domain.AuditEntry) error {
	bundle, err := s.seal(string(job.InputBundle))
	if err != nil {
		return fmt.Errorf("encrypt bundle: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO jobs (`+jobColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(job.ID),
		job.ClientID,
		string(job.Status),
		job.TargetModelKey,
		bundle,
		nil,
		nullableString(job.CallbackURL),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := s.insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// GetJob fetches a job by identifier.
func (s *Store) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *Store) getJob(ctx context.Context, q rowQueryer, id domain.JobID) (domain.Job, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), string(id))
	job, err := s.scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, err
}

// TransitionJob performs a compare-and-set on the job status.
func (s *Store) TransitionJob(
	ctx context.Context,
	id domain.JobID,
	from, to domain.JobStatus,
	result json.RawMessage,
	entry *domain.AuditEntry,
) (domain.Job, error) {
	if !from.CanTransition(to) {
		return domain.Job{}, fmt.Errorf("%w: %s -> %s is not allowed", domain.ErrTransitionConflict, from, to)
	}

	now := formatTime(s.now())
	query := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	args := []any{string(to), now, string(id), string(from)}
	if result != nil {
		sealed, err := s.seal(string(result))
		if err != nil {
			return domain.Job{}, fmt.Errorf("encrypt result: %w", err)
		}
		query = `UPDATE jobs SET status = ?, updated_at = ?, result = ? WHERE id = ? AND status = ?`
		args = []any{string(to), now, sealed, string(id), string(from)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.getJob(ctx, tx, id); err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("%w: job %s is not %s", domain.ErrTransitionConflict, id, from)
	}

	if entry != nil {
		if err := s.insertAudit(ctx, tx, *entry); err != nil {
			return domain.Job{}, err
		}
	}

	job, err := s.getJob(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("commit transition: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs ordered by creation time, oldest first.
func (s *Store) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(filter.UpdatedBefore))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus is used by the CLI report.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// TargetStatusCount is one row of the per-target job report.
type TargetStatusCount struct {
	Target string
	Status domain.JobStatus
	Count  int
}

func (s *Store) CountByTarget(ctx context.Context) ([]TargetStatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT target_model_key, status, COUNT(*) FROM jobs
		GROUP BY target_model_key, status ORDER BY target_model_key, status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by target: %w", err)
	}
	defer rows.Close()

	var out []TargetStatusCount
	for rows.Next() {
		var (
			row    TargetStatusCount
			status string
		)
		if err := rows.Scan(&row.Target, &status, &row.Count); err != nil {
			return nil, err
		}
		row.Status = domain.JobStatus(status)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) scanJob(scanner interface{ Scan(dest ...any) error }) (domain.Job, error) {
	var (
		job                  domain.Job
		id, status           string
		bundle               string
		result, callback     sql.NullString
		createdAt, updatedAt string
	)
	if err := scanner.Scan(&id, &job.ClientID, &status, &job.TargetModelKey, &bundle, &result, &callback, &createdAt, &updatedAt); err != nil {
		return domain.Job{}, err
	}
	job.ID = domain.JobID(id)
	job.Status = domain.JobStatus(status)
	job.CallbackURL = callback.String

	plain, err := s.open(bundle)
	if err != nil {
		return domain.Job{}, fmt.Errorf("decrypt bundle for job %s: %w", id, err)
	}
	job.InputBundle = json.RawMessage(plain)

	if result.Valid && result.String != "" {
		plain, err := s.open(result.String)
		if err != nil {
			return domain.Job{}, fmt.Errorf("decrypt result for job %s: %w", id, err)
		}
		job.Result = json.RawMessage(plain)
	}

	if job.CreatedAt, err = parseTimeString(createdAt); err != nil {
		return domain.Job{}, err
	}
	if job.UpdatedAt, err = parseTimeString(updatedAt); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}
