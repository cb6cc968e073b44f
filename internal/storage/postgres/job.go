package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/certgen/internal/domain"
	"github.com/cuongbtq/certgen/internal/ledger"
)

const jobColumns = `
	id, owner_id, template_id, status, total_records,
	processed_count, failed_count, error_message, created_at, updated_at
`

func (s *Store) InsertJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			id, owner_id, template_id, status, total_records,
			processed_count, failed_count, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.OwnerID,
		job.TemplateID,
		job.Status,
		job.TotalRecords,
		job.ProcessedCount,
		job.FailedCount,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter ledger.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// One extra row tells the caller whether another page exists
	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, jobID, from, to, reason string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $3,
			error_message = CASE WHEN $4 = '' THEN error_message ELSE $4 END,
			updated_at = now()
		WHERE id = $1 AND status = $2
	`

	res, err := s.db.ExecContext(ctx, query, jobID, from, to, reason)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return n == 1, nil
}

// incrementQuery guards the bump in the WHERE clause so concurrent callers
// can never push the sum past the total.
func incrementQuery(counter ledger.Counter) string {
	column := "processed_count"
	if counter == ledger.CounterFailed {
		column = "failed_count"
	}

	return `
		UPDATE jobs
		SET ` + column + ` = ` + column + ` + 1,
			updated_at = now()
		WHERE id = $1 AND processed_count + failed_count < total_records
		RETURNING ` + jobColumns
}

func (s *Store) IncrementCounter(ctx context.Context, jobID string, counter ledger.Counter) (*domain.Job, error) {
	var job domain.Job

	err := s.db.GetContext(ctx, &job, incrementQuery(counter), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrCounterOverflow
		}
		return nil, fmt.Errorf("failed to increment counter: %w", err)
	}

	return &job, nil
}

func (s *Store) InsertOutcome(ctx context.Context, cert *domain.Certificate, counter ledger.Counter) (*domain.Job, bool, error) {
	tx, err := s.client.BeginTx(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO certificates (
			id, job_id, row_index, template_id, recipient_email, recipient_name,
			slug, artifact_url, status, error_message, generated_at
		) VALUES (
			:id, :job_id, :row_index, :template_id, :recipient_email, :recipient_name,
			:slug, :artifact_url, :status, :error_message, :generated_at
		)
		ON CONFLICT (job_id, row_index) DO NOTHING
	`

	res, err := tx.NamedExecContext(ctx, query, cert)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert certificate: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	var job domain.Job
	if n == 0 {
		if err := tx.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, cert.JobID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, false, domain.ErrJobNotFound
			}
			return nil, false, fmt.Errorf("failed to get job: %w", err)
		}
		return &job, false, tx.Commit()
	}

	if err := tx.GetContext(ctx, &job, incrementQuery(counter), cert.JobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, domain.ErrCounterOverflow
		}
		return nil, false, fmt.Errorf("failed to increment counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit outcome: %w", err)
	}

	return &job, true, nil
}

func (s *Store) FinalizeJob(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	query := `
		UPDATE jobs
		SET status = CASE
				WHEN failed_count = 0 THEN $2
				WHEN processed_count = 0 THEN $3
				ELSE $4
			END,
			updated_at = now()
		WHERE id = $1
			AND status = $5
			AND processed_count + failed_count = total_records
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query,
		jobID,
		domain.JobStatusCompleted,
		domain.JobStatusFailed,
		domain.JobStatusCompletedWithErrors,
		domain.JobStatusProcessing,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to finalize job: %w", err)
	}

	return &job, true, nil
}
