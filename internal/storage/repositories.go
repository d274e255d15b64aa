package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/extraction"
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// JobRepository is the SQL Job Store. Queries use $n placeholders in order of
// appearance so the same text runs on Postgres and SQLite.
type JobRepository struct {
	db DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

var _ extraction.Store = (*JobRepository)(nil)

// CreateJob inserts a new job.
func (r *JobRepository) CreateJob(ctx context.Context, job *extraction.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	query := `
		INSERT INTO extraction_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID, job.OwnerID, job.ProjectRef, job.SourceRef, job.SourceName, string(cfg),
		string(job.Status), job.Progress, job.Stage, job.RetryCount, job.MaxRetries,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.CompletedAt),
		job.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (*extraction.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM extraction_jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, extraction.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob writes job if the stored status still equals expected.
func (r *JobRepository) UpdateJob(ctx context.Context, job *extraction.Job, expected extraction.JobStatus) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	query := `
		UPDATE extraction_jobs
		SET owner_id = $1, project_ref = $2, source_ref = $3, source_name = $4, config = $5,
			status = $6, progress = $7, stage = $8, retry_count = $9, max_retries = $10,
			created_at = $11, updated_at = $12, started_at = $13, completed_at = $14, error_message = $15
		WHERE id = $16 AND status = $17
	`
	res, err := r.db.ExecContext(ctx, query,
		job.OwnerID, job.ProjectRef, job.SourceRef, job.SourceName, string(cfg),
		string(job.Status), job.Progress, job.Stage, job.RetryCount, job.MaxRetries,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.CompletedAt), job.ErrorMessage,
		job.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM extraction_jobs WHERE id = $1`, job.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return extraction.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return extraction.ErrStatusConflict
}

// ListJobs returns jobs matching filter, newest first.
func (r *JobRepository) ListJobs(ctx context.Context, filter extraction.JobFilter) ([]*extraction.Job, error) {
	var (
		p     placeholders
		where []string
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id = "+p.add(filter.OwnerID))
	}
	if filter.ProjectRef != "" {
		where = append(where, "project_ref = "+p.add(filter.ProjectRef))
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = p.add(string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + jobColumns + ` FROM extraction_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + p.add(filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*extraction.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CreateResult inserts the result, replacing any row left by a previous attempt.
func (r *JobRepository) CreateResult(ctx context.Context, result *extraction.ExtractionResult) error {
	args, err := resultArgs(result)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO extraction_results (` + resultColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (job_id) DO UPDATE SET
			text_content = excluded.text_content,
			images = excluded.images,
			tables = excluded.tables,
			image_analyses = excluded.image_analyses,
			images_found = excluded.images_found,
			charts_detected = excluded.charts_detected,
			tables_found = excluded.tables_found,
			processing_time_ms = excluded.processing_time_ms,
			page_count = excluded.page_count,
			language = excluded.language,
			structured_data = excluded.structured_data,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// UpdateResult overwrites an existing result.
func (r *JobRepository) UpdateResult(ctx context.Context, result *extraction.ExtractionResult) error {
	args, err := resultArgs(result)
	if err != nil {
		return err
	}
	// args[0] is job_id; move it to the end to keep placeholders ascending.
	args = append(args[1:], args[0])
	query := `
		UPDATE extraction_results
		SET text_content = $1, images = $2, tables = $3, image_analyses = $4, images_found = $5,
			charts_detected = $6, tables_found = $7, processing_time_ms = $8, page_count = $9,
			language = $10, structured_data = $11, created_at = $12, updated_at = $13
		WHERE job_id = $14
	`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	if n == 0 {
		return extraction.ErrNotFound
	}
	return nil
}

// GetResult retrieves the result of a job.
func (r *JobRepository) GetResult(ctx context.Context, jobID uuid.UUID) (*extraction.ExtractionResult, error) {
	query := `SELECT ` + resultColumns + ` FROM extraction_results WHERE job_id = $1`
	result, err := scanResult(r.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, extraction.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return result, nil
}

// DeleteResult removes the result of a job.
func (r *JobRepository) DeleteResult(ctx context.Context, jobID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM extraction_results WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	if n == 0 {
		return extraction.ErrNotFound
	}
	return nil
}
