package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"websetdedup/internal/models"
	"websetdedup/internal/observability/metrics"
)

// PostgresRepository persists jobs and items to Postgres using JSONB columns
// for the free-form raw item payloads, the way the domain's original
// document store would have, while keeping the matching indices and atomic
// counter updates a relational schema makes straightforward.
//
// The MONGODB_URI setting (kept for interface fidelity with upstream
// tooling, §9 Open Question) is parsed here as a Postgres DSN: pgx is the
// only database driver grounded anywhere in the retrieved example pack.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	metrics *metrics.Recorder
}

const defaultOperationTimeout = 5 * time.Second

// NewPostgresRepository opens a connection pool against dsn and assumes the
// schema in schema.sql has already been applied.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRepository{pool: pool, timeout: defaultOperationTimeout, metrics: metrics.Default()}, nil
}

// SetMetrics overrides the recorder used to report persistence retries,
// letting cmd/server wire its own Recorder instance into an already
// constructed repository.
func (r *PostgresRepository) SetMetrics(rec *metrics.Recorder) {
	r.metrics = rec
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return ctx, func() {}
}

func (r *PostgresRepository) CreateJob(ctx context.Context, job models.Job) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	reasons, err := json.Marshal(job.RejectionReasons)
	if err != nil {
		return err
	}
	return retryableExec(ctx, r.metrics, "create_job", 3, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
INSERT INTO websets (job_id, original_query, entity_type, status, total_items, unique_items,
                      duplicates_rejected, rejection_reasons, created_at, next_cursor)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (job_id) DO NOTHING
`, job.JobID, job.OriginalQuery, job.EntityType, job.Status, job.TotalItems, job.UniqueItems,
			job.DuplicatesRejected, reasons, job.CreatedAt.UTC(), job.NextCursor)
		return err
	})
}

func (r *PostgresRepository) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	return retryableExec(ctx, r.metrics, "update_job_status", 3, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
UPDATE websets SET status = $2, error_message = $3,
       completed_at = CASE WHEN $2 IN ('completed','error') THEN now() ELSE completed_at END
WHERE job_id = $1
`, jobID, status, errMsg)
		return err
	})
}

func (r *PostgresRepository) UpdateJobCursor(ctx context.Context, jobID, cursor string) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	return retryableExec(ctx, r.metrics, "update_job_cursor", 3, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `UPDATE websets SET next_cursor = $2 WHERE job_id = $1`, jobID, cursor)
		return err
	})
}

func (r *PostgresRepository) InsertItem(ctx context.Context, rec models.ItemRecord) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	raw, err := json.Marshal(rec.RawData)
	if err != nil {
		return err
	}
	return retryableExec(ctx, r.metrics, "insert_item", 3, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
INSERT INTO webset_items (job_id, item_id, name, url, raw_data, status, rejected_by,
                           rejection_reason, rejection_details, normalized_title, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
ON CONFLICT (job_id, item_id) DO NOTHING
`, rec.JobID, rec.ItemID, rec.Name, rec.URL, raw, rec.Status, rec.RejectedBy,
			rec.RejectionReason, rec.RejectionDetails, rec.NormalizedTitle)
		return err
	})
}

// IncrementCounters applies the single atomic document update §4.8
// describes: totalItems plus exactly one of uniqueItems/duplicatesRejected,
// plus a per-reason tally on reject.
func (r *PostgresRepository) IncrementCounters(ctx context.Context, jobID string, status models.ItemStatus, reason string) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	return retryableExec(ctx, r.metrics, "increment_counters", 3, func(ctx context.Context) error {
		switch status {
		case models.ItemStatusAccepted:
			_, err := r.pool.Exec(ctx, `
UPDATE websets SET total_items = total_items + 1, unique_items = unique_items + 1 WHERE job_id = $1
`, jobID)
			return err
		case models.ItemStatusRejected:
			_, err := r.pool.Exec(ctx, `
UPDATE websets
SET total_items = total_items + 1,
    duplicates_rejected = duplicates_rejected + 1,
    rejection_reasons = jsonb_set(
        coalesce(rejection_reasons, '{}'::jsonb),
        array[$2::text],
        to_jsonb(coalesce((rejection_reasons->>$2)::bigint, 0) + 1)
    )
WHERE job_id = $1
`, jobID, reason)
			return err
		default:
			return fmt.Errorf("unsupported terminal status for counters: %s", status)
		}
	})
}

func (r *PostgresRepository) GetJob(ctx context.Context, jobID string) (models.Job, bool, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `
SELECT job_id, original_query, coalesce(entity_type, ''), status, total_items, unique_items,
       duplicates_rejected, rejection_reasons, created_at, completed_at,
       coalesce(error_message, ''), coalesce(next_cursor, '')
FROM websets WHERE job_id = $1
`, jobID)
	var job models.Job
	var reasons []byte
	if err := row.Scan(&job.JobID, &job.OriginalQuery, &job.EntityType, &job.Status, &job.TotalItems,
		&job.UniqueItems, &job.DuplicatesRejected, &reasons, &job.CreatedAt, &job.CompletedAt,
		&job.ErrorMessage, &job.NextCursor); err != nil {
		if isNoRows(err) {
			return models.Job{}, false, nil
		}
		return models.Job{}, false, err
	}
	_ = json.Unmarshal(reasons, &job.RejectionReasons)
	return job, true, nil
}

func (r *PostgresRepository) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	// limit <= 0 means "no limit" (stats aggregation); LIMIT NULL is
	// Postgres for unbounded.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, `
SELECT job_id, original_query, coalesce(entity_type, ''), status, total_items, unique_items,
       duplicates_rejected, rejection_reasons, created_at, completed_at,
       coalesce(error_message, ''), coalesce(next_cursor, '')
FROM websets ORDER BY created_at DESC LIMIT $1
`, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var job models.Job
		var reasons []byte
		if err := rows.Scan(&job.JobID, &job.OriginalQuery, &job.EntityType, &job.Status, &job.TotalItems,
			&job.UniqueItems, &job.DuplicatesRejected, &reasons, &job.CreatedAt, &job.CompletedAt,
			&job.ErrorMessage, &job.NextCursor); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(reasons, &job.RejectionReasons)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepository) ListItems(ctx context.Context, jobID string) ([]models.ItemRecord, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT job_id, item_id, name, url, raw_data, status, rejected_by, rejection_reason,
       rejection_details, normalized_title, created_at
FROM webset_items WHERE job_id = $1 ORDER BY created_at ASC
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.ItemRecord
	for rows.Next() {
		var rec models.ItemRecord
		var raw []byte
		if err := rows.Scan(&rec.JobID, &rec.ItemID, &rec.Name, &rec.URL, &raw, &rec.Status,
			&rec.RejectedBy, &rec.RejectionReason, &rec.RejectionDetails, &rec.NormalizedTitle,
			&rec.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(raw, &rec.RawData)
		items = append(items, rec)
	}
	return items, rows.Err()
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
