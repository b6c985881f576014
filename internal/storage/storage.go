// Package storage persists jobs and item outcomes. The Postgres
// implementation is grounded on the teacher's auth.PostgresSessionStore
// (pgxpool, operation-scoped timeout contexts, ON CONFLICT upserts); an
// in-memory implementation backs tests and the dedup engine's own unit
// tests without a database.
package storage

import (
	"context"
	"math/rand"
	"time"

	"websetdedup/internal/models"
	"websetdedup/internal/observability/metrics"
)

// Repository is the persistence boundary internal/dedup.Engine and
// internal/ingestctl depend on.
type Repository interface {
	CreateJob(ctx context.Context, job models.Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error
	UpdateJobCursor(ctx context.Context, jobID, cursor string) error
	InsertItem(ctx context.Context, rec models.ItemRecord) error
	IncrementCounters(ctx context.Context, jobID string, status models.ItemStatus, reason string) error
	GetJob(ctx context.Context, jobID string) (models.Job, bool, error)
	ListJobs(ctx context.Context, limit int) ([]models.Job, error)
	ListItems(ctx context.Context, jobID string) ([]models.ItemRecord, error)
	Close(ctx context.Context) error
}

// retryableExec runs op up to attempts times with jittered backoff,
// grounded on the resilience-via-retry idiom the teacher applies around
// flaky network calls (ingest.HTTPController's provision/rollback sequence).
// Postgres operations in this package are network calls to a remote service
// and the same discipline applies: a transient connection blip should not
// fail an otherwise-correct dedup decision. Each attempt after the first is
// reported to rec as a "retry", and the final outcome as "success" or
// "failure", keyed by operation (§4.8's bounded retry with jittered backoff).
func retryableExec(ctx context.Context, rec *metrics.Recorder, operation string, attempts int, op func(ctx context.Context) error) error {
	if rec == nil {
		rec = metrics.Default()
	}
	var lastErr error
	backoff := 50 * time.Millisecond
	for i := 0; i < attempts; i++ {
		if i > 0 {
			rec.ObservePersistenceRetry(operation, "retry")
		}
		if err := op(ctx); err == nil {
			rec.ObservePersistenceRetry(operation, "success")
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			rec.ObservePersistenceRetry(operation, "failure")
			return ctx.Err()
		case <-time.After(withJitter(backoff)):
		}
		backoff *= 2
	}
	rec.ObservePersistenceRetry(operation, "failure")
	return lastErr
}

// withJitter spreads backoff across [base/2, base*1.5) so concurrent
// retries after a shared persistence outage don't all wake and retry in
// lockstep.
func withJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	return base/2 + time.Duration(rand.Int63n(int64(base)))
}
