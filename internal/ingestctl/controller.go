// Package ingestctl drives one job's ingestion lifecycle: poll the upstream
// provider for pages of raw items, hand each to the dedup engine, and
// broadcast status/finished events. Its Controller interface and
// poll/cancel shape is grounded on the teacher's ingest.Controller
// (BootStream/ShutdownStream/HealthChecks) — same idea of "one façade over
// a long-running external resource's lifecycle", generalized from a single
// RPC-per-call shape to a background poll loop per job.
package ingestctl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"websetdedup/internal/dedup"
	"websetdedup/internal/models"
	"websetdedup/internal/observability/metrics"
	"websetdedup/internal/storage"
	"websetdedup/internal/upstream"
)

const (
	pollInterval             = 3 * time.Second
	jobWallClockBudget       = 50 * time.Minute
	pageSize                 = 100
	companyWorkerConcurrency = 8
)

// UpstreamClient is the subset of upstream.Client a JobRunner depends on,
// named here so tests can substitute a fake provider.
type UpstreamClient interface {
	WebsetStatus(ctx context.Context, websetID string) (string, error)
	ListItems(ctx context.Context, websetID, cursor string, pageSize int) (upstream.Page, error)
}

// EventSink is the broadcast surface a JobRunner reports lifecycle and
// per-item activity to.
type EventSink interface {
	Publish(jobID string, evt models.Event)
}

// Controller starts and stops job ingestion runs. A fresh JobRunner backs
// each job; Controller just owns the registry of running/cancellable jobs.
type Controller struct {
	store    storage.Repository
	upstream UpstreamClient
	bus      EventSink
	logger   *slog.Logger
	metrics  *metrics.Recorder

	jobs map[string]context.CancelFunc
}

func NewController(store storage.Repository, up UpstreamClient, bus EventSink, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: store, upstream: up, bus: bus, logger: logger, metrics: metrics.Default(), jobs: make(map[string]context.CancelFunc)}
}

// SetMetrics overrides the recorder used for ingest poll attempt/failure
// counters, letting cmd/server wire its own Recorder instance in.
func (c *Controller) SetMetrics(rec *metrics.Recorder) {
	if rec == nil {
		rec = metrics.Default()
	}
	c.metrics = rec
}

// StartJob creates the job record and launches its poll loop in the
// background. engine is the already-constructed per-job dedup.Engine
// (callers own its lifetime since it also holds the job's mode-specific
// collaborators).
func (c *Controller) StartJob(ctx context.Context, job models.Job, engine *dedup.Engine, mode models.Mode) error {
	if err := c.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	runCtx, cancel := context.WithTimeout(context.Background(), jobWallClockBudget)
	c.jobs[job.JobID] = cancel

	runner := &jobRunner{
		jobID:    job.JobID,
		mode:     mode,
		store:    c.store,
		upstream: c.upstream,
		bus:      c.bus,
		engine:   engine,
		logger:   c.logger,
		metrics:  c.metrics,
	}
	go func() {
		defer cancel()
		runner.run(runCtx)
	}()
	return nil
}

// ShutdownJob cancels a running job's poll loop, if any. It does not mark
// the job errored: the cancelled loop drains its pending decisions and
// completes the job (see shutdown). Server shutdown does not call it.
func (c *Controller) ShutdownJob(jobID string) {
	if cancel, ok := c.jobs[jobID]; ok {
		cancel()
		delete(c.jobs, jobID)
	}
}

type jobRunner struct {
	jobID    string
	mode     models.Mode
	store    storage.Repository
	upstream UpstreamClient
	bus      EventSink
	engine   *dedup.Engine
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// run implements the per-job lifecycle state machine of §4.10:
// active -> processing -> processing_items (repeated per page) -> completed|error.
func (r *jobRunner) run(ctx context.Context) {
	r.setStatus(ctx, models.JobStatusProcessing, "")
	r.bus.Publish(r.jobID, models.Event{Type: models.EventStatus, Status: &models.StatusEvent{Status: string(models.JobStatusProcessing)}})
	r.metrics.ObserveDedupEvent(string(models.EventStatus))

	cursor := ""
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		default:
		}

		cursor = r.fetchPages(ctx, cursor)

		// Termination follows the provider's own status, not page
		// exhaustion: an empty page just means no new items this tick, the
		// search may still be producing more.
		r.metrics.ObserveIngestAttempt("webset_status")
		status, err := r.upstream.WebsetStatus(ctx, r.jobID)
		if err != nil {
			r.metrics.ObserveIngestFailure("webset_status")
			r.logger.Warn("webset status poll failed, retrying", "job_id", r.jobID, "error", err)
		} else if status == upstream.StatusIdle {
			r.drainPending(ctx)
			r.finish(ctx, models.JobStatusCompleted, "")
			return
		}

		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case <-ticker.C:
		}
	}
}

// fetchPages drains the item cursor as far as the provider currently has
// pages, handing each page to the engine, and returns the cursor to resume
// from. A page fetch error stops pagination for this tick only; the same
// cursor is retried on the next poll.
func (r *jobRunner) fetchPages(ctx context.Context, cursor string) string {
	for {
		r.metrics.ObserveIngestAttempt("list_items")
		page, err := r.upstream.ListItems(ctx, r.jobID, cursor, pageSize)
		if err != nil {
			r.metrics.ObserveIngestFailure("list_items")
			r.logger.Warn("ingest page fetch failed, will retry next poll", "job_id", r.jobID, "error", err)
			return cursor
		}

		if len(page.Items) > 0 {
			n := len(page.Items)
			r.setStatus(ctx, models.JobStatusProcessingItems, "")
			r.bus.Publish(r.jobID, models.Event{Type: models.EventStatus, Status: &models.StatusEvent{Status: string(models.JobStatusProcessingItems), ItemCount: &n}})
			r.metrics.ObserveDedupEvent(string(models.EventStatus))
			r.processPage(ctx, page.Items)
			r.setStatus(ctx, models.JobStatusProcessing, "")
		}

		if page.NextCursor != "" {
			cursor = page.NextCursor
			_ = r.store.UpdateJobCursor(ctx, r.jobID, cursor)
		}
		if !page.HasMore {
			return cursor
		}
	}
}

// shutdown ends a job whose context expired (wall-clock budget or operator
// cancellation): the deadline is a scheduling bound, not a failure, so the
// job still drains its staged LLM decisions and completes with a finished
// frame rather than an error. A fresh bounded context backs the final store
// writes since the job's own context is already dead.
func (r *jobRunner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.drainPending(ctx)
	r.finish(ctx, models.JobStatusCompleted, "")
}

// processPage hands each raw item to the dedup engine. Entity mode processes
// items one at a time (I5: acceptance must be visible before the next item
// runs); company mode fans out with a bounded errgroup since only the LLM
// adjudicator itself needs to be serialized, which the shared
// llmadjudicator.Adjudicator guarantees with its single-slot semaphore.
func (r *jobRunner) processPage(ctx context.Context, items []map[string]any) {
	if r.mode == models.ModeEntity {
		for i, raw := range items {
			r.engine.Ingest(ctx, raw, itemID(r.jobID, i, raw))
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(companyWorkerConcurrency)
	for i, raw := range items {
		i, raw := i, raw
		g.Go(func() error {
			r.engine.Ingest(gctx, raw, itemID(r.jobID, i, raw))
			return nil
		})
	}
	_ = g.Wait()
}

// drainPending blocks until every item the engine enqueued for LLM
// adjudication has reached a terminal state, or the job's context expires
// (§4.10: "pending must reach a terminal state before the job is marked
// completed").
func (r *jobRunner) drainPending(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for r.engine.PendingCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *jobRunner) setStatus(ctx context.Context, status models.JobStatus, errMsg string) {
	if err := r.store.UpdateJobStatus(ctx, r.jobID, status, errMsg); err != nil {
		r.logger.Warn("update job status failed", "job_id", r.jobID, "status", status, "error", err)
	}
}

// finish records the terminal job status and emits the stream's last frame:
// `finished {status:"idle", totalItems}` on completion, where totalItems is
// the engine's processed+rejected tally, or `error {error}` on a fatal
// failure (§4.7: transient poll errors never reach here).
func (r *jobRunner) finish(ctx context.Context, status models.JobStatus, errMsg string) {
	r.setStatus(ctx, status, errMsg)
	if status == models.JobStatusError {
		r.bus.Publish(r.jobID, models.Event{Type: models.EventError, Error: errMsg})
		r.metrics.ObserveDedupEvent(string(models.EventError))
		return
	}
	accepted, rejected := r.engine.Counts()
	r.bus.Publish(r.jobID, models.Event{Type: models.EventFinished, Finished: &models.FinishedEvent{Status: "idle", TotalItems: int64(accepted + rejected)}})
	r.metrics.ObserveDedupEvent(string(models.EventFinished))
}

func itemID(jobID string, index int, raw map[string]any) string {
	if id, ok := raw["id"].(string); ok && id != "" {
		return id
	}
	return fmt.Sprintf("%s-%d", jobID, index)
}
