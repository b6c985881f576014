// Package dedup implements the per-job multi-tier deduplication pipeline:
// Tier-0 fingerprinting, fuzzy matching, candidate-pool assembly, and the
// glue that drives accept/reject/pending transitions and their broadcast
// events. One Engine exists per job and owns all dedup state for that job
// exclusively (§5: "no cross-job sharing").
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"websetdedup/internal/canon"
	"websetdedup/internal/models"
	"websetdedup/internal/observability/metrics"
)

// VectorClient is the subset of internal/vectorclient.Client the engine
// depends on. Defined here (rather than imported) so dedup has no import-time
// dependency on the HTTP transport package.
type VectorClient interface {
	Add(ctx context.Context, rowID, text string) error
	Query(ctx context.Context, text string, k int) ([]string, error)
}

// Adjudicator is the subset of internal/llmadjudicator.Adjudicator the engine
// depends on.
type Adjudicator interface {
	Enqueue(ctx context.Context, d models.Decision) <-chan models.Verdict
}

// EventSink is the subset of internal/events.Bus the engine depends on.
type EventSink interface {
	Publish(jobID string, evt models.Event)
}

// Persister is the subset of internal/storage.Repository the engine depends
// on for recording terminal item outcomes and job counters.
type Persister interface {
	InsertItem(ctx context.Context, rec models.ItemRecord) error
	IncrementCounters(ctx context.Context, jobID string, status models.ItemStatus, reason string) error
}

// EngineConfig aggregates an Engine's collaborators and static settings.
type EngineConfig struct {
	JobID               string
	Mode                models.Mode
	Bus                 EventSink
	Vector              VectorClient
	Adjudicator         Adjudicator
	Store               Persister
	Resolver            *canon.URLResolver
	EnableURLResolution bool
	// DisableDedup bypasses Tier-0/fuzzy/candidate/LLM matching entirely and
	// accepts every item as-is (§6 ENABLE_DEDUP=false: "items pass through
	// directly"). Defaults to false so zero-value configs (existing tests)
	// keep the dedup pipeline active.
	DisableDedup bool
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Engine owns one job's Fingerprint Table, URL/title indices, pending
// registry, and LLM decision cache, and orchestrates ingestion of raw items
// through canonicalization, Tier-0, fuzzy matching, candidate pooling, and
// LLM adjudication. Safe for concurrent Ingest calls (required in company
// mode); entity mode callers additionally serialize calls themselves so that
// I5's happens-before guarantee holds.
type Engine struct {
	cfg EngineConfig

	mu            sync.Mutex
	fingerprint   map[string]models.Row // tier-0 key -> accepted row
	rowsByID      map[string]models.Row
	byETLD1       map[string][]string
	byBrand       map[string][]string
	processedIDs  map[string]struct{}
	processedURLs map[string]string // url -> rowID (entity mode)
	titleIndex    map[string]string // normalizedTitle -> rowID (entity mode)
	llmCache      map[string]bool // sortedHostPair -> duplicate?
	pendingCount  int
	acceptedCount int
	rejectedCount int
}

// NewEngine constructs an Engine for one job. cfg.Bus, cfg.Store are
// required. cfg.Vector and cfg.Adjudicator may be nil in any mode: a nil
// Vector yields no recall hits and a nil Adjudicator resolves pending items
// as unique. With cfg.DisableDedup set, Ingest accepts every new item
// without running any dedup tier.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	return &Engine{
		cfg:           cfg,
		fingerprint:   make(map[string]models.Row),
		rowsByID:      make(map[string]models.Row),
		byETLD1:       make(map[string][]string),
		byBrand:       make(map[string][]string),
		processedIDs:  make(map[string]struct{}),
		processedURLs: make(map[string]string),
		titleIndex:    make(map[string]string),
		llmCache:      make(map[string]bool),
	}
}

// Ingest processes one raw item through the pipeline, emitting events on
// cfg.Bus and persisting terminal outcomes on cfg.Store. It returns once the
// item has reached a terminal state or has been durably enqueued as pending
// (L2: re-ingesting an already-seen id is a no-op; I2).
func (e *Engine) Ingest(ctx context.Context, raw map[string]any, id string) {
	e.mu.Lock()
	if _, seen := e.processedIDs[id]; seen {
		e.mu.Unlock()
		return
	}
	e.processedIDs[id] = struct{}{}
	e.mu.Unlock()

	rowID := id
	if rowID == "" {
		rowID = uuid.NewString()
	}
	row := canon.Canonicalize(e.cfg.Mode, raw, rowID)

	if e.cfg.DisableDedup {
		e.insertAccepted(row)
		e.feedVector(ctx, row)
		e.persistAccepted(ctx, row)
		e.cfg.Bus.Publish(e.cfg.JobID, models.Event{Type: models.EventItem, Item: row.Raw})
		e.cfg.Metrics.ObserveDedupEvent(string(models.EventItem))
		return
	}

	tierKey := canon.TierZeroKey(row)

	// Rows with no parseable host produce a degenerate key shared by every
	// other URL-less row, so Tier-0 neither rejects nor stores them; they
	// still go through name-based matching below.
	if e.cfg.Mode == models.ModeCompany && !canon.DegenerateTierZeroKey(row) {
		e.mu.Lock()
		existing, hit := e.fingerprint[tierKey]
		e.mu.Unlock()
		if hit {
			e.reject(ctx, row, models.ReasonExactMatch, fmt.Sprintf("tier-0 key %q already claimed", tierKey), existing.RowID)
			return
		}
	}

	// Entity-mode bulletproof layers (§4.2, Glossary): exact URL and
	// normalized-title hits against already-accepted rows short-circuit
	// before fuzzy matching even runs.
	if e.cfg.Mode == models.ModeEntity {
		if existingID, hit := e.exactURLMatch(row); hit {
			e.reject(ctx, row, models.ReasonExactURLDuplicate, fmt.Sprintf("url %q already accepted", row.URL), existingID)
			return
		}
		if existingID, hit := e.exactTitleMatch(row); hit {
			e.reject(ctx, row, models.ReasonNormalizedTitleDuplicate, fmt.Sprintf("normalized title %q already accepted", row.NormalizedTitle), existingID)
			return
		}
	}

	related := e.relatedRows(row)
	var ambiguousRows []models.Row
	for _, cand := range related {
		class, reason := classify(e.cfg.Mode, row, cand)
		switch class {
		case ClassDuplicate:
			e.reject(ctx, row, reason, fmt.Sprintf("matched existing row %s", cand.RowID), cand.RowID)
			return
		case ClassAmbiguous:
			ambiguousRows = append(ambiguousRows, cand)
		}
	}

	// Suspicious-pair URL resolution (company mode only, §5/§6
	// ENABLE_URL_RESOLUTION): fuzzy-ambiguous rows sharing no brand/domain
	// signal may still be the same page reached through a redirector or
	// tracking-param variant; resolve both URLs before paying for an LLM call.
	if e.cfg.Mode == models.ModeCompany && e.cfg.EnableURLResolution && e.cfg.Resolver != nil && row.URL != "" && len(ambiguousRows) > 0 {
		if match, reason, ok := e.checkURLResolution(ctx, row, ambiguousRows); ok {
			e.reject(ctx, row, reason, fmt.Sprintf("resolved URL matches existing row %s", match.RowID), match.RowID)
			return
		}
	}

	var vectorHits []models.Row
	if e.cfg.Vector != nil {
		queryText := row.Name
		if queryText == "" {
			queryText = row.URL
		}
		if queryText != "" {
			ids, err := e.cfg.Vector.Query(ctx, queryText, 5)
			if err == nil {
				e.mu.Lock()
				for _, id := range ids {
					if r, ok := e.rowsByID[id]; ok {
						vectorHits = append(vectorHits, r)
					}
				}
				e.mu.Unlock()
			}
		}
	}

	if len(ambiguousRows) == 0 && len(vectorHits) == 0 {
		e.accept(ctx, row, false)
		return
	}

	outcome := buildCandidatePool(e.cfg.Mode, row, ambiguousRows, vectorHits)
	if outcome.immediateReject {
		e.reject(ctx, row, outcome.reason, fmt.Sprintf("matched existing row %s", outcome.existing.RowID), outcome.existing.RowID)
		return
	}
	if len(outcome.kept) == 0 {
		e.accept(ctx, row, false)
		return
	}

	decision := e.buildDecision(row, outcome.kept)
	if cached, ok := e.cachedDecision(decision); ok && cached {
		e.reject(ctx, row, models.ReasonCacheHit, "host pair previously judged duplicate", outcome.kept[0].row.RowID)
		return
	}

	e.enqueuePending(ctx, row, outcome.kept, decision)
}

// exactURLMatch checks the Processed-URL Set bulletproof layer (entity mode
// only): an identical already-accepted URL is rejected without running
// fuzzy matching at all.
func (e *Engine) exactURLMatch(row models.Row) (string, bool) {
	if row.URL == "" {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.processedURLs[row.URL]
	return id, ok
}

// exactTitleMatch checks the Processed-Normalized-Title Map bulletproof
// layer (entity mode only).
func (e *Engine) exactTitleMatch(row models.Row) (string, bool) {
	if row.NormalizedTitle == "" {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.titleIndex[row.NormalizedTitle]
	return id, ok
}

// relatedRows gathers existing accepted rows plausibly comparable to row:
// same registrable domain or same brand (§4.3's rules only ever compare rows
// sharing one of those).
func (e *Engine) relatedRows(row models.Row) []models.Row {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{})
	var out []models.Row
	add := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if r, ok := e.rowsByID[id]; ok {
				out = append(out, r)
			}
		}
	}
	add(e.byETLD1[row.ETLD1])
	add(e.byBrand[row.Brand])
	return out
}

// cachedDecision checks the host-pair cache via models.Decision.HostPairKey,
// the same key the decision itself will be cached under once adjudicated
// (§4.5's cache_hit rule only ever applies to single-candidate decisions).
func (e *Engine) cachedDecision(decision models.Decision) (bool, bool) {
	key, ok := decision.HostPairKey()
	if !ok {
		return false, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	dup, found := e.llmCache[key]
	return dup, found
}

func (e *Engine) enqueuePending(ctx context.Context, row models.Row, kept []candidate, decision models.Decision) {
	e.mu.Lock()
	e.pendingCount++
	e.mu.Unlock()

	e.cfg.Bus.Publish(e.cfg.JobID, models.Event{Type: models.EventPending, TmpID: row.RowID})
	e.cfg.Metrics.ObserveDedupEvent(string(models.EventPending))
	e.cfg.Metrics.PendingDecisionStarted()

	if e.cfg.Adjudicator == nil {
		// dedup engine constructed without an adjudicator means LLM
		// adjudication is unavailable; fail open per §4.5.
		e.resolveVerdict(ctx, row, kept, decision, models.Verdict{Duplicate: false})
		return
	}
	verdictCh := e.cfg.Adjudicator.Enqueue(ctx, decision)
	go func() {
		verdict := <-verdictCh
		e.resolveVerdict(context.Background(), row, kept, decision, verdict)
	}()
}

func (e *Engine) resolveVerdict(ctx context.Context, row models.Row, kept []candidate, decision models.Decision, verdict models.Verdict) {
	e.mu.Lock()
	e.pendingCount--
	if key, ok := decision.HostPairKey(); ok {
		e.llmCache[key] = verdict.Duplicate
	}
	e.mu.Unlock()
	e.cfg.Metrics.PendingDecisionResolved()

	if verdict.Duplicate {
		reason := models.ReasonLLMDuplicate
		if e.cfg.Mode == models.ModeEntity {
			reason = models.ReasonEntityLLMDuplicate
		}
		e.rejectPending(ctx, row, reason, "llm adjudicator returned duplicate", kept[0].row.RowID)
		return
	}
	e.acceptPending(ctx, row)
}

func (e *Engine) buildDecision(row models.Row, kept []candidate) models.Decision {
	candidates := make([]models.CandidateRef, 0, len(kept))
	for _, c := range kept {
		candidates = append(candidates, models.CandidateRef{
			ID: c.row.RowID, Name: c.row.Name, URL: c.row.URL,
			Brand: c.row.Brand, ETLD1: c.row.ETLD1,
		})
	}
	if e.cfg.Mode == models.ModeEntity {
		return models.EntityDecision{
			IDNew: row.RowID, NameNew: row.Name, URLNew: row.URL,
			Candidates: candidates, JobID: e.cfg.JobID, RawNew: row.Raw,
		}
	}
	return models.CompanyDecision{
		IDNew: row.RowID, NameNew: row.Name, URLNew: row.URL,
		BrandNew: row.Brand, ETLD1New: row.ETLD1,
		Candidates: candidates, JobID: e.cfg.JobID, RawNew: row.Raw,
	}
}

// accept inserts row into the Fingerprint Table (and, in entity mode, the
// URL/title indices) and emits `item`. wasPending is false here; pending
// acceptances go through acceptPending so the broadcast is suppressed
// correctly (§4.6: "the acceptance broadcast is suppressed to avoid a double
// emit").
func (e *Engine) accept(ctx context.Context, row models.Row, wasPending bool) {
	e.insertAccepted(row)
	e.feedVector(ctx, row)
	e.persistAccepted(ctx, row)
	if !wasPending {
		e.cfg.Bus.Publish(e.cfg.JobID, models.Event{Type: models.EventItem, Item: row.Raw})
		e.cfg.Metrics.ObserveDedupEvent(string(models.EventItem))
	}
}

func (e *Engine) acceptPending(ctx context.Context, row models.Row) {
	e.accept(ctx, row, true)
	e.cfg.Bus.Publish(e.cfg.JobID, models.Event{Type: models.EventConfirm, Confirm: row.Raw})
	e.cfg.Metrics.ObserveDedupEvent(string(models.EventConfirm))
}

func (e *Engine) insertAccepted(row models.Row) {
	e.mu.Lock()
	e.acceptedCount++
	if !canon.DegenerateTierZeroKey(row) {
		e.fingerprint[canon.TierZeroKey(row)] = row
	}
	e.rowsByID[row.RowID] = row
	if row.ETLD1 != "" {
		e.byETLD1[row.ETLD1] = append(e.byETLD1[row.ETLD1], row.RowID)
	}
	if row.Brand != "" {
		e.byBrand[row.Brand] = append(e.byBrand[row.Brand], row.RowID)
	}
	if e.cfg.Mode == models.ModeEntity {
		if row.URL != "" {
			e.processedURLs[row.URL] = row.RowID
		}
		if row.NormalizedTitle != "" {
			e.titleIndex[row.NormalizedTitle] = row.RowID
		}
	}
	e.mu.Unlock()
}

// feedVector adds the accepted row's name (and URL, if distinct) to the
// vector index. Entity mode awaits completion so the next serially-queued
// item observes it (I5); company mode fires it off without blocking the
// concurrent ingestion path (§4.6, §5).
func (e *Engine) feedVector(ctx context.Context, row models.Row) {
	if e.cfg.Vector == nil || row.Name == "" {
		return
	}
	add := func() {
		if err := e.cfg.Vector.Add(ctx, row.RowID, row.Name); err != nil {
			e.cfg.Logger.Warn("vector add failed", "job_id", e.cfg.JobID, "row_id", row.RowID, "error", err)
		}
		if row.URL != "" && row.URL != row.Name {
			if err := e.cfg.Vector.Add(ctx, row.RowID, row.URL); err != nil {
				e.cfg.Logger.Warn("vector add failed", "job_id", e.cfg.JobID, "row_id", row.RowID, "error", err)
			}
		}
	}
	if e.cfg.Mode == models.ModeEntity {
		add()
		return
	}
	go add()
}

func (e *Engine) persistAccepted(ctx context.Context, row models.Row) {
	if e.cfg.Store == nil {
		return
	}
	rec := models.ItemRecord{
		JobID: e.cfg.JobID, ItemID: row.RowID, Name: row.Name, URL: row.URL,
		RawData: row.Raw, Status: models.ItemStatusAccepted,
		NormalizedTitle: row.NormalizedTitle,
	}
	if err := e.cfg.Store.InsertItem(ctx, rec); err != nil {
		e.cfg.Logger.Warn("persist accepted item failed", "job_id", e.cfg.JobID, "item_id", row.RowID, "error", err)
	}
	if err := e.cfg.Store.IncrementCounters(ctx, e.cfg.JobID, models.ItemStatusAccepted, ""); err != nil {
		e.cfg.Logger.Warn("increment accepted counters failed", "job_id", e.cfg.JobID, "error", err)
	}
}

func (e *Engine) reject(ctx context.Context, row models.Row, reason, details, existingID string) {
	e.mu.Lock()
	e.rejectedCount++
	e.mu.Unlock()
	e.persistRejected(ctx, row, reason, details)
	e.cfg.Bus.Publish(e.cfg.JobID, models.Event{
		Type: models.EventRejected,
		Rejected: &models.RejectedEvent{
			Item: row.Raw, Reason: reason, Details: details, ExistingItem: existingID,
		},
	})
	e.cfg.Metrics.ObserveDedupEvent(string(models.EventRejected))
}

func (e *Engine) rejectPending(ctx context.Context, row models.Row, reason, details, existingID string) {
	e.reject(ctx, row, reason, details, existingID)
	e.cfg.Bus.Publish(e.cfg.JobID, models.Event{Type: models.EventDrop, TmpID: row.RowID})
	e.cfg.Metrics.ObserveDedupEvent(string(models.EventDrop))
}

func (e *Engine) persistRejected(ctx context.Context, row models.Row, reason, details string) {
	if e.cfg.Store == nil {
		return
	}
	rec := models.ItemRecord{
		JobID: e.cfg.JobID, ItemID: row.RowID, Name: row.Name, URL: row.URL,
		RawData: row.Raw, Status: models.ItemStatusRejected,
		RejectedBy: "dedup_engine", RejectionReason: reason, RejectionDetails: details,
		NormalizedTitle: row.NormalizedTitle,
	}
	if err := e.cfg.Store.InsertItem(ctx, rec); err != nil {
		e.cfg.Logger.Warn("persist rejected item failed", "job_id", e.cfg.JobID, "item_id", row.RowID, "error", err)
	}
	if err := e.cfg.Store.IncrementCounters(ctx, e.cfg.JobID, models.ItemStatusRejected, reason); err != nil {
		e.cfg.Logger.Warn("increment rejected counters failed", "job_id", e.cfg.JobID, "error", err)
	}
}

// PendingCount reports how many items are currently awaiting an LLM verdict,
// used by the ingestion controller to decide whether the job can transition
// to completed (§4.10: "Pending must reach a terminal state before the job
// is marked completed").
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingCount
}

// Counts reports how many items this engine has accepted and rejected so
// far; their sum is the totalItems figure the job's finished frame carries.
func (e *Engine) Counts() (accepted, rejected int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acceptedCount, e.rejectedCount
}

// checkURLResolution looks for a candidate whose HEAD-resolved redirect
// target matches row's resolved target (url_resolution_duplicate), per
// §5/§6. A literal URL match can't reach here: identical URLs imply
// identical hosts, and any such row would already have been caught by the
// Tier-0 fingerprint check before related rows were even gathered.
func (e *Engine) checkURLResolution(ctx context.Context, row models.Row, candidates []models.Row) (models.Row, string, bool) {
	resolvedNew, okNew := e.cfg.Resolver.Resolve(ctx, row.URL)
	if !okNew || resolvedNew == "" {
		return models.Row{}, "", false
	}
	for _, cand := range candidates {
		if cand.URL == "" {
			continue
		}
		resolvedExisting, okExisting := e.cfg.Resolver.Resolve(ctx, cand.URL)
		if okExisting && resolvedExisting == resolvedNew {
			return cand, models.ReasonURLResolutionDuplicate, true
		}
	}
	return models.Row{}, "", false
}
