// Package llmadjudicator batches ambiguous dedup decisions and sends them to
// an external LLM for a duplicate/unique verdict, the way the teacher's
// ingest.HTTPController batches and retries calls to upstream provisioning
// services — except here a batch is an accumulation window rather than a
// single request's rollback sequence.
package llmadjudicator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"websetdedup/internal/models"
	"websetdedup/internal/observability/metrics"
)

const (
	defaultBatchSize    = 25
	defaultFlushLatency = 300 * time.Millisecond
)

type queuedDecision struct {
	decision models.Decision
	reply    chan models.Verdict
}

// Adjudicator accumulates Decisions into batches (by size or latency,
// whichever triggers first) and resolves each with a single outbound LLM
// call, serialized behind a weight-1 semaphore so at most one request is
// ever in flight (§4.5: "a single in-flight adjudication request").
type Adjudicator struct {
	httpClient   *http.Client
	endpoint     string
	apiKey       string
	batchSize    int
	flushLatency time.Duration
	sem          *semaphore.Weighted
	breaker      *gobreaker.CircuitBreaker
	logger       *slog.Logger
	metrics      *metrics.Recorder

	mu      sync.Mutex
	pending []queuedDecision
	timer   *time.Timer
}

// Config configures an Adjudicator. Endpoint/APIKey come from
// GOOGLE_API_KEY / the LLM base URL (§6); BatchSize/FlushLatency default to
// §4.5's 25-item / 300ms thresholds.
type Config struct {
	Endpoint     string
	APIKey       string
	BatchSize    int
	FlushLatency time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

func New(cfg Config) *Adjudicator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushLatency <= 0 {
		cfg.FlushLatency = defaultFlushLatency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llmadjudicator",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("llm adjudicator circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Adjudicator{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		endpoint:     cfg.Endpoint,
		apiKey:       cfg.APIKey,
		batchSize:    cfg.BatchSize,
		flushLatency: cfg.FlushLatency,
		sem:          semaphore.NewWeighted(1),
		breaker:      breaker,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

// Enqueue adds d to the current batch and returns a channel that receives
// exactly one Verdict once the batch containing d has been adjudicated.
func (a *Adjudicator) Enqueue(ctx context.Context, d models.Decision) <-chan models.Verdict {
	reply := make(chan models.Verdict, 1)
	qd := queuedDecision{decision: d, reply: reply}

	a.mu.Lock()
	a.pending = append(a.pending, qd)
	shouldFlushNow := len(a.pending) >= a.batchSize
	if a.timer == nil {
		a.timer = time.AfterFunc(a.flushLatency, func() { a.flush(context.Background()) })
	}
	a.mu.Unlock()

	if shouldFlushNow {
		go a.flush(ctx)
	}
	return reply
}

func (a *Adjudicator) flush(ctx context.Context) {
	a.mu.Lock()
	if len(a.pending) == 0 {
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		a.mu.Unlock()
		return
	}
	batch := a.pending
	a.pending = nil
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	if err := a.sem.Acquire(ctx, 1); err != nil {
		a.failOpen(batch)
		return
	}
	defer a.sem.Release(1)

	start := time.Now()
	verdicts, err := a.adjudicate(ctx, batch)
	a.metrics.ObserveLLMBatch(len(batch), time.Since(start))
	if err != nil {
		a.logger.Warn("llm adjudication failed, failing open to unique", "error", err, "batch_size", len(batch))
		a.failOpen(batch)
		return
	}
	for i, qd := range batch {
		v := models.Verdict{Duplicate: false}
		if i < len(verdicts) {
			v = verdicts[i]
		}
		qd.reply <- v
	}
}

// failOpen resolves every queued decision to "unique" (§4.5 B3: transport or
// parse failure must never silently reject an item).
func (a *Adjudicator) failOpen(batch []queuedDecision) {
	for _, qd := range batch {
		qd.reply <- models.Verdict{Duplicate: false}
	}
}

// llmEntityItem is one new-entity-plus-candidates item of the "decisions"
// batch (§4.5: "Entity prompts list each new entity with its candidate
// set").
type llmEntityItem struct {
	NewName    string                `json:"newName"`
	NewURL     string                `json:"newUrl"`
	Candidates []models.CandidateRef `json:"candidates"`
}

// llmPairItem is one new-row-plus-candidates item of the "pairs" batch
// (§4.5: "Company prompts list business-identity rules"). CompanyDecision
// and the simpler PairDecision both flatten down to this shape.
type llmPairItem struct {
	NewName    string                `json:"newName"`
	NewURL     string                `json:"newUrl"`
	NewBrand   string                `json:"newBrand,omitempty"`
	NewETLD1   string                `json:"newEtld1,omitempty"`
	Candidates []models.CandidateRef `json:"candidates"`
}

// llmRequest is the domain-specific batch request body (§4.5). Prompt
// carries the natural-language rules text; Entities/Pairs carry the
// machine-readable items the prompt's "decisions"/"pairs" verdict arrays
// must align to by index.
type llmRequest struct {
	Prompt   string          `json:"prompt"`
	Entities []llmEntityItem `json:"entities,omitempty"`
	Pairs    []llmPairItem   `json:"pairs,omitempty"`
}

// llmResponse is the documented response shape: a "decisions" array aligned
// to Entities and a "pairs" array aligned to Pairs. Each element is either a
// bare boolean or a one-element array wrapping one (§4.5's verdict-
// extraction rule), so elements are decoded as raw JSON and unwrapped by
// extractVerdict.
type llmResponse struct {
	Decisions []json.RawMessage `json:"decisions,omitempty"`
	Pairs     []json.RawMessage `json:"pairs,omitempty"`
}

// extractVerdict implements §4.5's "Each verdict is either a bare boolean or
// a one-element array whose boolean is extracted" rule.
func extractVerdict(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var arr []bool
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 {
		return arr[0], true
	}
	return false, false
}

func (a *Adjudicator) adjudicate(ctx context.Context, batch []queuedDecision) ([]models.Verdict, error) {
	if a.endpoint == "" {
		return nil, fmt.Errorf("llmadjudicator: no endpoint configured")
	}

	var entityIdx, pairIdx []int
	var entities []llmEntityItem
	var pairs []llmPairItem
	for i, qd := range batch {
		switch v := qd.decision.(type) {
		case models.EntityDecision:
			entityIdx = append(entityIdx, i)
			entities = append(entities, llmEntityItem{NewName: v.NameNew, NewURL: v.URLNew, Candidates: v.Candidates})
		case models.CompanyDecision:
			pairIdx = append(pairIdx, i)
			pairs = append(pairs, llmPairItem{NewName: v.NameNew, NewURL: v.URLNew, NewBrand: v.BrandNew, NewETLD1: v.ETLD1New, Candidates: v.Candidates})
		case models.PairDecision:
			pairIdx = append(pairIdx, i)
			pairs = append(pairs, llmPairItem{NewName: v.NameA, NewURL: v.URLA, Candidates: []models.CandidateRef{{Name: v.NameB, URL: v.URLB}}})
		}
	}

	req := llmRequest{Prompt: buildPrompt(entities, pairs), Entities: entities, Pairs: pairs}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	result, err := a.breaker.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if a.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
		}
		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("llm adjudicator: status %d", resp.StatusCode)
		}
		var parsed llmResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		return parsed, nil
	})
	if err != nil {
		return nil, err
	}
	parsed := result.(llmResponse)

	verdicts := make([]models.Verdict, len(batch))
	for j, idx := range entityIdx {
		// B3: missing indices default to unique.
		if j < len(parsed.Decisions) {
			if dup, ok := extractVerdict(parsed.Decisions[j]); ok {
				verdicts[idx] = models.Verdict{Duplicate: dup}
			}
		}
	}
	for j, idx := range pairIdx {
		if j < len(parsed.Pairs) {
			if dup, ok := extractVerdict(parsed.Pairs[j]); ok {
				verdicts[idx] = models.Verdict{Duplicate: dup}
			}
		}
	}
	return verdicts, nil
}

// buildPrompt renders the domain-specific rules text for whichever of
// Entities/Pairs is present in the batch (§4.5).
func buildPrompt(entities []llmEntityItem, pairs []llmPairItem) string {
	var b strings.Builder
	if len(entities) > 0 {
		b.WriteString("You are deduplicating search results about the same real-world entity (movie, show, book, etc).\n")
		b.WriteString("For each new entity and its candidate matches, decide whether the new entity is a duplicate of one of its candidates.\n")
		b.WriteString("Rules: same title with different release years is a duplicate. Same series but a different season or episode is unique. ")
		b.WriteString("A sequel, spin-off, or remake with a distinct title is unique. Return a JSON object with a \"decisions\" array, ")
		b.WriteString("one boolean per entity in the same order as the \"entities\" array, true meaning duplicate.\n")
	}
	if len(pairs) > 0 {
		b.WriteString("You are deduplicating search results about the same company or organization.\n")
		b.WriteString("For each new company and its candidate matches, decide whether the new company is the same business entity as one of its candidates.\n")
		b.WriteString("Rules: regional sites or subsidiaries of the same parent company are duplicates. Distinct companies that merely share a common ")
		b.WriteString("industry term in their name are unique. Return a JSON object with a \"pairs\" array, one boolean per item in the same order ")
		b.WriteString("as the \"pairs\" array, true meaning duplicate.\n")
	}
	return b.String()
}
