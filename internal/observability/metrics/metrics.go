package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// PersistenceRetryLabel keys the persistence-retry counter by the collection
// being written and the outcome of the attempt (§4.8: bounded retry with
// jittered backoff on write conflicts).
type PersistenceRetryLabel struct {
	Operation string
	Status    string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, SSE stream lifecycle, dedup decisions, LLM batching, upstream
// ingest health, and persistence retries. It coordinates concurrent writers
// via a RWMutex while exposing thread-safe gauges for active streams and
// pending LLM decisions, the same shape the teacher's Recorder used for
// active streams and active transcoder jobs.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	streamEvents      map[string]uint64
	ingestHealthValue map[string]float64
	ingestHealthState map[string]string
	activeStreams     atomic.Int64
	dedupEvents       map[string]uint64
	llmBatchCount     uint64
	llmBatchItemSum   uint64
	llmBatchLatencySum time.Duration
	ingestAttempts    map[string]uint64
	ingestFailures    map[string]uint64
	persistenceRetries map[PersistenceRetryLabel]uint64
	pendingDecisions  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		streamEvents:       make(map[string]uint64),
		ingestHealthValue:  make(map[string]float64),
		ingestHealthState:  make(map[string]string),
		dedupEvents:        make(map[string]uint64),
		ingestAttempts:     make(map[string]uint64),
		ingestFailures:     make(map[string]uint64),
		persistenceRetries: make(map[PersistenceRetryLabel]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// StreamStarted records an SSE subscriber connecting to a job's event stream
// and increments the active-stream gauge atomically.
func (r *Recorder) StreamStarted() {
	r.incrementStreamEvent("start")
	r.activeStreams.Add(1)
}

// StreamStopped records an SSE subscriber disconnecting, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) StreamStopped() {
	r.incrementStreamEvent("stop")
	r.decrementGauge(&r.activeStreams)
}

func (r *Recorder) incrementStreamEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.streamEvents[normalized]++
	r.mu.Unlock()
}

// ObserveIngestAttempt records an upstream poll/list-items attempt keyed by
// operation name (e.g. "webset_status", "list_items").
func (r *Recorder) ObserveIngestAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.ingestAttempts[op]++
	r.mu.Unlock()
}

// ObserveIngestFailure records a failed upstream operation keyed by operation
// name. The caller should also record the attempt separately.
func (r *Recorder) ObserveIngestFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.ingestFailures[op]++
	r.mu.Unlock()
}

// ObserveDedupEvent records one broadcast-bus event kind (item, pending,
// confirm, drop, rejected) for throughput monitoring of the dedup pipeline.
func (r *Recorder) ObserveDedupEvent(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.dedupEvents[normalized]++
	r.mu.Unlock()
}

// ObserveLLMBatch records one adjudicator flush: how many decisions it
// carried and how long the adjudication call itself took (time spent queued
// or waiting for the single LLM slot is not included), so batch size and
// flush latency can be reported as running sums/counts the way the teacher
// tracked monetization totals rather than as histogram buckets (§4.5: batch
// size <= LLM_BATCH).
func (r *Recorder) ObserveLLMBatch(size int, latency time.Duration) {
	r.mu.Lock()
	r.llmBatchCount++
	r.llmBatchItemSum += uint64(size)
	r.llmBatchLatencySum += latency
	r.mu.Unlock()
}

// ObservePersistenceRetry records one persistence write attempt's outcome
// (operation is e.g. "insert_item" or "increment_counters"; status is
// "retry", "success", or "failure").
func (r *Recorder) ObservePersistenceRetry(operation, status string) {
	label := PersistenceRetryLabel{Operation: normalizeName(operation), Status: normalizeName(status)}
	r.mu.Lock()
	r.persistenceRetries[label]++
	r.mu.Unlock()
}

// PendingDecisionStarted increments the gauge of items currently awaiting an
// LLM verdict across all jobs.
func (r *Recorder) PendingDecisionStarted() {
	r.pendingDecisions.Add(1)
}

// PendingDecisionResolved decrements the pending-decision gauge.
func (r *Recorder) PendingDecisionResolved() {
	r.pendingDecisions.Add(-1)
}

// ActiveStreams exposes the current gauge of connected SSE subscribers.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// PendingDecisions exposes the current gauge of in-flight LLM decisions.
func (r *Recorder) PendingDecisions() int64 {
	return r.pendingDecisions.Load()
}

// SetIngestHealth normalizes upstream dependency identifiers (upstream
// provider, vector service, LLM, Postgres), maps status strings to numeric
// health values, and stores both representations for export.
func (r *Recorder) SetIngestHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.ingestHealthValue[normalizedService] = value
	r.ingestHealthState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// IngestCounts returns copies of ingest attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) IngestCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.ingestAttempts))
	for k, v := range r.ingestAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.ingestFailures))
	for k, v := range r.ingestFailures {
		failures[k] = v
	}
	return attempts, failures
}

// PersistenceRetryCounts returns a copy of the persistence-retry counters.
func (r *Recorder) PersistenceRetryCounts() map[PersistenceRetryLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[PersistenceRetryLabel]uint64, len(r.persistenceRetries))
	for k, v := range r.persistenceRetries {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.ingestHealthValue = make(map[string]float64)
	r.ingestHealthState = make(map[string]string)
	r.dedupEvents = make(map[string]uint64)
	r.ingestAttempts = make(map[string]uint64)
	r.ingestFailures = make(map[string]uint64)
	r.persistenceRetries = make(map[PersistenceRetryLabel]uint64)
	r.llmBatchCount = 0
	r.llmBatchItemSum = 0
	r.llmBatchLatencySum = 0
	r.activeStreams.Store(0)
	r.pendingDecisions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	streamEvents := r.sortedStreamEvents()
	ingestServices := r.sortedIngestServices()
	dedupEvents := r.sortedDedupEvents()
	ingestOperations := r.sortedIngestOperations()
	retryLabels := r.sortedPersistenceRetryLabels()

	fmt.Fprintln(w, "# HELP websetdedup_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE websetdedup_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "websetdedup_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP websetdedup_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE websetdedup_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "websetdedup_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP websetdedup_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE websetdedup_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "websetdedup_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP websetdedup_stream_events_total SSE subscriber lifecycle events by type")
	fmt.Fprintln(w, "# TYPE websetdedup_stream_events_total counter")
	for _, event := range streamEvents {
		value := r.streamEvents[event]
		fmt.Fprintf(w, "websetdedup_stream_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP websetdedup_active_streams Current number of connected SSE subscribers")
	fmt.Fprintln(w, "# TYPE websetdedup_active_streams gauge")
	fmt.Fprintf(w, "websetdedup_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP websetdedup_ingest_health Health status reported by external dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE websetdedup_ingest_health gauge")
	for _, service := range ingestServices {
		value := r.ingestHealthValue[service]
		status := r.ingestHealthState[service]
		fmt.Fprintf(w, "websetdedup_ingest_health{service=\"%s\",status=\"%s\"} %f\n", service, status, value)
	}

	fmt.Fprintln(w, "# HELP websetdedup_ingest_attempts_total Total upstream poll/list operations attempted by action")
	fmt.Fprintln(w, "# TYPE websetdedup_ingest_attempts_total counter")
	for _, op := range ingestOperations {
		count := r.ingestAttempts[op]
		fmt.Fprintf(w, "websetdedup_ingest_attempts_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP websetdedup_ingest_failures_total Total upstream poll/list operation failures by action")
	fmt.Fprintln(w, "# TYPE websetdedup_ingest_failures_total counter")
	for _, op := range ingestOperations {
		count := r.ingestFailures[op]
		fmt.Fprintf(w, "websetdedup_ingest_failures_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP websetdedup_dedup_events_total Dedup broadcast events by kind")
	fmt.Fprintln(w, "# TYPE websetdedup_dedup_events_total counter")
	for _, event := range dedupEvents {
		count := r.dedupEvents[event]
		fmt.Fprintf(w, "websetdedup_dedup_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP websetdedup_pending_decisions Current number of items awaiting an LLM verdict across all jobs")
	fmt.Fprintln(w, "# TYPE websetdedup_pending_decisions gauge")
	fmt.Fprintf(w, "websetdedup_pending_decisions %d\n", r.pendingDecisions.Load())

	fmt.Fprintln(w, "# HELP websetdedup_llm_batches_total Total number of LLM adjudication batches flushed")
	fmt.Fprintln(w, "# TYPE websetdedup_llm_batches_total counter")
	fmt.Fprintf(w, "websetdedup_llm_batches_total %d\n", r.llmBatchCount)

	fmt.Fprintln(w, "# HELP websetdedup_llm_batch_items_sum Cumulative number of decisions across all flushed LLM batches")
	fmt.Fprintln(w, "# TYPE websetdedup_llm_batch_items_sum counter")
	fmt.Fprintf(w, "websetdedup_llm_batch_items_sum %d\n", r.llmBatchItemSum)

	fmt.Fprintln(w, "# HELP websetdedup_llm_batch_latency_seconds_sum Cumulative LLM batch flush latency in seconds")
	fmt.Fprintln(w, "# TYPE websetdedup_llm_batch_latency_seconds_sum counter")
	fmt.Fprintf(w, "websetdedup_llm_batch_latency_seconds_sum %f\n", r.llmBatchLatencySum.Seconds())

	fmt.Fprintln(w, "# HELP websetdedup_persistence_retries_total Persistence write attempts by operation and outcome")
	fmt.Fprintln(w, "# TYPE websetdedup_persistence_retries_total counter")
	for _, label := range retryLabels {
		count := r.persistenceRetries[label]
		fmt.Fprintf(w, "websetdedup_persistence_retries_total{operation=\"%s\",status=\"%s\"} %d\n", label.Operation, label.Status, count)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedStreamEvents() []string {
	events := make([]string, 0, len(r.streamEvents))
	for event := range r.streamEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedIngestServices() []string {
	services := make([]string, 0, len(r.ingestHealthValue))
	for service := range r.ingestHealthValue {
		services = append(services, service)
	}
	sort.Strings(services)
	return services
}

func (r *Recorder) sortedDedupEvents() []string {
	events := make([]string, 0, len(r.dedupEvents))
	for event := range r.dedupEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedIngestOperations() []string {
	seen := make(map[string]struct{}, len(r.ingestAttempts)+len(r.ingestFailures))
	for op := range r.ingestAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.ingestFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (r *Recorder) sortedPersistenceRetryLabels() []PersistenceRetryLabel {
	labels := make([]PersistenceRetryLabel, 0, len(r.persistenceRetries))
	for label := range r.persistenceRetries {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Operation != labels[j].Operation {
			return labels[i].Operation < labels[j].Operation
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// StreamStarted increments counters on the default recorder.
func StreamStarted() {
	defaultRecorder.StreamStarted()
}

// StreamStopped decrements active streams on the default recorder.
func StreamStopped() {
	defaultRecorder.StreamStopped()
}

// SetIngestHealth updates dependency health for the default recorder.
func SetIngestHealth(service, status string) {
	defaultRecorder.SetIngestHealth(service, status)
}

// ObserveIngestAttempt records an ingest attempt on the default recorder.
func ObserveIngestAttempt(operation string) {
	defaultRecorder.ObserveIngestAttempt(operation)
}

// ObserveIngestFailure records an ingest failure on the default recorder.
func ObserveIngestFailure(operation string) {
	defaultRecorder.ObserveIngestFailure(operation)
}

// ObserveDedupEvent records a dedup broadcast event on the default recorder.
func ObserveDedupEvent(kind string) {
	defaultRecorder.ObserveDedupEvent(kind)
}

// ObserveLLMBatch records an LLM batch flush on the default recorder.
func ObserveLLMBatch(size int, latency time.Duration) {
	defaultRecorder.ObserveLLMBatch(size, latency)
}

// ObservePersistenceRetry records a persistence write outcome on the default
// recorder.
func ObservePersistenceRetry(operation, status string) {
	defaultRecorder.ObservePersistenceRetry(operation, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
