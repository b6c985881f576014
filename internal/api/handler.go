package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"websetdedup/internal/canon"
	"websetdedup/internal/dedup"
	"websetdedup/internal/events"
	"websetdedup/internal/ingestctl"
	"websetdedup/internal/llmadjudicator"
	"websetdedup/internal/models"
	"websetdedup/internal/observability/metrics"
	"websetdedup/internal/storage"
	"websetdedup/internal/upstream"
	"websetdedup/internal/vectorclient"
)

// Handler aggregates the HTTP endpoints exposed by the dedup service along
// with the shared services a request needs: persistence, the upstream
// provider client, the dedup engine's collaborators, and the per-job
// broadcast buses. Grounded on the teacher's internal/api.Handler
// (storage.Repository plus named service fields, a small NewHandler
// constructor, JSON-only endpoints written with WriteJSON/WriteError).
type Handler struct {
	Store       storage.Repository
	Upstream    *upstream.Client
	Vector      *vectorclient.Client
	Adjudicator *llmadjudicator.Adjudicator
	Resolver    *canon.URLResolver
	Controller  *ingestctl.Controller
	Metrics     *metrics.Recorder
	Logger      *slog.Logger

	EnableDedup         bool
	EnableURLResolution bool

	mu    sync.Mutex
	buses map[string]*events.Bus
}

// NewHandler wires the core API dependencies together.
func NewHandler(store storage.Repository, up *upstream.Client, vector *vectorclient.Client, adj *llmadjudicator.Adjudicator, resolver *canon.URLResolver, ctrl *ingestctl.Controller, rec *metrics.Recorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.Default()
	}
	return &Handler{
		Store:       store,
		Upstream:    up,
		Vector:      vector,
		Adjudicator: adj,
		Resolver:    resolver,
		Controller:  ctrl,
		Metrics:     rec,
		Logger:      logger,
		EnableDedup: true,
		buses:       make(map[string]*events.Bus),
	}
}

// busFor returns the broadcast bus for jobID, creating one on first use.
// Buses outlive a single request and are looked up by every subsequent
// Stream subscription and engine Publish call for that job.
func (h *Handler) busFor(jobID string) *events.Bus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.buses[jobID]; ok {
		return b
	}
	b := events.NewBus(64)
	h.buses[jobID] = b
	return b
}

// Publish implements ingestctl.EventSink, routing a job-lifecycle event to
// that job's own bus. Controller is constructed with the Handler as its
// single EventSink (one Controller drives every job), so this indirection
// is what lets each job's SSE subscribers only ever see their own job's
// events even though the Controller itself has no per-job state.
func (h *Handler) Publish(jobID string, evt models.Event) {
	h.busFor(jobID).Publish(jobID, evt)
}

// createWebsetRequest is the POST /api/websets body (§4.1, §6).
type createWebsetRequest struct {
	Query       string   `json:"query"`
	Count       int      `json:"count,omitempty"`
	Entity      string   `json:"entity,omitempty"`
	Enrichments []string `json:"enrichments,omitempty"`
}

type createWebsetResponse struct {
	WebsetID string `json:"websetId"`
}

// CreateWebset starts a new deduplicated ingestion job: it creates the
// webset upstream and uses the returned websetId as the job id (a fresh UUID
// only when the provider returns none), determines entity vs. company mode
// from the request, creates the job
// record and dedup engine, and launches the background poll loop via
// Controller.StartJob before responding with the new id (§4.1, §4.2).
func (h *Handler) CreateWebset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, RequestError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"})
		return
	}

	var req createWebsetRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		WriteError(w, http.StatusBadRequest, ValidationError("query is required"))
		return
	}

	mode := models.ModeCompany
	if strings.TrimSpace(req.Entity) != "" {
		mode = models.ModeEntity
	}

	// The job id must be the upstream provider's websetId: the ingestion
	// controller polls ListItems using this same id as the cursor key, so
	// it has to ask the provider before any per-job state (bus, engine,
	// job record) is created under a different identifier.
	upstreamReq := upstream.CreateWebsetRequest{Query: req.Query, EntityType: req.Entity}
	created, err := h.Upstream.CreateWebset(r.Context(), upstreamReq)
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, ServiceUnavailableError(fmt.Sprintf("upstream provider unavailable: %v", err)))
		return
	}
	jobID := created.WebsetID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	job := models.Job{
		JobID:            jobID,
		OriginalQuery:    req.Query,
		EntityType:       req.Entity,
		Status:           models.JobStatusActive,
		RejectionReasons: make(map[string]int64),
		CreatedAt:        time.Now().UTC(),
	}

	bus := h.busFor(jobID)
	logger := h.Logger.With("job_id", jobID, "mode", string(mode))

	// A typed-nil *vectorclient.Client assigned directly to the
	// dedup.VectorClient interface field would compare non-nil and panic on
	// first use (cfg.VectorURL unset disables the vector service entirely),
	// so only populate the interface when a concrete client exists.
	var vector dedup.VectorClient
	if h.Vector != nil {
		vector = h.Vector
	}

	engine := dedup.NewEngine(dedup.EngineConfig{
		JobID:               jobID,
		Mode:                mode,
		Bus:                 bus,
		Vector:              vector,
		Adjudicator:         h.Adjudicator,
		Store:               h.Store,
		Resolver:            h.Resolver,
		EnableURLResolution: h.EnableURLResolution,
		DisableDedup:        !h.EnableDedup,
		Logger:              logger,
		Metrics:             h.Metrics,
	})

	if err := h.Controller.StartJob(r.Context(), job, engine, mode); err != nil {
		WriteError(w, http.StatusInternalServerError, RequestError{Status: http.StatusInternalServerError, Message: err.Error()})
		return
	}

	WriteJSON(w, http.StatusAccepted, createWebsetResponse{WebsetID: jobID})
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		if _, _, err := h.Store.GetJob(ctx, "__healthcheck__"); err != nil {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
			components = append(components, componentStatus{Component: "datastore", Status: "degraded", Error: err.Error()})
		} else {
			components = append(components, componentStatus{Component: "datastore", Status: "ok"})
		}
	}
	return components, overallStatus, statusCode
}

// Health reports overall service health. The only component checked is the
// datastore; upstream, vector and LLM dependencies are not probed.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, overallStatus, statusCode := h.componentHealth(r.Context())
	payload := map[string]any{
		"status":     overallStatus,
		"components": components,
	}
	WriteJSON(w, statusCode, payload)
}

// Ready reports readiness based on the datastore alone, so load balancers
// can gate traffic without waiting on slower upstream dependency checks.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	components, overallStatus, statusCode := h.componentHealth(r.Context())
	WriteJSON(w, statusCode, map[string]any{"status": overallStatus, "components": components})
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}
