package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"websetdedup/internal/canon"
	"websetdedup/internal/models"
	"websetdedup/internal/observability/metrics"
	"websetdedup/internal/storage"
)

func TestStatsOverviewAggregatesAcrossJobs(t *testing.T) {
	store := storage.NewMemoryRepository()
	h := NewHandler(store, nil, nil, nil, nil, nil, metrics.New(), discardLogger())

	for _, j := range []models.Job{
		{JobID: "a", TotalItems: 10, UniqueItems: 7, DuplicatesRejected: 3, RejectionReasons: map[string]int64{models.ReasonExactMatch: 2, models.ReasonFuzzyMatchLegacy: 1}},
		{JobID: "b", TotalItems: 5, UniqueItems: 5, DuplicatesRejected: 0, RejectionReasons: map[string]int64{}},
	} {
		if err := store.CreateJob(context.Background(), j); err != nil {
			t.Fatalf("seed job: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats/overview", nil)
	w := httptest.NewRecorder()
	h.StatsOverview(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Websets            int              `json:"websets"`
		TotalItems         int64            `json:"totalItems"`
		UniqueItems        int64            `json:"uniqueItems"`
		DuplicatesRejected int64            `json:"duplicatesRejected"`
		RejectionReasons   map[string]int64 `json:"rejectionReasons"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Websets != 2 {
		t.Fatalf("expected 2 websets, got %d", body.Websets)
	}
	if body.TotalItems != 15 || body.UniqueItems != 12 || body.DuplicatesRejected != 3 {
		t.Fatalf("unexpected totals: %+v", body)
	}
	if body.RejectionReasons[models.ReasonExactMatch] != 2 || body.RejectionReasons[models.ReasonFuzzyMatchLegacy] != 1 {
		t.Fatalf("unexpected rejection reasons: %+v", body.RejectionReasons)
	}
}

func TestStatsDatabaseReportsPersistenceRetries(t *testing.T) {
	rec := metrics.New()
	rec.ObservePersistenceRetry("insert_item", "retry")
	rec.ObservePersistenceRetry("insert_item", "success")

	store := storage.NewMemoryRepository()
	h := NewHandler(store, nil, nil, nil, nil, nil, rec, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/stats/database", nil)
	w := httptest.NewRecorder()
	h.StatsDatabase(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		PersistenceRetries []map[string]any `json:"persistenceRetries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.PersistenceRetries) != 2 {
		t.Fatalf("expected 2 retry label rows, got %d: %+v", len(body.PersistenceRetries), body.PersistenceRetries)
	}
}

func TestStatsURLResolutionDisabledWithoutResolver(t *testing.T) {
	store := storage.NewMemoryRepository()
	h := NewHandler(store, nil, nil, nil, nil, nil, metrics.New(), discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/stats/url-resolution", nil)
	w := httptest.NewRecorder()
	h.StatsURLResolution(w, req)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if enabled, _ := body["enabled"].(bool); enabled {
		t.Fatalf("expected enabled=false without a resolver, got %+v", body)
	}
}

func TestStatsURLResolutionReportsCacheOccupancyWhenEnabled(t *testing.T) {
	store := storage.NewMemoryRepository()
	resolver := canon.NewURLResolver()
	h := NewHandler(store, nil, nil, nil, resolver, nil, metrics.New(), discardLogger())
	h.EnableURLResolution = true

	req := httptest.NewRequest(http.MethodGet, "/api/stats/url-resolution", nil)
	w := httptest.NewRecorder()
	h.StatsURLResolution(w, req)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if enabled, _ := body["enabled"].(bool); !enabled {
		t.Fatalf("expected enabled=true, got %+v", body)
	}
	if _, ok := body["capacity"]; !ok {
		t.Fatalf("expected capacity field, got %+v", body)
	}
}
