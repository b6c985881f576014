package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"websetdedup/internal/api"
	"websetdedup/internal/ingestctl"
	"websetdedup/internal/observability/metrics"
	"websetdedup/internal/storage"
	"websetdedup/internal/upstream"
)

func newTestHandler(t *testing.T) (*api.Handler, storage.Repository) {
	t.Helper()

	upSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called")
	}))
	t.Cleanup(upSrv.Close)

	store := storage.NewMemoryRepository()
	up := upstream.New(upstream.Config{BaseURL: upSrv.URL})
	rec := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := api.NewHandler(store, up, nil, nil, nil, nil, rec, logger)
	ctrl := ingestctl.NewController(store, up, h, logger)
	h.Controller = ctrl
	return h, store
}
