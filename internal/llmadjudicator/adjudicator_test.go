package llmadjudicator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"websetdedup/internal/models"
)

func TestFlushesOnBatchSize(t *testing.T) {
	var gotItems int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llmRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotItems = len(req.Pairs)
		decisions := make([]json.RawMessage, len(req.Pairs))
		for i := range decisions {
			decisions[i] = json.RawMessage("false")
		}
		json.NewEncoder(w).Encode(llmResponse{Pairs: decisions})
	}))
	defer srv.Close()

	a := New(Config{Endpoint: srv.URL, BatchSize: 2, FlushLatency: time.Hour})
	ctx := context.Background()
	ch1 := a.Enqueue(ctx, models.CompanyDecision{IDNew: "1", JobID: "job-1"})
	ch2 := a.Enqueue(ctx, models.CompanyDecision{IDNew: "2", JobID: "job-1"})

	v1 := <-ch1
	v2 := <-ch2
	if v1.Duplicate || v2.Duplicate {
		t.Fatalf("expected unique verdicts, got %v %v", v1, v2)
	}
	if gotItems != 2 {
		t.Fatalf("expected a batch of 2 sent to the server, got %d", gotItems)
	}
}

func TestFlushesOnLatencyTimer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llmRequest
		json.NewDecoder(r.Body).Decode(&req)
		decisions := make([]json.RawMessage, len(req.Pairs))
		for i := range decisions {
			decisions[i] = json.RawMessage("false")
		}
		json.NewEncoder(w).Encode(llmResponse{Pairs: decisions})
	}))
	defer srv.Close()

	a := New(Config{Endpoint: srv.URL, BatchSize: 100, FlushLatency: 20 * time.Millisecond})
	ch := a.Enqueue(context.Background(), models.CompanyDecision{IDNew: "1", JobID: "job-1"})

	select {
	case v := <-ch:
		if v.Duplicate {
			t.Fatalf("expected unique verdict, got %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the latency timer to flush the batch")
	}
}

func TestEntityBatchUsesDecisionsArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llmRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Entities) != 2 {
			t.Errorf("expected 2 entity items, got %d", len(req.Entities))
		}
		// one bare boolean, one one-element array, per §4.5's verdict shape.
		json.NewEncoder(w).Encode(llmResponse{Decisions: []json.RawMessage{
			json.RawMessage("true"),
			json.RawMessage("[false]"),
		}})
	}))
	defer srv.Close()

	a := New(Config{Endpoint: srv.URL, BatchSize: 2, FlushLatency: time.Hour})
	ch1 := a.Enqueue(context.Background(), models.EntityDecision{IDNew: "1", JobID: "job-1"})
	ch2 := a.Enqueue(context.Background(), models.EntityDecision{IDNew: "2", JobID: "job-1"})

	v1 := <-ch1
	v2 := <-ch2
	if !v1.Duplicate {
		t.Fatal("expected bare-boolean true to be extracted as duplicate")
	}
	if v2.Duplicate {
		t.Fatal("expected one-element-array false to be extracted as unique")
	}
}

func TestMissingVerdictIndexDefaultsToUnique(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(llmResponse{Pairs: []json.RawMessage{json.RawMessage("true")}})
	}))
	defer srv.Close()

	a := New(Config{Endpoint: srv.URL, BatchSize: 2, FlushLatency: time.Hour})
	ch1 := a.Enqueue(context.Background(), models.CompanyDecision{IDNew: "1", JobID: "job-1"})
	ch2 := a.Enqueue(context.Background(), models.CompanyDecision{IDNew: "2", JobID: "job-1"})

	v1 := <-ch1
	v2 := <-ch2
	if !v1.Duplicate {
		t.Fatal("expected first pair's verdict to be duplicate")
	}
	if v2.Duplicate {
		t.Fatal("expected missing second index to default to unique (B3)")
	}
}

func TestFailsOpenOnTransportError(t *testing.T) {
	a := New(Config{Endpoint: "http://127.0.0.1:0", BatchSize: 1, FlushLatency: time.Hour})
	ch := a.Enqueue(context.Background(), models.CompanyDecision{IDNew: "1", JobID: "job-1"})

	select {
	case v := <-ch:
		if v.Duplicate {
			t.Fatalf("expected fail-open unique verdict, got %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected failOpen to resolve the pending decision")
	}
}
