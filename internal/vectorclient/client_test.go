package vectorclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestQueryReturnsIDsFromServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(queryResponse{IDs: []string{"a", "b"}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ids, err := c.Query(context.Background(), "acme", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestQueryDegradesToEmptyOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ids, err := c.Query(context.Background(), "acme", 5)
	if err != nil {
		t.Fatalf("expected fail-open (nil error), got %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no hits on server error, got %v", ids)
	}
}

func TestQueryWithoutBaseURLIsNoop(t *testing.T) {
	c := New(Config{})
	ids, err := c.Query(context.Background(), "acme", 5)
	if err != nil || ids != nil {
		t.Fatalf("expected nil,nil with no base url, got %v, %v", ids, err)
	}
}
