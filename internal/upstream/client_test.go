package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListItemsParsesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") != "abc" {
			t.Errorf("expected cursor query param, got %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(Page{Items: []map[string]any{{"name": "x"}}, NextCursor: "def"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	page, err := c.ListItems(context.Background(), "webset-1", "abc", 50)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != "def" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestWebsetStatusReportsProviderCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/websets/ws-1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(WebsetStatusResponse{Status: StatusIdle})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	status, err := c.WebsetStatus(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("WebsetStatus: %v", err)
	}
	if status != StatusIdle {
		t.Fatalf("status = %q, want %q", status, StatusIdle)
	}
}

func TestCreateWebsetSendsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(CreateWebsetResponse{WebsetID: "ws-1"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	resp, err := c.CreateWebset(context.Background(), CreateWebsetRequest{Query: "robotics startups"})
	if err != nil {
		t.Fatalf("CreateWebset: %v", err)
	}
	if resp.WebsetID != "ws-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
}
