// Package upstream is the REST facade over the external search-result
// provider (the "webset" source), grounded on the teacher's
// ingest.HTTPController: a thin client with a bearer-auth helper and JSON
// request/response types per endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the upstream provider's create/poll endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config configures a Client. APIKey is EXA_API_KEY (§6).
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateWebsetRequest starts a new search against the upstream provider.
type CreateWebsetRequest struct {
	Query      string `json:"query"`
	EntityType string `json:"entityType,omitempty"`
}

type CreateWebsetResponse struct {
	WebsetID string `json:"websetId"`
}

func (c *Client) CreateWebset(ctx context.Context, req CreateWebsetRequest) (CreateWebsetResponse, error) {
	var out CreateWebsetResponse
	err := c.doJSON(ctx, http.MethodPost, "/v0/websets", req, &out)
	return out, err
}

// StatusIdle is the provider's terminal webset status: the search has
// stopped producing items and the remaining pages are all there will be.
const StatusIdle = "idle"

// WebsetStatusResponse carries the provider's own status code for a webset
// ("running", "idle", ...). Only StatusIdle is interpreted here; anything
// else means the search is still in flight.
type WebsetStatusResponse struct {
	Status string `json:"status"`
}

// WebsetStatus polls the provider for websetID's current search status.
func (c *Client) WebsetStatus(ctx context.Context, websetID string) (string, error) {
	var out WebsetStatusResponse
	err := c.doJSON(ctx, http.MethodGet, "/v0/websets/"+websetID, nil, &out)
	return out.Status, err
}

// Page is one cursor-paginated batch of raw items (§4.7: "100-item pages").
type Page struct {
	Items      []map[string]any `json:"data"`
	HasMore    bool             `json:"hasMore"`
	NextCursor string           `json:"nextCursor"`
}

// ListItems fetches the next page of items for websetID starting at cursor
// (empty cursor fetches the first page).
func (c *Client) ListItems(ctx context.Context, websetID, cursor string, pageSize int) (Page, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	path := fmt.Sprintf("/v0/websets/%s/items?limit=%d", websetID, pageSize)
	if cursor != "" {
		path += "&cursor=" + cursor
	}
	var out Page
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody any, out any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", bearer(c.apiKey))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func bearer(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}
