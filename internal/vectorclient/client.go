// Package vectorclient is the HTTP facade over the external vector-recall
// service (VECTOR_URL, §6). It is wrapped in a gobreaker circuit breaker the
// way jordigilh-kubernaut wires gobreaker around a flaky per-channel
// delivery path: a vector service outage must degrade to "no recall hits"
// rather than stall every ingest in the job.
package vectorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Client queries and populates the external vector index used for
// candidate-pool recall (§4.4: "vector-recall hits").
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// Config configures a Client; BaseURL is VECTOR_URL.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vectorclient",
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("vector client circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		breaker:    breaker,
		logger:     cfg.Logger,
	}
}

type addRequest struct {
	RowID string `json:"row_id"`
	Text  string `json:"text"`
}

// Add indexes text under rowID for future recall.
func (c *Client) Add(ctx context.Context, rowID, text string) error {
	if c.baseURL == "" {
		return nil
	}
	body, err := json.Marshal(addRequest{RowID: rowID, Text: text})
	if err != nil {
		return err
	}
	_, err = c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/add", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("vector add: server error %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

type queryRequest struct {
	Text string `json:"text"`
	K    int    `json:"k"`
}

type queryResponse struct {
	IDs []string `json:"ids"`
}

// Query returns up to k nearest row IDs for text. Per §7 (B4), any transport
// or breaker-open failure degrades to an empty hit set rather than
// propagating an error: a dedup pass that cannot reach the vector service
// still must not block ingestion.
func (c *Client) Query(ctx context.Context, text string, k int) ([]string, error) {
	if c.baseURL == "" {
		return nil, nil
	}
	body, err := json.Marshal(queryRequest{Text: text, K: k})
	if err != nil {
		return nil, nil
	}
	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("vector query: status %d", resp.StatusCode)
		}
		var parsed queryResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, err
		}
		return parsed.IDs, nil
	})
	if err != nil {
		c.logger.Warn("vector query failed, degrading to no recall hits", "error", err)
		return nil, nil
	}
	ids, _ := result.([]string)
	return ids, nil
}
