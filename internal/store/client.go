// Package store implements the HTTP client for the remote row store.
//
// The engine treats the store as an external collaborator: reads return
// fully materialized rows, writes either fully succeed or fully fail, and
// compound operations (such as recording a payment) run server-side behind
// a single RPC endpoint.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
)

// Store is the read/write boundary consumed by collections and mutations
type Store interface {
	// Query returns all materialized rows of the given kind
	Query(ctx context.Context, kind entity.Kind) ([]entity.Record, error)

	// Insert creates a row and returns the stored state
	Insert(ctx context.Context, rec entity.Record) (entity.Record, error)

	// Update replaces a row and returns the stored state
	Update(ctx context.Context, rec entity.Record) (entity.Record, error)

	// Call invokes a named server-side operation with a JSON payload
	Call(ctx context.Context, name string, payload any) (json.RawMessage, error)
}

// Client handles HTTP communication with the opsdesk server
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *loggy.Logger
}

// Options tunes the underlying HTTP transport
type Options struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// NewClient creates a new HTTP client for server communication
func NewClient(baseURL, token string, timeout time.Duration, opts Options, logger *loggy.Logger) *Client {
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = 100
	}
	if opts.MaxIdleConnsPerHost == 0 {
		opts.MaxIdleConnsPerHost = 100
	}
	if opts.IdleConnTimeout == 0 {
		opts.IdleConnTimeout = 90 * time.Second
	}

	// Custom transport for connection pooling
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxIdleConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     opts.IdleConnTimeout,
	}

	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}

	return &Client{
		baseURL:    baseURL,
		token:      token,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}
}

// SetToken updates the authentication token
func (c *Client) SetToken(token string) {
	c.token = token
}

// APIError represents an error response from the API
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
}

// rowsResponse is the envelope for list reads
type rowsResponse struct {
	Rows []json.RawMessage `json:"rows"`
}

// rowResponse is the envelope for single-row writes
type rowResponse struct {
	Row json.RawMessage `json:"row"`
}

// Query returns all materialized rows of the given kind
func (c *Client) Query(ctx context.Context, kind entity.Kind) ([]entity.Record, error) {
	url := fmt.Sprintf("%s/api/rows/%s", c.baseURL, kind)

	body, err := c.sendRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var resp rowsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding rows response: %w", err)
	}

	now := time.Now()
	records := make([]entity.Record, 0, len(resp.Rows))
	for _, raw := range resp.Rows {
		rec, ok := entity.NewRecord(kind)
		if !ok {
			return nil, fmt.Errorf("no record type for kind %q", kind)
		}
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", kind, err)
		}
		rec.Derive(now)
		records = append(records, rec)
	}

	return records, nil
}

// Insert creates a row and returns the stored state
func (c *Client) Insert(ctx context.Context, rec entity.Record) (entity.Record, error) {
	url := fmt.Sprintf("%s/api/rows/%s", c.baseURL, rec.RecordKind())
	return c.writeRow(ctx, http.MethodPost, url, rec)
}

// Update replaces a row and returns the stored state
func (c *Client) Update(ctx context.Context, rec entity.Record) (entity.Record, error) {
	url := fmt.Sprintf("%s/api/rows/%s/%s", c.baseURL, rec.RecordKind(), rec.EntityID())
	return c.writeRow(ctx, http.MethodPut, url, rec)
}

// Call invokes a named server-side operation with a JSON payload
func (c *Client) Call(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/api/rpc/%s", c.baseURL, name)
	return c.sendRequest(ctx, http.MethodPost, url, payload)
}

// Ping checks that the server is reachable. The connectivity watcher calls
// it while the push feed is down.
func (c *Client) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/health", c.baseURL)
	_, err := c.sendRequest(ctx, http.MethodGet, url, nil)
	return err
}

func (c *Client) writeRow(ctx context.Context, method, url string, rec entity.Record) (entity.Record, error) {
	body, err := c.sendRequest(ctx, method, url, rec)
	if err != nil {
		return nil, err
	}

	var resp rowResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding row response: %w", err)
	}

	stored, ok := entity.NewRecord(rec.RecordKind())
	if !ok {
		return nil, fmt.Errorf("no record type for kind %q", rec.RecordKind())
	}
	if err := json.Unmarshal(resp.Row, stored); err != nil {
		return nil, fmt.Errorf("decoding stored %s row: %w", rec.RecordKind(), err)
	}
	stored.Derive(time.Now())

	return stored, nil
}

// sendRequest is a helper function to send requests to the API
func (c *Client) sendRequest(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if c.token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err != nil {
			// If we can't decode the error, return a generic one
			return nil, APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		apiErr.StatusCode = resp.StatusCode
		return nil, apiErr
	}

	return respBody, nil
}
