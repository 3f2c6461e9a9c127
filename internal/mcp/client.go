// Package mcp exposes the simulator's serve-mode API as MCP tools.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// DefaultURL is where ethsim serve listens by default.
const DefaultURL = "http://localhost:8080"

// APIError is a non-2xx answer from the simulator API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks JSON to a running ethsim serve.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the API rooted at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Get returns the body of GET path.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.roundTrip(ctx, http.MethodGet, path, nil)
}

// Post sends payload, if any, as JSON and returns the response body.
func (c *Client) Post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	return c.roundTrip(ctx, http.MethodPost, path, payload)
}

// Delete sends DELETE path.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.roundTrip(ctx, http.MethodDelete, path, nil)
	return err
}

// runPath is the history path of run id, with optional sub-resources.
func runPath(id string, sub ...string) string {
	return strings.Join(append([]string{"/v1/history", url.PathEscape(id)}, sub...), "/")
}

// paged appends limit and offset to path.
func paged(path string, limit, offset int) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return path + "?" + q.Encode()
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 300 {
		return data, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	var decoded types.ErrorResponse
	if json.Unmarshal(data, &decoded) == nil && decoded.Error != "" {
		apiErr.Message = decoded.Error
	}
	return nil, apiErr
}
