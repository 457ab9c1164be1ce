// Package utils provides the outbound clients used by node handlers.
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBody bounds how much of a response body is read into memory
const maxResponseBody = 10 << 20

// HTTPClient provides a reusable HTTP client with common functionality
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a new HTTP client. A zero timeout leaves deadlines to the caller's context.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewHTTPClientWith wraps an existing *http.Client
func NewHTTPClientWith(client *http.Client) *HTTPClient {
	return &HTTPClient{client: client}
}

// Do executes a request and returns the status code and raw body.
// Only transport failures are returned as errors; any status code is a response.
func (c *HTTPClient) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// PostJSON marshals payload, posts it and returns the status and raw body
func (c *HTTPClient) PostJSON(ctx context.Context, url string, headers map[string]string, payload interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return c.Do(ctx, http.MethodPost, url, headers, body)
}

// DecodeBody returns parsed JSON when raw is valid JSON and the string otherwise
func DecodeBody(raw []byte) interface{} {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	var parsed interface{}
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return string(raw)
	}
	return parsed
}
