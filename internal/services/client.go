package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Error classes for downstream service calls. Handlers treat all of them
// as retryable failures; a malformed body must never pass as success.
var (
	ErrTimeout           = errors.New("service call timed out")
	ErrNetwork           = errors.New("service call failed")
	ErrMalformedResponse = errors.New("malformed service response")
)

// Client posts JSON to one downstream service under a fixed timeout
// ceiling. Requests carry the applicationId, which the downstream
// contract uses as an idempotency key; retried calls are safe to repeat.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Response is the interpreted downstream reply.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NewClient builds a client for the given service base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// PostJSON sends body as JSON to path and returns the raw reply. Timeouts
// and transport failures come back wrapped in ErrTimeout/ErrNetwork; a
// non-JSON body wraps ErrMalformedResponse. Status handling is the
// caller's.
func (c *Client) PostJSON(ctx context.Context, path string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, path, urlErr.Err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNetwork, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if len(raw) > 0 && !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %s returned non-JSON body", ErrMalformedResponse, path)
	}

	return &Response{StatusCode: resp.StatusCode, Body: raw}, nil
}
