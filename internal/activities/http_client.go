package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResultBytes = 1 << 20

// HTTPClient invokes activities on a remote executor with one POST per call,
// at {baseURL}/{activity}.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient constructs an HTTPClient. A zero timeout leaves the per-call
// bound to the caller's context.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// NewHTTPClientWith uses a caller-provided http.Client.
func NewHTTPClientWith(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *HTTPClient) Invoke(ctx context.Context, activity string, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+activity, bytes.NewReader(input))
	if err != nil {
		return nil, &TransportError{Activity: activity, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Activity: activity, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return nil, &TransportError{Activity: activity, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Activity: activity, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, &TransportError{Activity: activity, Err: errors.New("malformed response body")}
	}
	return json.RawMessage(body), nil
}
