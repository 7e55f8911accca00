// Package paygate is the Go client for APIs behind the PayGate security gate. It attaches the API key,
// signs bodies and retries throttled or unavailable calls under a single idempotency key.
package paygate

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

	"github.com/google/uuid"

	"github.com/turtacn/paygate/internal/infrastructure/crypto"
	"github.com/turtacn/paygate/pkg/constants"
)

// APIError is a gate or upstream rejection decoded from its problem body.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("paygate: %d %s: %s", e.StatusCode, e.Title, e.Detail)
	}
	return fmt.Sprintf("paygate: %d %s", e.StatusCode, e.Title)
}

// Response is a successful reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// IdempotencyKey is the key sent with the request, generated when the caller gave none.
	IdempotencyKey string
}

// Client calls the payment API through the gate. It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	secret     string
	httpClient *http.Client
	maxRetries int
	maxWait    time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithSigningSecret signs every body with secret.
func WithSigningSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

// WithHTTPClient replaces the default client, which times out after 30s.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries sets how many times a 429, 502, 503 or 504 reply is retried. maxWait caps each wait.
func WithRetries(n int, maxWait time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = n
		c.maxWait = maxWait
	}
}

// NewClient creates a client for the gate at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("paygate: invalid base URL %q", baseURL)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("paygate: api key is required")
	}
	c := &Client{
		baseURL:    u,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 2,
		maxWait:    10 * time.Second,
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Do sends body to path. Writes always carry an idempotency key; a fresh one is generated when
// idempotencyKey is empty, and every retry reuses it so the payment is applied at most once.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*Response, error) {
	method = strings.ToUpper(method)
	if idempotencyKey == "" && isWrite(method) {
		idempotencyKey = uuid.NewString()
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, method, path, body, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 400 {
			resp.IdempotencyKey = idempotencyKey
			return resp, nil
		}
		apiErr := decodeError(resp)
		if attempt >= c.maxRetries || !retryable(resp.StatusCode) {
			return nil, apiErr
		}
		wait := apiErr.RetryAfter
		if wait <= 0 {
			wait = time.Duration(attempt+1) * 500 * time.Millisecond
		}
		if wait > c.maxWait {
			wait = c.maxWait
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// PostJSON encodes v and posts it.
func (c *Client) PostJSON(ctx context.Context, path string, v interface{}, idempotencyKey string) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("paygate: failed to encode body: %w", err)
	}
	return c.Do(ctx, http.MethodPost, path, body, idempotencyKey)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*Response, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("paygate: invalid path %q: %w", path, err)
	}
	target := c.baseURL.ResolveReference(&url.URL{Path: c.baseURL.Path + "/" + strings.TrimLeft(ref.Path, "/"), RawQuery: ref.RawQuery})

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(constants.HeaderAPIKey, c.apiKey)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(constants.HeaderIdempotencyKey, idempotencyKey)
	}
	if c.secret != "" {
		// Re-signed per attempt so retries stay inside the timestamp tolerance.
		req.Header.Set(constants.HeaderSignature, crypto.GenerateSignature(body, c.secret, c.now()))
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paygate: %s %s: %w", method, target.Path, err)
	}
	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("paygate: failed to read response: %w", err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: respBody}, nil
}

func decodeError(resp *Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(resp.Body, &problem) == nil {
		if problem.Title != "" {
			apiErr.Title = problem.Title
		}
		apiErr.Detail = problem.Detail
	}
	if secs, err := strconv.Atoi(resp.Header.Get(constants.HeaderRetryAfter)); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
