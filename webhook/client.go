// Package webhook delivers webhook actions out-of-band with retries and
// keeps a record of every delivery and attempt.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Request is a single webhook to deliver. ID doubles as the Idempotency-Key.
type Request struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload map[string]any    `json:"payload"`
}

// Attempt records one HTTP attempt.
type Attempt struct {
	Number     int           `json:"attempt_number"`
	StatusCode int           `json:"status_code"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	At         time.Time     `json:"created_at"`
}

// Result is the outcome of Deliver.
type Result struct {
	Delivered  bool
	StatusCode int
	Attempts   []Attempt
	Err        error
}

// Policy configures retries for a single delivery.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	Timeout         time.Duration
}

// DefaultPolicy makes up to 5 attempts, waiting 1s, 2s, 4s... capped at 60s,
// each attempt bounded by 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     60 * time.Second,
		Timeout:         30 * time.Second,
	}
}

// Client sends webhooks over HTTP.
type Client struct {
	http   *http.Client
	policy Policy
}

// NewClient creates a client with policy.
func NewClient(policy Policy) *Client {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = def.MaxInterval
	}
	if policy.Timeout <= 0 {
		policy.Timeout = def.Timeout
	}
	return &Client{http: &http.Client{}, policy: policy}
}

func (c *Client) schedule(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialInterval
	b.Multiplier = c.policy.Multiplier
	b.MaxInterval = c.policy.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.policy.MaxAttempts-1)), ctx)
}

// Deliver sends req until a 2xx response, a permanent error, or the attempt
// budget runs out. Non-2xx responses and network errors are retried.
func (c *Client) Deliver(ctx context.Context, req Request) *Result {
	result := &Result{}
	body, err := json.Marshal(req.Payload)
	if err != nil {
		result.Err = fmt.Errorf("failed to encode webhook payload: %w", err)
		return result
	}

	operation := func() error {
		attempt := Attempt{Number: len(result.Attempts) + 1, At: time.Now().UTC()}
		start := time.Now()
		status, err := c.send(ctx, req, body)
		attempt.Duration = time.Since(start)
		attempt.StatusCode = status
		if err != nil {
			attempt.Error = err.Error()
		}
		result.Attempts = append(result.Attempts, attempt)
		result.StatusCode = status
		return err
	}

	result.Err = backoff.Retry(operation, c.schedule(ctx))
	result.Delivered = result.Err == nil
	return result
}

func (c *Client) send(ctx context.Context, req Request, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("invalid webhook request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "loyaltyrules-webhook/1.0")
	if req.ID != "" {
		httpReq.Header.Set("Idempotency-Key", req.ID)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
