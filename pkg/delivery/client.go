// Package delivery provides the retrying HTTP client used for all outbound
// webhook traffic. Retries use bounded exponential backoff with jitter; any
// transport error or non-2xx status is considered retryable.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

const (
	// DefaultMaxRetries is the default number of attempts before giving up.
	DefaultMaxRetries = 3

	// DefaultInitialDelay is the backoff base delay.
	DefaultInitialDelay = 1 * time.Second

	// maxDelay caps the backoff delay between attempts.
	maxDelay = 30 * time.Second

	// maxResponseSize bounds webhook response bodies read into memory.
	maxResponseSize = 1 << 20

	// requestTimeout bounds a single HTTP attempt.
	requestTimeout = 15 * time.Second
)

// ErrDeliveryFailed indicates all retry attempts were exhausted.
var ErrDeliveryFailed = errors.New("delivery: all attempts failed")

// Options tunes retry behavior for a single Send call.
type Options struct {
	MaxRetries   int
	InitialDelay time.Duration
}

// Response carries the final HTTP status and body of a successful delivery.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client posts JSON payloads with retry. The zero value is not usable;
// construct with NewClient.
type Client struct {
	http *http.Client
	// jitter returns a multiplier in [0.8, 1.2). Injectable for tests.
	jitter func() float64
}

// NewClient creates a delivery client with a pooled HTTP transport.
func NewClient() *Client {
	return &Client{
		http:   &http.Client{Timeout: requestTimeout},
		jitter: func() float64 { return 0.8 + 0.4*rand.Float64() },
	}
}

// Send posts payload as JSON to endpoint, retrying on failure. It returns the
// response of the first successful (2xx) attempt, or ErrDeliveryFailed
// wrapping the last error once retries are exhausted.
func (c *Client) Send(ctx context.Context, endpoint string, payload any, opts Options) (*Response, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := c.backoff(opts.InitialDelay, attempt)
			slog.Warn("delivery: attempt failed, retrying",
				"attempt", attempt-1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.attempt(ctx, endpoint, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %w", ErrDeliveryFailed, lastErr)
}

// attempt performs a single POST and reads the bounded response body.
func (c *Client) attempt(ctx context.Context, endpoint string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting payload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// backoff computes min(initial * 2^(attempt-2) * jitter, maxDelay) for the
// delay preceding the given attempt number (attempt >= 2).
func (c *Client) backoff(initial time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(initial) * float64(int64(1)<<uint(attempt-2)) * c.jitter())
	if d > maxDelay {
		return maxDelay
	}
	return d
}
