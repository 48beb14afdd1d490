// Package coordclient implements the monitor-side client for the
// coordinator's message API. It satisfies monitor.Coordinator so a page
// monitor can run in a separate process from the session store.
package coordclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/examlock/examlockd/pkg/delivery"
	"github.com/examlock/examlockd/pkg/session"
)

// Message types on the coordinator message endpoint.
const (
	typeInitSession       = "INIT_SESSION"
	typeGetViolationCount = "GET_VIOLATION_COUNT"
	typeReportViolation   = "REPORT_VIOLATION"
	typeHeartbeat         = "HEARTBEAT"
	typeAutoSubmit        = "AUTO_SUBMIT"
	typeCheckClearStatus  = "CHECK_CLEAR_STATUS"
)

// Client talks to a coordinator daemon over the message API.
type Client struct {
	endpoint string
	client   *delivery.Client
	opts     delivery.Options
}

// Config configures a Client.
type Config struct {
	// Endpoint is the full message URL, e.g.
	// "http://localhost:8080/v1/message".
	Endpoint string

	// MaxRetries and InitialDelay tune the delivery retry policy.
	MaxRetries   int
	InitialDelay time.Duration
}

// New creates a client over the shared delivery transport.
func New(client *delivery.Client, cfg Config) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		client:   client,
		opts: delivery.Options{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.InitialDelay,
		},
	}
}

// envelope is the outbound message shape.
type envelope struct {
	Type    string `json:"type"`
	FormURL string `json:"formUrl"`
	Data    any    `json:"data,omitempty"`
}

// call posts one envelope and decodes the response into out.
func (c *Client) call(ctx context.Context, msgType, formURL string, data, out any) error {
	resp, err := c.client.Send(ctx, c.endpoint, envelope{
		Type:    msgType,
		FormURL: formURL,
		Data:    data,
	}, c.opts)
	if err != nil {
		return fmt.Errorf("coordinator %s: %w", msgType, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("coordinator %s: decoding response: %w", msgType, err)
	}
	return nil
}

// InitSession registers or refreshes the session for a form.
func (c *Client) InitSession(ctx context.Context, formURL string, seed session.Seed) (session.InitResult, error) {
	var res session.InitResult
	err := c.call(ctx, typeInitSession, formURL, seed, &res)
	return res, err
}

// GetViolationCount reads the authoritative count.
func (c *Client) GetViolationCount(ctx context.Context, formURL string) (session.CountResult, error) {
	var res session.CountResult
	err := c.call(ctx, typeGetViolationCount, formURL, nil, &res)
	return res, err
}

// ReportViolation records an accepted violation.
func (c *Client) ReportViolation(ctx context.Context, formURL string, rep session.Report) (session.ReportResult, error) {
	var res session.ReportResult
	err := c.call(ctx, typeReportViolation, formURL, rep, &res)
	return res, err
}

// AutoSubmit marks the form submitted.
func (c *Client) AutoSubmit(ctx context.Context, formURL string, req session.AutoSubmitRequest) (session.AutoSubmitResult, error) {
	var res session.AutoSubmitResult
	err := c.call(ctx, typeAutoSubmit, formURL, req, &res)
	return res, err
}

// CheckClearStatus asks whether the student has been cleared.
func (c *Client) CheckClearStatus(ctx context.Context, formURL string, req session.ClearStatusRequest) (session.ClearStatusResult, error) {
	var res session.ClearStatusResult
	err := c.call(ctx, typeCheckClearStatus, formURL, req, &res)
	return res, err
}

// Heartbeat signals page liveness to the coordinator.
func (c *Client) Heartbeat(ctx context.Context, formURL string) error {
	return c.call(ctx, typeHeartbeat, formURL, nil, nil)
}
