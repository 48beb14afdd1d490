// Package webhook implements the remote sink protocol: JSON-over-POST
// violation logging and clearance checks against a configured endpoint.
// Non-2xx responses and malformed JSON are treated as soft failures.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/examlock/examlockd/pkg/delivery"
)

// Actions understood by the remote sink.
const (
	actionLogViolation     = "logViolation"
	actionCheckClearStatus = "checkClearStatus"
)

// ViolationRecord is the payload for a logViolation action.
type ViolationRecord struct {
	SessionID      string         `json:"sessionId"`
	StudentName    string         `json:"studentName"`
	StudentEmail   string         `json:"studentEmail"`
	FormURL        string         `json:"formUrl"`
	ViolationType  string         `json:"violationType"`
	ViolationCount int            `json:"violationCount"`
	Severity       string         `json:"severity"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata"`
	IPAddress      string         `json:"ipAddress"`
	UserAgent      string         `json:"userAgent"`
	Timestamp      string         `json:"timestamp,omitempty"`
}

// ClearStatus is the sink's answer to a checkClearStatus action.
type ClearStatus struct {
	Cleared   bool   `json:"cleared"`
	ClearedAt string `json:"clearedAt,omitempty"`
}

// clearStatusResponse tolerates both flat and nested response shapes.
type clearStatusResponse struct {
	Cleared     bool         `json:"cleared"`
	ClearedAt   string       `json:"clearedAt"`
	ClearStatus *ClearStatus `json:"clearStatus"`
}

// Thresholds maps violation counts to severity and status labels.
type Thresholds struct {
	Critical int // severity "critical" and status "Disqualified" at or above
	High     int // severity "high" at or above
	Medium   int // severity "medium" and status "Lockout" at or above
}

// DefaultThresholds mirrors the standard grading: >=4 critical/Disqualified,
// >=3 high, >=2 medium/Lockout.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 4, High: 3, Medium: 2}
}

// Severity returns the severity label for a violation count.
func (t Thresholds) Severity(count int) string {
	switch {
	case count >= t.Critical:
		return "critical"
	case count >= t.High:
		return "high"
	case count >= t.Medium:
		return "medium"
	default:
		return "low"
	}
}

// Status returns the student status label for a violation count.
func (t Thresholds) Status(count int) string {
	switch {
	case count >= t.Critical:
		return "Disqualified"
	case count >= t.Medium:
		return "Lockout"
	default:
		return "Warning"
	}
}

// Sink posts sink actions to a single endpoint through the delivery client.
type Sink struct {
	endpoint   string
	client     *delivery.Client
	opts       delivery.Options
	thresholds Thresholds
}

// Config configures a Sink.
type Config struct {
	Endpoint     string
	MaxRetries   int
	InitialDelay time.Duration
	Thresholds   Thresholds
}

// NewSink creates a sink for the given endpoint.
func NewSink(client *delivery.Client, cfg Config) *Sink {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Sink{
		endpoint: cfg.Endpoint,
		client:   client,
		opts: delivery.Options{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.InitialDelay,
		},
		thresholds: cfg.Thresholds,
	}
}

// Configured reports whether an endpoint is set.
func (s *Sink) Configured() bool {
	return s != nil && s.endpoint != ""
}

// Thresholds returns the severity/status grading in effect.
func (s *Sink) Thresholds() Thresholds {
	return s.thresholds
}

// LogViolation posts a violation record. Severity and status are filled in
// from the record's count if empty.
func (s *Sink) LogViolation(ctx context.Context, rec ViolationRecord) error {
	if !s.Configured() {
		return nil
	}

	if rec.Severity == "" {
		rec.Severity = s.thresholds.Severity(rec.ViolationCount)
	}
	if rec.Status == "" {
		rec.Status = s.thresholds.Status(rec.ViolationCount)
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	payload := struct {
		Action        string          `json:"action"`
		ViolationData ViolationRecord `json:"violationData"`
	}{
		Action:        actionLogViolation,
		ViolationData: rec,
	}

	if _, err := s.client.Send(ctx, s.endpoint, payload, s.opts); err != nil {
		return fmt.Errorf("logging violation: %w", err)
	}
	return nil
}

// CheckClearStatus asks the sink whether the student has been cleared.
// A malformed or negative response yields nil, nil (not cleared).
func (s *Sink) CheckClearStatus(ctx context.Context, sessionID, studentEmail string) (*ClearStatus, error) {
	if !s.Configured() {
		return nil, nil
	}

	payload := struct {
		Action       string `json:"action"`
		SessionID    string `json:"sessionId"`
		StudentEmail string `json:"studentEmail"`
	}{
		Action:       actionCheckClearStatus,
		SessionID:    sessionID,
		StudentEmail: studentEmail,
	}

	resp, err := s.client.Send(ctx, s.endpoint, payload, s.opts)
	if err != nil {
		return nil, fmt.Errorf("checking clear status: %w", err)
	}

	var parsed clearStatusResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		// Soft failure: an unparseable body means "not cleared".
		return nil, nil
	}

	if parsed.ClearStatus != nil && parsed.ClearStatus.Cleared {
		return parsed.ClearStatus, nil
	}
	if parsed.Cleared {
		return &ClearStatus{Cleared: true, ClearedAt: parsed.ClearedAt}, nil
	}
	return nil, nil
}
