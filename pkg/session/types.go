package session

import "github.com/examlock/examlockd/pkg/clearance"

// Seed carries optional identity fields for session initialization.
type Seed struct {
	StudentName   string `json:"studentName,omitempty"`
	StudentEmail  string `json:"studentEmail,omitempty"`
	ExamSubmitted bool   `json:"examSubmitted,omitempty"`
}

// InitResult is the response to InitSession.
type InitResult struct {
	Success         bool   `json:"success"`
	SessionID       string `json:"sessionId"`
	ViolationCount  int    `json:"violationCount"`
	ExpiresAt       int64  `json:"expiresAt,omitempty"`
	ExamSubmitted   bool   `json:"examSubmitted"`
	LastViolationAt int64  `json:"lastViolationAt,omitempty"`
	ClearedAt       int64  `json:"clearedAt,omitempty"`
}

// CountResult is the response to GetViolationCount. The zero value is the
// answer for an unknown or expired form key.
type CountResult struct {
	Count         int   `json:"count"`
	ExpiresAt     int64 `json:"expiresAt,omitempty"`
	ExamSubmitted bool  `json:"examSubmitted"`
	ClearedAt     int64 `json:"clearedAt,omitempty"`
}

// Report describes one accepted violation being recorded.
type Report struct {
	Trigger        string         `json:"trigger"`
	ViolationCount int            `json:"violationCount,omitempty"`
	StudentName    string         `json:"studentName,omitempty"`
	StudentEmail   string         `json:"studentEmail,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IPAddress      string         `json:"ipAddress,omitempty"`
	UserAgent      string         `json:"userAgent,omitempty"`
}

// ReportResult is the response to ReportViolation.
type ReportResult struct {
	Success   bool   `json:"success,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Message   string `json:"message,omitempty"`
	Count     int    `json:"count,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// AutoSubmitRequest records a forced submission.
type AutoSubmitRequest struct {
	FinalViolationCount int    `json:"finalViolationCount,omitempty"`
	Success             bool   `json:"success"`
	Method              string `json:"method,omitempty"`
	StudentName         string `json:"studentName,omitempty"`
	StudentEmail        string `json:"studentEmail,omitempty"`
}

// AutoSubmitResult is the response to AutoSubmit.
type AutoSubmitResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

// ClearStatusRequest identifies the student for a clearance check.
type ClearStatusRequest struct {
	SessionID    string `json:"sessionId,omitempty"`
	StudentName  string `json:"studentName,omitempty"`
	StudentEmail string `json:"studentEmail,omitempty"`
}

// ClearStatusResult is the response to CheckClearStatus. ClearStatus is nil
// when the student is not cleared.
type ClearStatusResult struct {
	Success     bool              `json:"success"`
	ClearStatus *clearance.Status `json:"clearStatus"`
}
