// Package session implements the authoritative exam session store: the
// per-form record of violation counts, submission and clearance state, with
// sliding TTL expiry and persistence through a key-value store.
package session

import (
	"net/url"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTL is the sliding expiry window applied after every
	// qualifying event (violation, submission).
	DefaultTTL = 60 * time.Minute

	// DefaultHistoryLimit caps the per-session violation history.
	DefaultHistoryLimit = 50

	// DefaultMaxCountJump bounds how far a caller-supplied violation count
	// may jump ahead of the stored count in a single report.
	DefaultMaxCountJump = 25

	// DefaultStorageKey is the key-value store entry holding the session map.
	DefaultStorageKey = "examlockd.sessionStore"
)

// ViolationEvent is one accepted violation in a session's history.
type ViolationEvent struct {
	Trigger   string         `json:"trigger"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AutoSubmitRecord captures how a forced submission was performed.
type AutoSubmitRecord struct {
	Success    bool   `json:"success"`
	Method     string `json:"method,omitempty"`
	RecordedAt string `json:"recordedAt"`
}

// Session is the authoritative record for one form, keyed by its normalized
// form key. All timestamps are epoch milliseconds; zero means unset.
type Session struct {
	SessionID        string            `json:"sessionId"`
	FormKey          string            `json:"formKey"`
	StudentName      string            `json:"studentName"`
	StudentEmail     string            `json:"studentEmail"`
	ViolationCount   int               `json:"violationCount"`
	ViolationHistory []ViolationEvent  `json:"violationHistory,omitempty"`
	StartedAt        int64             `json:"startedAt"`
	UpdatedAt        int64             `json:"updatedAt"`
	LastViolationAt  int64             `json:"lastViolationAt,omitempty"`
	ExpiresAt        int64             `json:"expiresAt,omitempty"`
	ExamSubmitted    bool              `json:"examSubmitted"`
	ClearedAt        int64             `json:"clearedAt,omitempty"`
	AutoSubmit       *AutoSubmitRecord `json:"autoSubmit,omitempty"`
}

// Expired reports whether the session's expiry window has lapsed.
// A session without an expiry never expires.
func (s *Session) Expired(now int64) bool {
	if s == nil {
		return true
	}
	return s.ExpiresAt != 0 && s.ExpiresAt <= now
}

// ExtendExpiry slides the expiry window to at least now + ttl.
// The window never moves backwards.
func (s *Session) ExtendExpiry(now int64, ttl time.Duration) {
	target := now + ttl.Milliseconds()
	if target > s.ExpiresAt {
		s.ExpiresAt = target
	}
}

// appendHistory records an event, evicting the oldest beyond limit.
func (s *Session) appendHistory(ev ViolationEvent, limit int) {
	s.ViolationHistory = append(s.ViolationHistory, ev)
	if limit > 0 && len(s.ViolationHistory) > limit {
		s.ViolationHistory = s.ViolationHistory[len(s.ViolationHistory)-limit:]
	}
}

// newSession creates a session for a form key from seed identity data.
func newSession(formKey string, seed Seed, now int64) *Session {
	name := seed.StudentName
	if name == "" {
		name = "Unknown"
	}
	return &Session{
		SessionID:     uuid.NewString(),
		FormKey:       formKey,
		StudentName:   name,
		StudentEmail:  seed.StudentEmail,
		StartedAt:     now,
		UpdatedAt:     now,
		ExamSubmitted: seed.ExamSubmitted,
	}
}

// NormalizeFormKey reduces a form URL to scheme+host+path, stripping query
// and fragment. Unparseable input is returned unchanged; empty input yields
// the empty key.
func NormalizeFormKey(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host + u.Path
}

// nowMillis returns the current time in epoch milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
