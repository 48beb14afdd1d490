// Package clearance resolves admin-issued violation clearances. Exactly one
// provider strategy is active at a time: a direct record lookup against a SQL
// table, or a round-trip through the remote webhook sink.
package clearance

import (
	"context"
)

// Query identifies the student and form a clearance check is about.
type Query struct {
	FormKey      string
	SessionID    string
	StudentName  string
	StudentEmail string
}

// Status is a positive clearance result. A nil *Status means "not cleared".
type Status struct {
	Cleared   bool   `json:"cleared"`
	ClearedAt string `json:"clearedAt,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Provider answers clearance queries. Errors are soft: callers treat a
// failed check as "not cleared" and keep the session state unchanged.
type Provider interface {
	Check(ctx context.Context, q Query) (*Status, error)
}
