package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/examlock/examlockd/pkg/kvstore"
)

// mirrorKeyPrefix namespaces per-form mirror entries in the key-value store.
const mirrorKeyPrefix = "examlockd.monitor."

// MirrorState is the monitor's local, possibly-stale copy of session state.
// It exists so cooldown and lockout decisions survive a page reload even
// when the coordinator is unreachable; the coordinator's copy stays
// authoritative.
type MirrorState struct {
	SessionID       string `json:"sessionId,omitempty"`
	StudentName     string `json:"studentName,omitempty"`
	StudentEmail    string `json:"studentEmail,omitempty"`
	Count           int    `json:"count"`
	LastViolationAt int64  `json:"lastViolationAt,omitempty"`
	Submitted       bool   `json:"submitted"`
}

// Mirror persists MirrorState through a key-value store, keyed by form key.
// Persistence is best-effort; failures are logged and the in-memory state
// remains usable.
type Mirror struct {
	kv  kvstore.Store
	key string

	mu    sync.Mutex
	state MirrorState
}

// NewMirror creates a mirror for one form key.
func NewMirror(kv kvstore.Store, formKey string) *Mirror {
	return &Mirror{kv: kv, key: mirrorKeyPrefix + formKey}
}

// Load reads any persisted state. A missing or corrupt entry yields the
// zero state.
func (m *Mirror) Load(ctx context.Context) {
	raw, err := m.kv.Get(ctx, m.key)
	if err != nil {
		slog.Warn("monitor: failed to load local mirror", "error", err)
		return
	}
	if raw == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := json.Unmarshal(raw, &m.state); err != nil {
		slog.Warn("monitor: corrupt local mirror discarded", "error", err)
		m.state = MirrorState{}
	}
}

// State returns a copy of the current mirror state.
func (m *Mirror) State() MirrorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Update applies fn to the state and persists the result.
func (m *Mirror) Update(ctx context.Context, fn func(*MirrorState)) MirrorState {
	m.mu.Lock()
	fn(&m.state)
	state := m.state
	m.mu.Unlock()

	m.persist(ctx, state)
	return state
}

// Increment bumps the local count and timestamps the violation.
func (m *Mirror) Increment(ctx context.Context, now int64) MirrorState {
	return m.Update(ctx, func(s *MirrorState) {
		s.Count++
		s.LastViolationAt = now
	})
}

// Reconcile overwrites the local count with the authoritative one when the
// authority is ahead.
func (m *Mirror) Reconcile(ctx context.Context, authoritative int) MirrorState {
	return m.Update(ctx, func(s *MirrorState) {
		if authoritative > s.Count {
			s.Count = authoritative
		}
	})
}

// Clear zeroes violation state and the submitted mark after a clearance.
func (m *Mirror) Clear(ctx context.Context) MirrorState {
	return m.Update(ctx, func(s *MirrorState) {
		s.Count = 0
		s.LastViolationAt = 0
		s.Submitted = false
	})
}

// Reset discards all local state, including identity, for a fresh retake.
func (m *Mirror) Reset(ctx context.Context) {
	m.mu.Lock()
	m.state = MirrorState{}
	m.mu.Unlock()

	if err := m.kv.Remove(ctx, m.key); err != nil {
		slog.Warn("monitor: failed to remove local mirror", "error", err)
	}
}

func (m *Mirror) persist(ctx context.Context, state MirrorState) {
	raw, err := json.Marshal(state)
	if err != nil {
		slog.Warn("monitor: failed to encode local mirror", "error", fmt.Errorf("encoding mirror: %w", err))
		return
	}
	if err := m.kv.Set(ctx, m.key, raw); err != nil {
		slog.Warn("monitor: failed to persist local mirror", "error", err)
	}
}
