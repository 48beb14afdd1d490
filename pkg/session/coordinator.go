package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/examlock/examlockd/pkg/clearance"
	"github.com/examlock/examlockd/pkg/kvstore"
	"github.com/examlock/examlockd/pkg/webhook"
)

// stripeCount is the number of per-key serialization stripes.
const stripeCount = 32

// relayTimeout bounds the background webhook relay for one violation.
const relayTimeout = 2 * time.Minute

// ErrMissingFormKey indicates the form key resolved to the empty string.
var ErrMissingFormKey = errors.New("session: missing form key")

// Relay receives accepted violations for delivery to the remote sink.
// *webhook.Sink satisfies it.
type Relay interface {
	LogViolation(ctx context.Context, rec webhook.ViolationRecord) error
}

// Config configures a Coordinator.
type Config struct {
	// TTL is the sliding expiry window. Defaults to DefaultTTL.
	TTL time.Duration

	// HistoryLimit caps violation history length. Defaults to DefaultHistoryLimit.
	HistoryLimit int

	// MaxCountJump bounds forward jumps of caller-supplied counts.
	// Defaults to DefaultMaxCountJump.
	MaxCountJump int

	// StorageKey is the key-value entry holding the persisted session map.
	// Defaults to DefaultStorageKey.
	StorageKey string
}

// Coordinator owns the authoritative form-key → Session mapping. Operations
// on the same form key are serialized; distinct keys proceed concurrently.
// Persistence is best-effort: store failures degrade to memory-only with a
// logged warning, never failing the operation.
type Coordinator struct {
	cfg      Config
	kv       kvstore.Store
	relay    Relay
	provider clearance.Provider

	stripes [stripeCount]sync.Mutex

	mu       sync.Mutex // guards sessions and loaded
	sessions map[string]*Session
	loaded   bool

	persistMu sync.Mutex // serializes snapshot flushes

	relayWG sync.WaitGroup

	now func() int64 // injectable clock, epoch milliseconds
}

// NewCoordinator creates a coordinator over the given store. relay and
// provider may be nil when no sink or clearance provider is configured.
func NewCoordinator(kv kvstore.Store, relay Relay, provider clearance.Provider, cfg Config) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.MaxCountJump <= 0 {
		cfg.MaxCountJump = DefaultMaxCountJump
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultStorageKey
	}
	return &Coordinator{
		cfg:      cfg,
		kv:       kv,
		relay:    relay,
		provider: provider,
		sessions: make(map[string]*Session),
		now:      nowMillis,
	}
}

// Close waits for in-flight webhook relays to finish.
func (c *Coordinator) Close() error {
	c.relayWG.Wait()
	return nil
}

// InitSession creates or refreshes the session for a form URL. Existing
// sessions merge non-empty identity fields; a false→true submitted
// transition extends the expiry window.
func (c *Coordinator) InitSession(ctx context.Context, formURL string, seed Seed) (InitResult, error) {
	key := NormalizeFormKey(formURL)
	if key == "" {
		return InitResult{}, ErrMissingFormKey
	}

	unlock := c.lockKey(key)
	defer unlock()

	now := c.now()
	c.prepare(ctx, now)

	c.mu.Lock()
	sess, ok := c.sessions[key]
	modified := false
	if !ok {
		sess = newSession(key, seed, now)
		c.sessions[key] = sess
		modified = true
	} else {
		if seed.StudentName != "" && seed.StudentName != sess.StudentName {
			sess.StudentName = seed.StudentName
			modified = true
		}
		if seed.StudentEmail != "" && seed.StudentEmail != sess.StudentEmail {
			sess.StudentEmail = seed.StudentEmail
			modified = true
		}
		if seed.ExamSubmitted && !sess.ExamSubmitted {
			sess.ExamSubmitted = true
			sess.ExtendExpiry(now, c.cfg.TTL)
			modified = true
		}
		sess.UpdatedAt = now
	}
	res := InitResult{
		Success:         true,
		SessionID:       sess.SessionID,
		ViolationCount:  sess.ViolationCount,
		ExpiresAt:       sess.ExpiresAt,
		ExamSubmitted:   sess.ExamSubmitted,
		LastViolationAt: sess.LastViolationAt,
		ClearedAt:       sess.ClearedAt,
	}
	c.mu.Unlock()

	if modified {
		c.persist(ctx)
	}
	return res, nil
}

// GetViolationCount returns the current count and state for a form URL.
// Unknown and expired sessions yield the zero result, as does an empty form
// key: reads never fail on identity, only writes do.
func (c *Coordinator) GetViolationCount(ctx context.Context, formURL string) (CountResult, error) {
	key := NormalizeFormKey(formURL)
	if key == "" {
		return CountResult{}, nil
	}

	unlock := c.lockKey(key)
	defer unlock()

	now := c.now()
	c.prepare(ctx, now)

	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[key]
	if !ok {
		return CountResult{}, nil
	}
	return CountResult{
		Count:         sess.ViolationCount,
		ExpiresAt:     sess.ExpiresAt,
		ExamSubmitted: sess.ExamSubmitted,
		ClearedAt:     sess.ClearedAt,
	}, nil
}

// ReportViolation records an accepted violation. Submitted sessions ignore
// the report. The effective count is max(previous+1, supplied), with supplied
// jumps clamped to MaxCountJump ahead of the stored count. The violation is
// relayed to the sink asynchronously; relay failures never surface here.
func (c *Coordinator) ReportViolation(ctx context.Context, formURL string, rep Report) (ReportResult, error) {
	key := NormalizeFormKey(formURL)
	if key == "" {
		return ReportResult{}, ErrMissingFormKey
	}

	unlock := c.lockKey(key)
	defer unlock()

	now := c.now()
	c.prepare(ctx, now)

	c.mu.Lock()
	sess, ok := c.sessions[key]
	if !ok {
		sess = newSession(key, Seed{StudentName: rep.StudentName, StudentEmail: rep.StudentEmail}, now)
		c.sessions[key] = sess
	}

	if sess.ExamSubmitted {
		c.mu.Unlock()
		slog.Info("session: violation ignored, already submitted",
			"session_id", sess.SessionID, "form_key", key)
		return ReportResult{Ignored: true, Message: "Session already submitted"}, nil
	}

	prev := sess.ViolationCount
	count := prev + 1
	if rep.ViolationCount > count {
		if rep.ViolationCount-prev > c.cfg.MaxCountJump {
			count = prev + c.cfg.MaxCountJump
			slog.Warn("session: supplied count clamped",
				"form_key", key, "supplied", rep.ViolationCount, "stored", prev)
		} else {
			count = rep.ViolationCount
		}
	}

	sess.ViolationCount = count
	sess.LastViolationAt = now
	sess.UpdatedAt = now
	if rep.StudentName != "" {
		sess.StudentName = rep.StudentName
	}
	if rep.StudentEmail != "" {
		sess.StudentEmail = rep.StudentEmail
	}
	sess.ExtendExpiry(now, c.cfg.TTL)
	// A fresh violation always revokes a stale clearance.
	sess.ClearedAt = 0
	sess.appendHistory(ViolationEvent{
		Trigger:   rep.Trigger,
		Timestamp: now,
		Metadata:  rep.Metadata,
	}, c.cfg.HistoryLimit)

	rec := webhook.ViolationRecord{
		SessionID:      sess.SessionID,
		StudentName:    sess.StudentName,
		StudentEmail:   sess.StudentEmail,
		FormURL:        key,
		ViolationType:  rep.Trigger,
		ViolationCount: sess.ViolationCount,
		Metadata:       rep.Metadata,
		IPAddress:      rep.IPAddress,
		UserAgent:      rep.UserAgent,
	}
	res := ReportResult{Success: true, Count: sess.ViolationCount, ExpiresAt: sess.ExpiresAt}
	c.mu.Unlock()

	c.persist(ctx)
	c.relayViolation(rec)

	return res, nil
}

// AutoSubmit marks a form submitted, raising the count to at least the
// supplied final count and extending the expiry window.
func (c *Coordinator) AutoSubmit(ctx context.Context, formURL string, req AutoSubmitRequest) (AutoSubmitResult, error) {
	key := NormalizeFormKey(formURL)
	if key == "" {
		return AutoSubmitResult{}, ErrMissingFormKey
	}

	unlock := c.lockKey(key)
	defer unlock()

	now := c.now()
	c.prepare(ctx, now)

	c.mu.Lock()
	sess, ok := c.sessions[key]
	if !ok {
		sess = newSession(key, Seed{StudentName: req.StudentName, StudentEmail: req.StudentEmail}, now)
		c.sessions[key] = sess
	}

	sess.ExamSubmitted = true
	sess.UpdatedAt = now
	sess.LastViolationAt = now
	if req.FinalViolationCount > sess.ViolationCount {
		sess.ViolationCount = req.FinalViolationCount
	}
	sess.AutoSubmit = &AutoSubmitRecord{
		Success:    req.Success,
		Method:     req.Method,
		RecordedAt: time.UnixMilli(now).UTC().Format(time.RFC3339),
	}
	sess.ExtendExpiry(now, c.cfg.TTL)
	res := AutoSubmitResult{Success: true, SessionID: sess.SessionID}
	c.mu.Unlock()

	c.persist(ctx)

	slog.Info("session: auto-submit recorded", "session_id", res.SessionID, "form_key", key)
	return res, nil
}

// CheckClearStatus consults the configured clearance provider. A positive
// result zeroes the violation count, clears history, and stamps ClearedAt.
// Provider failures are soft: the result is "not cleared".
func (c *Coordinator) CheckClearStatus(ctx context.Context, formURL string, req ClearStatusRequest) (ClearStatusResult, error) {
	key := NormalizeFormKey(formURL)
	if key == "" {
		return ClearStatusResult{}, ErrMissingFormKey
	}

	unlock := c.lockKey(key)
	defer unlock()

	now := c.now()
	c.prepare(ctx, now)

	c.mu.Lock()
	sess, ok := c.sessions[key]
	if !ok {
		sess = newSession(key, Seed{StudentName: req.StudentName, StudentEmail: req.StudentEmail}, now)
		c.sessions[key] = sess
	}
	q := clearance.Query{
		FormKey:      key,
		SessionID:    firstNonEmpty(req.SessionID, sess.SessionID),
		StudentName:  firstNonEmpty(req.StudentName, sess.StudentName),
		StudentEmail: firstNonEmpty(req.StudentEmail, sess.StudentEmail),
	}
	c.mu.Unlock()

	if c.provider == nil {
		return ClearStatusResult{Success: true}, nil
	}

	status, err := c.provider.Check(ctx, q)
	if err != nil {
		slog.Warn("session: clearance check failed", "form_key", key, "error", err)
		return ClearStatusResult{Success: true}, nil
	}
	if status == nil || !status.Cleared {
		return ClearStatusResult{Success: true}, nil
	}

	// The provider round-trip can be slow; re-read the clock so the session
	// written below is not already expired.
	now = c.now()

	clearedAt := now
	if t, err := time.Parse(time.RFC3339, status.ClearedAt); err == nil {
		clearedAt = t.UnixMilli()
	} else {
		status.ClearedAt = time.UnixMilli(now).UTC().Format(time.RFC3339)
	}

	// The sweep may have removed the session while the provider call was in
	// flight. Mutating the pointer captured above would lose the clearance,
	// so re-fetch from the live map and recreate the entry when needed.
	c.mu.Lock()
	sess, ok = c.sessions[key]
	if !ok || sess.Expired(now) {
		sess = newSession(key, Seed{StudentName: q.StudentName, StudentEmail: q.StudentEmail}, now)
		c.sessions[key] = sess
	}
	sess.ViolationCount = 0
	sess.ViolationHistory = nil
	sess.ClearedAt = clearedAt
	sess.UpdatedAt = now
	c.mu.Unlock()

	c.persist(ctx)

	slog.Info("session: clearance applied",
		"form_key", key, "source", status.Source, "cleared_at", status.ClearedAt)
	return ClearStatusResult{Success: true, ClearStatus: status}, nil
}

// lockKey serializes operations for one form key via a hashed stripe.
func (c *Coordinator) lockKey(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &c.stripes[h.Sum32()%stripeCount]
	m.Lock()
	return m.Unlock
}

// prepare lazily loads the persisted map and runs the expiry sweep.
// Every externally observed read reflects current expiry.
func (c *Coordinator) prepare(ctx context.Context, now int64) {
	c.mu.Lock()
	if !c.loaded {
		c.loadLocked(ctx)
	}
	modified := c.sweepLocked(now)
	c.mu.Unlock()

	if modified {
		c.persist(ctx)
	}
}

// loadLocked reads the persisted session map. Failures log a warning and
// start from an empty map (memory-only degradation). Caller holds c.mu.
func (c *Coordinator) loadLocked(ctx context.Context) {
	c.loaded = true

	raw, err := c.kv.Get(ctx, c.cfg.StorageKey)
	if err != nil {
		slog.Warn("session: failed to load persisted store, degrading to memory",
			"error", err)
		return
	}
	if raw == nil {
		return
	}
	if err := json.Unmarshal(raw, &c.sessions); err != nil {
		slog.Warn("session: corrupt persisted store discarded", "error", err)
		c.sessions = make(map[string]*Session)
	}
}

// sweepLocked removes expired sessions and clears stale clearances.
// Returns true when the map changed. Caller holds c.mu.
func (c *Coordinator) sweepLocked(now int64) bool {
	modified := false
	for key, sess := range c.sessions {
		if sess.Expired(now) {
			slog.Debug("session: expired, removing", "form_key", key, "expires_at", sess.ExpiresAt)
			delete(c.sessions, key)
			modified = true
			continue
		}
		// A clearance must not outlive the window it was granted against.
		if sess.ClearedAt != 0 && sess.ExpiresAt != 0 && sess.ExpiresAt <= now {
			sess.ClearedAt = 0
			modified = true
		}
	}
	return modified
}

// persist flushes a consistent snapshot of the session map to the store.
// Failures are logged; in-memory state remains authoritative.
func (c *Coordinator) persist(ctx context.Context) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	raw, err := json.Marshal(c.sessions)
	c.mu.Unlock()
	if err != nil {
		slog.Warn("session: failed to encode store snapshot", "error", err)
		return
	}

	if err := c.kv.Set(ctx, c.cfg.StorageKey, raw); err != nil {
		slog.Warn("session: failed to persist store", "error", err)
	}
}

// relayViolation ships the record to the sink off the critical path.
func (c *Coordinator) relayViolation(rec webhook.ViolationRecord) {
	if c.relay == nil {
		return
	}
	c.relayWG.Add(1)
	go func() {
		defer c.relayWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		defer cancel()
		if err := c.relay.LogViolation(ctx, rec); err != nil {
			slog.Error("session: violation relay failed",
				"session_id", rec.SessionID, "error", fmt.Errorf("relaying violation: %w", err))
		}
	}()
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
