package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/examlock/examlockd/pkg/kvstore"
	"github.com/examlock/examlockd/pkg/session"
	"github.com/examlock/examlockd/pkg/webhook"
)

// State is the monitor's position in the exam lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateSetup
	StateActive
	StateAwaitingFullscreen
	StateLocked
	StateSubmitted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSetup:
		return "setup"
	case StateActive:
		return "active"
	case StateAwaitingFullscreen:
		return "awaiting-fullscreen"
	case StateLocked:
		return "locked"
	case StateSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// TypeFullscreenRestored is the pseudo-signal for re-entering fullscreen.
// It dismisses the fullscreen prompt and never counts as a violation.
const TypeFullscreenRestored = "fullscreen-restored"

const (
	// DefaultMaxViolations is the local lockout threshold.
	DefaultMaxViolations = 4

	// DefaultSuppressedLimit caps the retained queue of cooldown-suppressed
	// events.
	DefaultSuppressedLimit = 100
)

// ErrSubmissionFailed indicates the underlying form's submit action did not
// reach a confirmation state. The monitor rolls back to its prior state so
// the student may retry.
var ErrSubmissionFailed = errors.New("monitor: submission failed")

// ErrNotAccepting indicates an operation was attempted from a state that
// does not allow it.
var ErrNotAccepting = errors.New("monitor: operation not allowed in current state")

// FallbackSink receives violations directly when the coordinator is
// unreachable. *webhook.Sink satisfies it.
type FallbackSink interface {
	LogViolation(ctx context.Context, rec webhook.ViolationRecord) error
}

// SuppressedEvent is a raw signal rejected by the cooldown gate.
type SuppressedEvent struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
}

// Config configures a Monitor.
type Config struct {
	// FormURL identifies the exam form. Required.
	FormURL string

	// MaxViolations is the lockout threshold. Defaults to DefaultMaxViolations.
	MaxViolations int

	// Rules is the violation rule table. Defaults to DefaultRules.
	Rules Rules

	// SuppressedLimit caps the suppressed-event queue. Defaults to
	// DefaultSuppressedLimit.
	SuppressedLimit int

	// Polling configures the heartbeat watchdog and the clearance and
	// submission-expiry pollers.
	Polling PollingConfig
}

// Monitor is the per-page watchdog. One instance serves one page load; all
// methods are safe for concurrent use.
type Monitor struct {
	cfg      Config
	formKey  string
	coord    Coordinator
	page     Page
	mirror   *Mirror
	fallback FallbackSink

	mu           sync.Mutex
	state        State
	lastAccepted map[string]int64
	suppressed   []SuppressedEvent
	lastBeat     int64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() int64
}

// New creates a monitor. fallback may be nil when no direct sink path is
// configured.
func New(coord Coordinator, page Page, kv kvstore.Store, fallback FallbackSink, cfg Config) (*Monitor, error) {
	formKey := session.NormalizeFormKey(cfg.FormURL)
	if formKey == "" {
		return nil, session.ErrMissingFormKey
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = DefaultMaxViolations
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.SuppressedLimit <= 0 {
		cfg.SuppressedLimit = DefaultSuppressedLimit
	}
	cfg.Polling.applyDefaults()

	return &Monitor{
		cfg:          cfg,
		formKey:      formKey,
		coord:        coord,
		page:         page,
		mirror:       NewMirror(kv, formKey),
		fallback:     fallback,
		state:        StateUninitialized,
		lastAccepted: make(map[string]int64),
		now:          func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Suppressed returns a copy of the cooldown-suppressed event queue.
func (m *Monitor) Suppressed() []SuppressedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SuppressedEvent, len(m.suppressed))
	copy(out, m.suppressed)
	return out
}

// Start loads the local mirror, registers the session with the coordinator,
// and recovers prior state: a submitted session lands in Submitted, a known
// student in Active (skipping Setup), otherwise Setup. It also starts the
// heartbeat watchdog and the background pollers.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUninitialized {
		m.mu.Unlock()
		return ErrNotAccepting
	}
	m.state = StateSetup
	m.mu.Unlock()

	m.mirror.Load(ctx)
	local := m.mirror.State()

	next := StateSetup
	res, err := m.coord.InitSession(ctx, m.cfg.FormURL, session.Seed{
		StudentName:  local.StudentName,
		StudentEmail: local.StudentEmail,
	})
	switch {
	case err != nil:
		// Coordinator unreachable: trust the local mirror.
		slog.Warn("monitor: coordinator unreachable on init, using local mirror",
			"form_key", m.formKey, "error", err)
		if local.Submitted {
			next = StateSubmitted
		} else if local.StudentName != "" {
			next = StateActive
		}
	case res.ExamSubmitted:
		next = StateSubmitted
		m.mirror.Update(ctx, func(s *MirrorState) {
			s.SessionID = res.SessionID
			s.Submitted = true
		})
	default:
		m.mirror.Update(ctx, func(s *MirrorState) {
			s.SessionID = res.SessionID
			if res.ViolationCount > s.Count {
				s.Count = res.ViolationCount
			}
			s.Submitted = false
		})
		if local.StudentName != "" {
			next = StateActive
		}
	}

	m.mu.Lock()
	m.state = next
	m.lastBeat = m.now()
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.startPollers(runCtx)

	slog.Info("monitor: started", "form_key", m.formKey, "state", next.String())
	return nil
}

// BeginExam records the student's identity and moves Setup → Active.
func (m *Monitor) BeginExam(ctx context.Context, studentName, studentEmail string) error {
	m.mu.Lock()
	if m.state != StateSetup {
		m.mu.Unlock()
		return ErrNotAccepting
	}
	m.state = StateActive
	m.mu.Unlock()

	m.mirror.Update(ctx, func(s *MirrorState) {
		s.StudentName = studentName
		s.StudentEmail = studentEmail
	})

	if _, err := m.coord.InitSession(ctx, m.cfg.FormURL, session.Seed{
		StudentName:  studentName,
		StudentEmail: studentEmail,
	}); err != nil {
		slog.Warn("monitor: failed to register student with coordinator",
			"form_key", m.formKey, "error", err)
	}
	return nil
}

// Run consumes raw signals until the source closes or ctx is canceled.
func (m *Monitor) Run(ctx context.Context, src SignalSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-src.Signals():
			if !ok {
				return
			}
			if sig.Type == TypeFullscreenRestored {
				m.FullscreenRestored()
				continue
			}
			at := sig.Received
			if at == 0 {
				at = m.now()
			}
			m.handleViolationAt(ctx, sig.Type, sig.Details, at)
		}
	}
}

// HandleViolation is the single entry point for raw violation events.
// It applies the cooldown gate, updates the local mirror, reports to the
// coordinator, and drives the lockout/fullscreen/warning branches. Returns
// true when the event was accepted.
func (m *Monitor) HandleViolation(ctx context.Context, violationType string, details map[string]any) bool {
	return m.handleViolationAt(ctx, violationType, details, m.now())
}

// handleViolationAt runs the violation pipeline against the event's own
// timestamp, so signals that queued before delivery gate against the moment
// they happened.
func (m *Monitor) handleViolationAt(ctx context.Context, violationType string, details map[string]any, now int64) bool {
	rule := m.cfg.Rules.Get(violationType)

	m.mu.Lock()
	if m.state != StateActive && m.state != StateAwaitingFullscreen {
		m.mu.Unlock()
		return false
	}
	if last, ok := m.lastAccepted[violationType]; ok && rule.Cooldown > 0 && now-last < rule.Cooldown.Milliseconds() {
		m.suppressed = append(m.suppressed, SuppressedEvent{Type: violationType, At: now})
		if len(m.suppressed) > m.cfg.SuppressedLimit {
			m.suppressed = m.suppressed[len(m.suppressed)-m.cfg.SuppressedLimit:]
		}
		m.mu.Unlock()
		slog.Debug("monitor: violation suppressed by cooldown",
			"form_key", m.formKey, "type", violationType)
		return false
	}
	m.lastAccepted[violationType] = now
	m.mu.Unlock()

	local := m.mirror.Increment(ctx, now)
	count := local.Count

	res, err := m.coord.ReportViolation(ctx, m.cfg.FormURL, session.Report{
		Trigger:        violationType,
		ViolationCount: local.Count,
		StudentName:    local.StudentName,
		StudentEmail:   local.StudentEmail,
		Metadata:       details,
	})
	switch {
	case err != nil:
		// Unreachable coordinator: trust the local count and ship the
		// violation straight to the sink so the audit trail survives.
		slog.Warn("monitor: coordinator unreachable, trusting local count",
			"form_key", m.formKey, "type", violationType, "error", err)
		m.relayFallback(local, violationType, details)
	case res.Ignored:
		// The store already has this form submitted.
		m.mu.Lock()
		m.state = StateSubmitted
		m.mu.Unlock()
		m.mirror.Update(ctx, func(s *MirrorState) { s.Submitted = true })
		return false
	default:
		count = res.Count
		m.mirror.Reconcile(ctx, count)
	}

	if count >= m.cfg.MaxViolations {
		m.lock(count)
		return true
	}

	if rule.PromptFullscreen {
		m.mu.Lock()
		m.state = StateAwaitingFullscreen
		m.mu.Unlock()
		m.page.PromptFullscreen()
	}
	m.page.ShowWarning(violationType, m.cfg.MaxViolations-count)
	return true
}

// FullscreenRestored dismisses the fullscreen prompt without counting a new
// event.
func (m *Monitor) FullscreenRestored() {
	m.mu.Lock()
	if m.state != StateAwaitingFullscreen {
		m.mu.Unlock()
		return
	}
	m.state = StateActive
	m.mu.Unlock()

	m.page.DismissFullscreenPrompt()
}

// Heartbeat records liveness from the page context. The watchdog raises a
// heartbeat-miss violation when beats stop arriving.
func (m *Monitor) Heartbeat() {
	m.mu.Lock()
	m.lastBeat = m.now()
	m.mu.Unlock()
}

// FinishExam submits the exam. The submitted state is set optimistically and
// rolled back if the underlying submit action fails, so the student may
// retry. On success the coordinator records the auto-submit and the
// confirmation overlay is shown.
func (m *Monitor) FinishExam(ctx context.Context) error {
	m.mu.Lock()
	prev := m.state
	if prev == StateLocked || prev == StateSubmitted || prev == StateUninitialized {
		m.mu.Unlock()
		return ErrNotAccepting
	}
	m.state = StateSubmitted
	m.mu.Unlock()

	local := m.mirror.Update(ctx, func(s *MirrorState) { s.Submitted = true })

	if err := m.page.Submit(ctx); err != nil {
		m.mu.Lock()
		m.state = prev
		m.mu.Unlock()
		m.mirror.Update(ctx, func(s *MirrorState) { s.Submitted = false })
		m.page.ShowSubmissionError(err)
		return fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	if _, err := m.coord.AutoSubmit(ctx, m.cfg.FormURL, session.AutoSubmitRequest{
		FinalViolationCount: local.Count,
		Success:             true,
		Method:              "finish-exam",
		StudentName:         local.StudentName,
		StudentEmail:        local.StudentEmail,
	}); err != nil {
		slog.Warn("monitor: failed to record auto-submit with coordinator",
			"form_key", m.formKey, "error", err)
	}

	m.page.ShowSubmitted()
	slog.Info("monitor: exam submitted", "form_key", m.formKey)
	return nil
}

// Close cancels the pollers and waits for them to stop.
func (m *Monitor) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// lock transitions to the terminal Locked state and renders the blocking
// overlay. The count passed in is authoritative when the coordinator was
// reachable, local otherwise.
func (m *Monitor) lock(count int) {
	m.mu.Lock()
	if m.state == StateLocked {
		m.mu.Unlock()
		return
	}
	m.state = StateLocked
	m.mu.Unlock()

	slog.Info("monitor: lockout threshold reached", "form_key", m.formKey, "count", count)
	m.page.ShowLockdown(count)
}

// applyClearance zeroes local violation state after a positive clearance and
// unlocks a locked page.
func (m *Monitor) applyClearance(ctx context.Context) {
	m.mirror.Clear(ctx)

	m.mu.Lock()
	unlocked := m.state == StateLocked
	if unlocked {
		m.state = StateActive
	}
	m.mu.Unlock()

	if unlocked {
		m.page.DismissLockdown()
	}
	slog.Info("monitor: clearance applied", "form_key", m.formKey, "unlocked", unlocked)
}

// relayFallback ships a violation directly to the sink, off the critical path.
func (m *Monitor) relayFallback(local MirrorState, violationType string, details map[string]any) {
	if m.fallback == nil {
		return
	}
	rec := webhook.ViolationRecord{
		SessionID:      local.SessionID,
		StudentName:    local.StudentName,
		StudentEmail:   local.StudentEmail,
		FormURL:        m.formKey,
		ViolationType:  violationType,
		ViolationCount: local.Count,
		Metadata:       details,
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := m.fallback.LogViolation(ctx, rec); err != nil {
			slog.Error("monitor: fallback relay failed", "form_key", m.formKey, "error", err)
		}
	}()
}
