package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/examlock/examlockd/pkg/session"
)

const (
	// DefaultHeartbeatInterval is the expected spacing of page heartbeats.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultHeartbeatMissLimit is how many intervals may lapse without a
	// beat before a heartbeat-miss violation fires.
	DefaultHeartbeatMissLimit = 2

	// DefaultClearanceInterval is the clearance polling cadence.
	DefaultClearanceInterval = 30 * time.Second

	// DefaultSubmissionInterval is the submission-expiry polling cadence.
	DefaultSubmissionInterval = 5 * time.Second
)

// PollPolicy decides the wait before the next poll attempt. attempt counts
// consecutive polls since the policy was (re)started, beginning at 1.
type PollPolicy interface {
	Next(attempt int) time.Duration
}

// FixedInterval polls at a constant cadence.
type FixedInterval time.Duration

// Next returns the fixed interval regardless of attempt.
func (f FixedInterval) Next(int) time.Duration { return time.Duration(f) }

// Backoff doubles the wait per attempt up to Max. Useful when the clearance
// source is rate-limited.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Next returns Initial * 2^(attempt-1), capped at Max.
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// PollingConfig configures the monitor's timed background work.
type PollingConfig struct {
	// HeartbeatInterval is the expected heartbeat spacing; zero disables
	// the watchdog.
	HeartbeatInterval time.Duration

	// HeartbeatMissLimit is the tolerated number of missed intervals.
	HeartbeatMissLimit int

	// Clearance schedules clearance polls. Defaults to a fixed 30s interval.
	Clearance PollPolicy

	// Submission schedules submission-expiry polls. Defaults to a fixed 5s
	// interval.
	Submission PollPolicy

	// Disabled turns off all background polling; violations are still
	// handled synchronously. Intended for tests and embedding.
	Disabled bool
}

func (c *PollingConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatMissLimit <= 0 {
		c.HeartbeatMissLimit = DefaultHeartbeatMissLimit
	}
	if c.Clearance == nil {
		c.Clearance = FixedInterval(DefaultClearanceInterval)
	}
	if c.Submission == nil {
		c.Submission = FixedInterval(DefaultSubmissionInterval)
	}
}

// startPollers launches the heartbeat watchdog, the clearance poller and the
// submission-expiry poller. All exit when ctx is canceled.
func (m *Monitor) startPollers(ctx context.Context) {
	if m.cfg.Polling.Disabled {
		return
	}

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.heartbeatWatchdog(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.clearancePoller(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.submissionPoller(ctx)
	}()
}

// heartbeatWatchdog raises a heartbeat-miss violation when the page stops
// sending beats for more than the tolerated number of intervals.
func (m *Monitor) heartbeatWatchdog(ctx context.Context) {
	interval := m.cfg.Polling.HeartbeatInterval
	budget := interval.Milliseconds() * int64(m.cfg.Polling.HeartbeatMissLimit)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		active := m.state == StateActive || m.state == StateAwaitingFullscreen
		elapsed := m.now() - m.lastBeat
		missed := active && elapsed > budget
		if missed {
			// Reset so one outage yields one violation per budget window.
			m.lastBeat = m.now()
		}
		m.mu.Unlock()

		if missed {
			m.HandleViolation(ctx, TypeHeartbeatMiss, map[string]any{
				"elapsedMs": elapsed,
			})
		}
	}
}

// clearancePoller periodically asks the coordinator whether the student has
// been cleared. It covers Active and Locked pages so an admin clearance can
// unlock a disqualified student without a reload, and stands down once the
// exam is submitted.
func (m *Monitor) clearancePoller(ctx context.Context) {
	attempt := 0
	for {
		attempt++
		wait := m.cfg.Polling.Clearance.Next(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		switch m.State() {
		case StateSubmitted:
			return
		case StateActive, StateAwaitingFullscreen, StateLocked:
		default:
			continue
		}

		local := m.mirror.State()
		res, err := m.coord.CheckClearStatus(ctx, m.cfg.FormURL, session.ClearStatusRequest{
			SessionID:    local.SessionID,
			StudentName:  local.StudentName,
			StudentEmail: local.StudentEmail,
		})
		if err != nil {
			slog.Warn("monitor: clearance poll failed", "form_key", m.formKey, "error", err)
			continue
		}
		if res.ClearStatus != nil && res.ClearStatus.Cleared {
			m.applyClearance(ctx)
			attempt = 0
		}
	}
}

// submissionPoller watches a submitted session's TTL. Once the store no
// longer marks the form submitted, local state resets to a fresh Setup so a
// retake is possible without a page reload.
func (m *Monitor) submissionPoller(ctx context.Context) {
	attempt := 0
	for {
		attempt++
		wait := m.cfg.Polling.Submission.Next(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if m.State() != StateSubmitted {
			continue
		}

		res, err := m.coord.GetViolationCount(ctx, m.cfg.FormURL)
		if err != nil {
			slog.Warn("monitor: submission-expiry poll failed", "form_key", m.formKey, "error", err)
			continue
		}
		if res.ExamSubmitted {
			continue
		}

		// The submitted session expired out of the store.
		m.mirror.Reset(ctx)
		m.mu.Lock()
		m.state = StateSetup
		m.lastAccepted = make(map[string]int64)
		m.suppressed = nil
		m.mu.Unlock()
		slog.Info("monitor: submitted session expired, ready for retake", "form_key", m.formKey)
		attempt = 0
	}
}
