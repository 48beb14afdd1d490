package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examlock/examlockd/pkg/clearance"
	"github.com/examlock/examlockd/pkg/kvstore"
	"github.com/examlock/examlockd/pkg/webhook"
)

const (
	testFormURL = "https://docs.google.com/forms/d/e/test123/viewform"
	testFormKey = "https://docs.google.com/forms/d/e/test123/viewform"
)

// fakeClock drives a coordinator's notion of time in epoch milliseconds.
type fakeClock struct {
	now int64
}

func (f *fakeClock) millis() int64 { return f.now }

func (f *fakeClock) advance(d time.Duration) { f.now += d.Milliseconds() }

// captureRelay records relayed violations on a channel.
type captureRelay struct {
	records chan webhook.ViolationRecord
}

func newCaptureRelay() *captureRelay {
	return &captureRelay{records: make(chan webhook.ViolationRecord, 16)}
}

func (r *captureRelay) LogViolation(_ context.Context, rec webhook.ViolationRecord) error {
	r.records <- rec
	return nil
}

// funcProvider delegates clearance checks to a test hook.
type funcProvider struct {
	check func(context.Context, clearance.Query) (*clearance.Status, error)
}

func (p *funcProvider) Check(ctx context.Context, q clearance.Query) (*clearance.Status, error) {
	return p.check(ctx, q)
}

// stubProvider returns a fixed clearance answer.
type stubProvider struct {
	status *clearance.Status
	err    error
}

func (p *stubProvider) Check(context.Context, clearance.Query) (*clearance.Status, error) {
	return p.status, p.err
}

func newTestCoordinator(t *testing.T, relay Relay, provider clearance.Provider) (*Coordinator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Now().UnixMilli()}
	c := NewCoordinator(kvstore.NewMemoryStore(), relay, provider, Config{})
	c.now = clock.millis
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c, clock
}

func TestInitSessionCreatesAndMerges(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	res, err := c.InitSession(ctx, testFormURL+"?usp=sf_link", Seed{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.SessionID)
	assert.Zero(t, res.ViolationCount)
	assert.False(t, res.ExamSubmitted)

	// Re-init with identity merges into the same session.
	res2, err := c.InitSession(ctx, testFormURL, Seed{StudentName: "Ada", StudentEmail: "ada@school.edu"})
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, res2.SessionID)

	count, err := c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Zero(t, count.Count)
}

func TestInitSessionMissingFormKey(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)

	_, err := c.InitSession(context.Background(), "", Seed{})
	assert.ErrorIs(t, err, ErrMissingFormKey)
}

func TestGetViolationCountWithoutFormKeyReadsZero(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)

	count, err := c.GetViolationCount(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, count.Count)
	assert.False(t, count.ExamSubmitted)
}

func TestReportViolationIncrementsMonotonically(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	_, err := c.InitSession(ctx, testFormURL, Seed{StudentName: "Ada"})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		res, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch"})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, i, res.Count)
	}

	count, err := c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Equal(t, 5, count.Count)
}

func TestReportViolationTakesMaxOfSuppliedAndIncrement(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	// Supplied count ahead of stored wins.
	res, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch", ViolationCount: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)

	// Supplied count behind stored+1 loses.
	res, err = c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch", ViolationCount: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count)
}

func TestReportViolationClampsLargeJumps(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	res, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch", ViolationCount: 10_000})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxCountJump, res.Count)
}

func TestReportViolationIgnoredAfterSubmit(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	_, err := c.InitSession(ctx, testFormURL, Seed{})
	require.NoError(t, err)

	sub, err := c.AutoSubmit(ctx, testFormURL, AutoSubmitRequest{FinalViolationCount: 4, Success: true, Method: "forced"})
	require.NoError(t, err)
	require.True(t, sub.Success)

	res, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch"})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.False(t, res.Success)

	// The count did not move.
	count, err := c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Equal(t, 4, count.Count)
	assert.True(t, count.ExamSubmitted)
}

func TestReportViolationExtendsExpiryAndRevokesClearance(t *testing.T) {
	provider := &stubProvider{status: &clearance.Status{
		Cleared:   true,
		ClearedAt: time.Now().UTC().Format(time.RFC3339),
		Source:    "record",
	}}
	c, clock := newTestCoordinator(t, nil, provider)
	ctx := context.Background()

	_, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch"})
	require.NoError(t, err)

	res, err := c.CheckClearStatus(ctx, testFormURL, ClearStatusRequest{StudentEmail: "ada@school.edu"})
	require.NoError(t, err)
	require.NotNil(t, res.ClearStatus)

	count, err := c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Zero(t, count.Count)
	assert.NotZero(t, count.ClearedAt)

	// A new violation starts the count over and revokes the clearance.
	clock.advance(time.Second)
	rep, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "fullscreen-exit"})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count)
	assert.Equal(t, clock.millis()+DefaultTTL.Milliseconds(), rep.ExpiresAt)

	count, err = c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Zero(t, count.ClearedAt)
}

func TestExpiredSessionIsSweptBeforeReads(t *testing.T) {
	c, clock := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	res, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch", ViolationCount: 3})
	require.NoError(t, err)
	require.Equal(t, 3, res.Count)

	clock.advance(DefaultTTL + time.Minute)

	count, err := c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Zero(t, count.Count, "expired session reads as absent")

	// A new report starts a fresh session at count 1.
	rep, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch"})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count)
}

func TestViolationWithinWindowSurvives(t *testing.T) {
	c, clock := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	_, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch"})
	require.NoError(t, err)

	clock.advance(DefaultTTL / 2)

	count, err := c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Equal(t, 1, count.Count)
}

func TestAutoSubmitRaisesCountAndRecordsMethod(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	_, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch", ViolationCount: 2})
	require.NoError(t, err)

	res, err := c.AutoSubmit(ctx, testFormURL, AutoSubmitRequest{FinalViolationCount: 4, Success: true, Method: "forced"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.SessionID)

	count, err := c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Equal(t, 4, count.Count)
	assert.True(t, count.ExamSubmitted)

	c.mu.Lock()
	sess := c.sessions[testFormKey]
	c.mu.Unlock()
	require.NotNil(t, sess.AutoSubmit)
	assert.Equal(t, "forced", sess.AutoSubmit.Method)
	assert.True(t, sess.AutoSubmit.Success)
}

func TestCheckClearStatusWithoutProvider(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)

	res, err := c.CheckClearStatus(context.Background(), testFormURL, ClearStatusRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.ClearStatus)
}

func TestCheckClearStatusProviderFailureIsSoft(t *testing.T) {
	provider := &stubProvider{err: errors.New("upstream down")}
	c, _ := newTestCoordinator(t, nil, provider)
	ctx := context.Background()

	_, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch"})
	require.NoError(t, err)

	res, err := c.CheckClearStatus(ctx, testFormURL, ClearStatusRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.ClearStatus)

	// Count untouched.
	count, err := c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Equal(t, 1, count.Count)
}

func TestStatePersistsAcrossCoordinators(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	ctx := context.Background()

	c1 := NewCoordinator(kv, nil, nil, Config{})
	res, err := c1.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch", ViolationCount: 3, StudentName: "Ada"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Count)
	require.NoError(t, c1.Close())

	// A fresh coordinator over the same store picks up where the first left off.
	c2 := NewCoordinator(kv, nil, nil, Config{})
	count, err := c2.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Equal(t, 3, count.Count)

	rep, err := c2.ReportViolation(ctx, testFormURL, Report{Trigger: "copy-attempt"})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Count)
	require.NoError(t, c2.Close())
}

func TestReportViolationRelaysToSink(t *testing.T) {
	relay := newCaptureRelay()
	c, _ := newTestCoordinator(t, relay, nil)
	ctx := context.Background()

	_, err := c.InitSession(ctx, testFormURL, Seed{StudentName: "Ada", StudentEmail: "ada@school.edu"})
	require.NoError(t, err)

	_, err = c.ReportViolation(ctx, testFormURL, Report{
		Trigger:   "tab-switch",
		IPAddress: "203.0.113.9",
		UserAgent: "test-agent",
		Metadata:  map[string]any{"hidden": true},
	})
	require.NoError(t, err)

	select {
	case rec := <-relay.records:
		assert.Equal(t, "tab-switch", rec.ViolationType)
		assert.Equal(t, 1, rec.ViolationCount)
		assert.Equal(t, "Ada", rec.StudentName)
		assert.Equal(t, "ada@school.edu", rec.StudentEmail)
		assert.Equal(t, testFormKey, rec.FormURL)
		assert.Equal(t, "203.0.113.9", rec.IPAddress)
	case <-time.After(5 * time.Second):
		t.Fatal("violation was not relayed")
	}
}

func TestConcurrentReportsOnOneKeySerialize(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	// Every report must observe the count left by the previous one; two
	// racing reports reading the same previous count would lose increments.
	const workers = 64
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			res, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch"})
			assert.NoError(t, err)
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()

	count, err := c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Equal(t, workers, count.Count)
}

func TestCheckClearStatusSurvivesSweepDuringProviderCall(t *testing.T) {
	var (
		c     *Coordinator
		clock *fakeClock
	)
	provider := &funcProvider{check: func(ctx context.Context, _ clearance.Query) (*clearance.Status, error) {
		// While the provider call is in flight, the session expires and an
		// operation elsewhere runs the sweep that removes it.
		clock.advance(DefaultTTL + time.Minute)
		c.prepare(ctx, clock.millis())
		return &clearance.Status{Cleared: true, Source: "record"}, nil
	}}
	c, clock = newTestCoordinator(t, nil, provider)
	ctx := context.Background()

	_, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch"})
	require.NoError(t, err)

	res, err := c.CheckClearStatus(ctx, testFormURL, ClearStatusRequest{StudentEmail: "ada@school.edu"})
	require.NoError(t, err)
	require.NotNil(t, res.ClearStatus)

	// The clearance landed in the live map, not on the swept entry.
	count, err := c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	assert.Zero(t, count.Count)
	assert.NotZero(t, count.ClearedAt)
}

func TestSessionsAreIndependentPerFormKey(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	other := "https://docs.google.com/forms/d/e/other456/viewform"

	_, err := c.ReportViolation(ctx, testFormURL, Report{Trigger: "tab-switch", ViolationCount: 3})
	require.NoError(t, err)
	_, err = c.ReportViolation(ctx, other, Report{Trigger: "tab-switch"})
	require.NoError(t, err)

	a, err := c.GetViolationCount(ctx, testFormURL)
	require.NoError(t, err)
	b, err := c.GetViolationCount(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Count)
	assert.Equal(t, 1, b.Count)
}
