package monitor

import (
	"context"

	"github.com/examlock/examlockd/pkg/session"
)

// Signal is one raw platform event from a signal source.
type Signal struct {
	Type     string
	Details  map[string]any
	Received int64 // epoch milliseconds; zero means "now"
}

// SignalSource delivers raw platform events (visibility, focus, keys,
// clipboard, fullscreen, DOM mutations) to the monitor. The channel is
// closed when the source is torn down.
type SignalSource interface {
	Signals() <-chan Signal
}

// Page is the exam surface the monitor controls. Implementations render
// overlays and perform the underlying form's own submit action.
type Page interface {
	// ShowWarning renders a transient warning with the remaining allowance.
	ShowWarning(violationType string, remaining int)

	// ShowLockdown renders the blocking overlay that disables the form.
	ShowLockdown(count int)

	// DismissLockdown removes the blocking overlay after a clearance.
	DismissLockdown()

	// PromptFullscreen asks the student to re-enter fullscreen.
	PromptFullscreen()

	// DismissFullscreenPrompt removes the fullscreen prompt.
	DismissFullscreenPrompt()

	// Submit performs the underlying form's submit action.
	Submit(ctx context.Context) error

	// ShowSubmitted renders the post-submission confirmation.
	ShowSubmitted()

	// ShowSubmissionError surfaces a failed submission with a retry affordance.
	ShowSubmissionError(err error)
}

// Coordinator is the authoritative session store the monitor reconciles
// against. *session.Coordinator satisfies it in-process; coordclient.Client
// satisfies it over HTTP.
type Coordinator interface {
	InitSession(ctx context.Context, formURL string, seed session.Seed) (session.InitResult, error)
	GetViolationCount(ctx context.Context, formURL string) (session.CountResult, error)
	ReportViolation(ctx context.Context, formURL string, rep session.Report) (session.ReportResult, error)
	AutoSubmit(ctx context.Context, formURL string, req session.AutoSubmitRequest) (session.AutoSubmitResult, error)
	CheckClearStatus(ctx context.Context, formURL string, req session.ClearStatusRequest) (session.ClearStatusResult, error)
}
