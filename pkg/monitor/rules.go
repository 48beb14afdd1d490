// Package monitor implements the page-resident watchdog: it turns raw
// platform signals into accepted violations through a per-type cooldown gate,
// reports them to the authoritative session coordinator, and drives the
// lockout, fullscreen and submission state machine for one exam page.
package monitor

import "time"

// Violation types emitted by signal sources. New types are rows in the rule
// table, not new code paths.
const (
	TypeTabSwitch      = "tab-switch"
	TypeWindowBlur     = "window-blur"
	TypeKeyPress       = "forbidden-key"
	TypeContextMenu    = "context-menu"
	TypeCopy           = "copy-attempt"
	TypeCut            = "cut-attempt"
	TypePaste          = "paste-attempt"
	TypeFullscreenExit = "fullscreen-exit"
	TypeDOMMutation    = "dom-mutation"
	TypeHeartbeatMiss  = "heartbeat-miss"
)

// DefaultCooldown applies to any type without an explicit rule.
const DefaultCooldown = 1500 * time.Millisecond

// Rule describes how one violation type is handled.
type Rule struct {
	// Cooldown is the minimum interval between two accepted events of this
	// type. Zero means every event is accepted.
	Cooldown time.Duration

	// PromptFullscreen marks types that put the monitor into the
	// awaiting-fullscreen sub-state on acceptance.
	PromptFullscreen bool

	// Label is the human-readable description shown in warnings.
	Label string
}

// Rules maps violation types to their handling rules.
type Rules map[string]Rule

// DefaultRules returns the standard rule table. A single physical action can
// fire several raw platform events, so most types carry a debounce; the
// heartbeat watchdog is already timer-driven and needs none.
func DefaultRules() Rules {
	return Rules{
		TypeTabSwitch:      {Cooldown: DefaultCooldown, Label: "Tab or window switch detected"},
		TypeWindowBlur:     {Cooldown: DefaultCooldown, Label: "Exam window lost focus"},
		TypeKeyPress:       {Cooldown: DefaultCooldown, Label: "Forbidden key combination"},
		TypeContextMenu:    {Cooldown: DefaultCooldown, Label: "Context menu blocked"},
		TypeCopy:           {Cooldown: DefaultCooldown, Label: "Copy attempt blocked"},
		TypeCut:            {Cooldown: DefaultCooldown, Label: "Cut attempt blocked"},
		TypePaste:          {Cooldown: DefaultCooldown, Label: "Paste attempt blocked"},
		TypeFullscreenExit: {Cooldown: 3 * time.Second, PromptFullscreen: true, Label: "Fullscreen mode exited"},
		TypeDOMMutation:    {Cooldown: DefaultCooldown, Label: "Page structure tampering detected"},
		TypeHeartbeatMiss:  {Cooldown: 0, Label: "Monitoring heartbeat missed"},
	}
}

// Get returns the rule for a type, falling back to the default cooldown for
// unknown types.
func (r Rules) Get(violationType string) Rule {
	if rule, ok := r[violationType]; ok {
		return rule
	}
	return Rule{Cooldown: DefaultCooldown, Label: violationType}
}
