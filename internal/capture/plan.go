// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import "fmt"

// State is a step of the capture orchestration.
type State int

const (
	StateInit State = iota
	StateServerResolved
	StateEmulatorResolved
	StatePurging
	StateScreenUnlocking
	StateNavigating
	StatePolling
	StateCaptured
	StateSettleDelay
	StateReady
	StateAborted
)

var stateNames = [...]string{
	StateInit:             "init",
	StateServerResolved:   "server_resolved",
	StateEmulatorResolved: "emulator_resolved",
	StatePurging:          "purging",
	StateScreenUnlocking:  "screen_unlocking",
	StateNavigating:       "navigating",
	StatePolling:          "polling",
	StateCaptured:         "captured",
	StateSettleDelay:      "settle_delay",
	StateReady:            "ready",
	StateAborted:          "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Action is the navigation the plan calls for.
type Action int

const (
	// ActionProceed: a browser is already captured, nothing to do.
	ActionProceed Action = iota
	// ActionNavigate: open the capture URL and poll.
	ActionNavigate
	// ActionBlankThenNavigate: open about:blank first so the capture page
	// is reloaded from scratch, then open the capture URL and poll.
	ActionBlankThenNavigate
	// ActionAbort: the server must be restarted by the operator.
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionProceed:
		return "proceed"
	case ActionNavigate:
		return "navigate"
	case ActionBlankThenNavigate:
		return "blank_then_navigate"
	case ActionAbort:
		return "abort"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// SessionPlan is decided once per run from the resolved server and
// emulator states.
type SessionPlan struct {
	FreshServer   bool
	FreshEmulator bool

	NeedsFreshCapture bool
	MustRestartServer bool
	BlankFirst        bool
	ApplySettleDelay  bool
	PurgeBrowsers     bool

	// AssumesCaptureMatchesEmulator is set when both server and emulator
	// pre-exist and a browser is captured. Nothing verifies that the
	// captured browser belongs to the emulator running now; it may be left
	// over from an emulator that has since died.
	AssumesCaptureMatchesEmulator bool
}

// Decide maps the observed (serverAlive, emulatorRunning, captured) triple
// onto a plan. serverAlive and emulatorRunning describe what existed
// before this run; captured is only meaningful for a running emulator.
func Decide(serverAlive, emulatorRunning, captured bool) SessionPlan {
	freshServer := !serverAlive
	if !emulatorRunning && !freshServer {
		return SessionPlan{MustRestartServer: true}
	}
	// A just-launched emulator cannot have a captured browser.
	freshEmulator := !emulatorRunning || !captured

	p := SessionPlan{
		FreshServer:   freshServer,
		FreshEmulator: freshEmulator,
	}
	p.NeedsFreshCapture = freshServer || freshEmulator
	p.BlankFirst = !freshServer && freshEmulator
	p.ApplySettleDelay = p.NeedsFreshCapture
	p.AssumesCaptureMatchesEmulator = !p.NeedsFreshCapture
	return p
}

func (p SessionPlan) Action() Action {
	switch {
	case p.MustRestartServer:
		return ActionAbort
	case !p.NeedsFreshCapture:
		return ActionProceed
	case p.BlankFirst:
		return ActionBlankThenNavigate
	default:
		return ActionNavigate
	}
}
