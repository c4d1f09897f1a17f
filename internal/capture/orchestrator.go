// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
)

// ProgressFunc observes every state the orchestrator enters.
type ProgressFunc func(state State, elapsed time.Duration)

var errNotCaptured = errors.New("browser not captured yet")

// Session is the outcome of one orchestration run.
type Session struct {
	Plan     SessionPlan
	Server   ServerState
	Emulator EmulatorState
	Trace    []State

	UnlockAttempts int
	Polls          int
	Killed         []int

	env Env
}

// Close stops the server if, and only if, this run started it.
func (s *Session) Close(ctx context.Context) error {
	if s == nil || !s.Server.Fresh || s.Server.Process == nil {
		return nil
	}
	proc := s.Server.Process
	logEvent(s.env, "stopping server", "pid", proc.PID(), "port", s.env.Port)
	return proc.Stop(ctx)
}

func (s *Session) Final() State {
	if s == nil || len(s.Trace) == 0 {
		return StateInit
	}
	return s.Trace[len(s.Trace)-1]
}

// Orchestrator brings server, emulator and browser to a captured state.
type Orchestrator struct {
	env       Env
	probe     Prober
	device    DeviceChannel
	servers   *ServerSupervisor
	emulators *EmulatorSupervisor
	progress  ProgressFunc
}

func NewOrchestrator(env Env, probe Prober, device DeviceChannel, launcher Launcher) *Orchestrator {
	return &Orchestrator{
		env:       env,
		probe:     probe,
		device:    device,
		servers:   NewServerSupervisor(env, probe, launcher),
		emulators: NewEmulatorSupervisor(env, probe, device, launcher),
	}
}

// NewDefaultOrchestrator wires the HTTP probe, adb and local subprocesses.
func NewDefaultOrchestrator(env Env) *Orchestrator {
	return NewOrchestrator(env, NewProbeClient(env), NewDeviceController(env, nil), ExecLauncher{Env: env})
}

func (o *Orchestrator) WithProgress(fn ProgressFunc) *Orchestrator {
	o.progress = fn
	return o
}

// CaptureURL is the capture endpoint as seen from inside the emulator.
func CaptureURL(env Env) string {
	host := env.HostAlias
	if host == "" {
		host = DefaultHostAlias
	}
	return fmt.Sprintf("http://%s:%d/capture", host, env.Port)
}

// Run drives the session to Ready. The returned Session is never nil: on
// error it still holds the server this run may have started, so callers
// should Close it either way.
func (o *Orchestrator) Run(ctx context.Context) (*Session, error) {
	ctx, span := startSpan(ctx, o.env, "capture.Run",
		attribute.Int("port", o.env.Port),
		attribute.Bool("strict", o.env.Strict),
	)
	defer span.End()
	start := time.Now()
	s := &Session{env: o.env}
	enter := func(st State) {
		s.Trace = append(s.Trace, st)
		span.AddEvent(st.String())
		if o.progress != nil {
			o.progress(st, time.Since(start))
		}
	}
	abort := func(err error) (*Session, error) {
		enter(StateAborted)
		recordSpanError(span, err)
		logEvent(o.env, "capture aborted", "state", s.Trace[len(s.Trace)-2].String(), "error", err.Error())
		return s, err
	}

	enter(StateInit)
	server, err := o.servers.Resolve(ctx)
	s.Server = server
	if err != nil {
		return abort(err)
	}
	enter(StateServerResolved)

	emu, err := o.emulators.Resolve(ctx, server)
	if err != nil {
		return abort(err)
	}
	s.Emulator = emu
	enter(StateEmulatorResolved)

	plan := Decide(server.Running, emu.Running, emu.Captured)
	plan.PurgeBrowsers = o.env.Strict && emu.Running
	s.Plan = plan
	span.SetAttributes(
		attribute.String("action", plan.Action().String()),
		attribute.Bool("fresh_server", plan.FreshServer),
		attribute.Bool("fresh_emulator", plan.FreshEmulator),
	)
	logEvent(o.env, "session planned",
		"action", plan.Action().String(),
		"fresh_server", plan.FreshServer,
		"fresh_emulator", plan.FreshEmulator,
	)
	if plan.MustRestartServer {
		return abort(&ConflictError{Port: o.env.Port, Reason: "pre-exists without an emulator", Action: "restart the server"})
	}
	if plan.AssumesCaptureMatchesEmulator {
		logWarn(o.env, "capture assumed to match running emulator", "serial", emu.Serial)
	}

	if plan.PurgeBrowsers {
		enter(StatePurging)
		killed, err := o.device.KillProcessesByNamePattern(ctx, o.browserPattern())
		s.Killed = killed
		if err != nil {
			return abort(err)
		}
		if len(killed) == 0 {
			logEvent(o.env, "no browser instances detected")
		}
	}

	if plan.NeedsFreshCapture {
		enter(StateScreenUnlocking)
		s.UnlockAttempts, err = o.unlock(ctx)
		if err != nil {
			return abort(err)
		}

		enter(StateNavigating)
		if err := o.navigate(ctx, plan); err != nil {
			return abort(err)
		}

		enter(StatePolling)
		s.Polls, err = o.awaitCapture(ctx)
		if err != nil {
			return abort(err)
		}
		enter(StateCaptured)
	}

	if plan.ApplySettleDelay && o.env.SettleDelay > 0 {
		enter(StateSettleDelay)
		logEvent(o.env, "waiting for the capture page to initialize", "delay", humanDuration(o.env.SettleDelay))
		if err := sleepCtx(ctx, o.env.SettleDelay); err != nil {
			return abort(err)
		}
	}

	enter(StateReady)
	logEvent(o.env, "initialization complete", "elapsed", humanDuration(time.Since(start)))
	return s, nil
}

func (o *Orchestrator) browserPattern() string {
	if o.env.BrowserPattern == "" {
		return DefaultBrowserPattern
	}
	return o.env.BrowserPattern
}

// unlock sends the Menu key until adb answers without being killed. There
// is no way to ask whether the screen is locked, so it is always sent.
func (o *Orchestrator) unlock(ctx context.Context) (int, error) {
	logEvent(o.env, "unlocking device")
	start := time.Now()
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		actx, cancel := o.attemptContext(ctx)
		defer cancel()
		err := o.device.WaitAndSendKeyEvent(actx, KeyMenu)
		switch {
		case err == nil:
			return struct{}{}, nil
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		case IsTransient(err):
			logEvent(o.env, "device not ready, retrying unlock", "attempt", attempts)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, retryPolicy(o.env.PollInterval, o.env.UnlockTimeout, o.env.UnlockMaxAttempts)...)

	switch {
	case err == nil:
		logEvent(o.env, "device unlocked", "attempts", attempts)
		return attempts, nil
	case ctx.Err() != nil:
		return attempts, ctx.Err()
	case IsTransient(err):
		return attempts, &TimeoutError{Stage: "screen unlock", Waited: time.Since(start), Attempts: attempts, Last: err}
	default:
		return attempts, err
	}
}

func (o *Orchestrator) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.env.UnlockAttempt <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.env.UnlockAttempt)
}

// navigate is blind: the intents are not acknowledged and success is only
// observed by polling.
func (o *Orchestrator) navigate(ctx context.Context, plan SessionPlan) error {
	if plan.BlankFirst {
		if err := o.device.LaunchIntent(ctx, ActionView, "about:blank"); err != nil {
			logWarn(o.env, "blank page intent failed", "error", err.Error())
		}
		if err := o.device.SendKeyEvent(ctx, KeyHome); err != nil {
			logWarn(o.env, "home key failed", "error", err.Error())
		}
	}
	url := CaptureURL(o.env)
	logEvent(o.env, "loading capture page", "url", url)
	if err := o.device.LaunchIntent(ctx, ActionView, url); err != nil {
		return fmt.Errorf("open capture page: %w", err)
	}
	return nil
}

// awaitCapture polls the server status page until it lists the browser.
func (o *Orchestrator) awaitCapture(ctx context.Context) (int, error) {
	logEvent(o.env, "capturing browser", "marker", o.env.Marker)
	start := time.Now()
	polls := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		polls++
		if o.probe.IsBrowserCaptured(ctx) {
			return struct{}{}, nil
		}
		return struct{}{}, errNotCaptured
	}, retryPolicy(o.env.PollInterval, o.env.CaptureTimeout, 0)...)

	switch {
	case err == nil:
		logEvent(o.env, "browser captured", "polls", polls, "waited", humanDuration(time.Since(start)))
		return polls, nil
	case ctx.Err() != nil:
		return polls, ctx.Err()
	default:
		return polls, &TimeoutError{Stage: "browser capture", Waited: time.Since(start), Attempts: polls, Last: err}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
