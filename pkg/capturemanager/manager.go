// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capturemanager

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkbombeu/jtdcapture/internal/capture"
)

// Errors returned by Capture, matched with errors.Is.
var (
	ErrStaleServerConflict = capture.ErrStaleServerConflict
	ErrTimeout             = capture.ErrTimeout
	ErrUsage               = capture.ErrUsage
)

// Manager provides high-level capture operations.
type Manager struct {
	env capture.Env
}

// New creates a new Manager with auto-detected environment.
func New() *Manager {
	return &Manager{
		env: capture.Detect(),
	}
}

// NewWithCorrelationID creates a new Manager with a correlation ID for structured logs.
func NewWithCorrelationID(correlationID string) *Manager {
	return NewWithContextAndCorrelationID(context.Background(), correlationID)
}

// NewWithContext creates a new Manager with a custom context for tracing.
func NewWithContext(ctx context.Context) *Manager {
	return NewWithContextAndCorrelationID(ctx, "")
}

// NewWithContextAndCorrelationID creates a new Manager with a custom context and correlation ID.
func NewWithContextAndCorrelationID(ctx context.Context, correlationID string) *Manager {
	env := capture.Detect()
	if ctx == nil {
		ctx = context.Background()
	}
	env.Context = ctx
	env.CorrelationID = correlationID
	return &Manager{
		env: env,
	}
}

// NewWithEnv creates a new Manager from explicit settings. Zero fields keep
// the auto-detected defaults.
func NewWithEnv(e Environment) *Manager {
	env := capture.Detect()
	if e.SDKRoot != "" {
		env = env.WithSDKRoot(e.SDKRoot)
	}
	set(&env.Jar, e.Jar)
	set(&env.AVDName, e.AVDName)
	set(&env.HostAlias, e.HostAlias)
	set(&env.Marker, e.Marker)
	set(&env.Java, e.JavaBin)
	set(&env.ADB, e.ADBBin)
	set(&env.Emulator, e.EmulatorBin)
	set(&env.CorrelationID, e.CorrelationID)
	if e.Port > 0 {
		env.Port = e.Port
	}
	if e.CaptureTimeout > 0 {
		env.CaptureTimeout = e.CaptureTimeout
	}
	if e.UnlockTimeout > 0 {
		env.UnlockTimeout = e.UnlockTimeout
	}
	if e.PollInterval > 0 {
		env.PollInterval = e.PollInterval
	}
	if e.Context != nil {
		env.Context = e.Context
	}
	env.Headless = e.Headless
	env.EmulatorArgs = e.EmulatorArgs
	return &Manager{env: env}
}

func set(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Environment holds configuration for the capture tools and endpoints.
type Environment struct {
	SDKRoot        string          // ANDROID_SDK_ROOT
	Jar            string          // Path to the JsTestDriver jar
	Port           int             // JsTestDriver server port (default: 9876)
	AVDName        string          // AVD started when no emulator is running
	HostAlias      string          // Host address as seen from the emulator (default: 10.0.2.2)
	Marker         string          // Status page substring identifying a captured browser (default: Android)
	JavaBin        string          // Path to java (default: "java")
	ADBBin         string          // Path to adb (default: SDK platform-tools/adb)
	EmulatorBin    string          // Path to emulator (default: SDK emulator/emulator)
	CaptureTimeout time.Duration   // Bound on waiting for the capture (default: 2m)
	UnlockTimeout  time.Duration   // Bound on the unlock retries (default: 5m)
	PollInterval   time.Duration   // Capture poll cadence (default: 1s)
	Headless       bool            // Start the emulator without a window
	EmulatorArgs   []string        // Extra emulator command line arguments
	CorrelationID  string          // Correlation ID for log enrichment
	Context        context.Context // Context for tracing
}

// CaptureOptions contains options for a capture run.
type CaptureOptions struct {
	Strict      bool          // Refuse a pre-existing server and purge leftover browsers
	SettleDelay time.Duration // Wait after capture for the page to initialize
	// Progress receives every state entered, e.g. "screen_unlocking".
	Progress func(status string, elapsed time.Duration)
}

// TestOptions contains options for running tests against the captured browser.
type TestOptions struct {
	Tests string   // Value of --tests (required)
	Args  []string // Extra JsTestDriver arguments
}

// Session describes a completed capture run.
type Session struct {
	Action         string   // proceed, navigate or blank_then_navigate
	FreshServer    bool     // The server was started by this run
	FreshEmulator  bool     // The emulator was started, or had no captured browser
	ServerPID      int      // PID of the server started by this run, 0 otherwise
	UnlockAttempts int      // Menu key attempts until adb answered cleanly
	Polls          int      // Status page probes until capture
	States         []string // States entered, in order

	inner *capture.Session
}

// Close stops the server if this run started it.
func (s *Session) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.inner.Close(ctx)
}

// Status is a snapshot of the server, browser and emulator.
type Status struct {
	ServerAlive     bool
	BrowserCaptured bool
	EmulatorRunning bool
	EmulatorSerial  string
}

// DeviceInfo is an adb device entry.
type DeviceInfo struct {
	Serial     string // e.g. emulator-5554
	State      string // device, offline, unauthorized
	IsEmulator bool
}

func (m *Manager) startSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.env.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", m.env.CorrelationID))
	}
	ctx := m.env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer("jtdcapture/capturemanager").Start(ctx, name, trace.WithAttributes(attrs...))
}

// Capture brings server, emulator and browser to a captured state. The
// returned Session must be closed; on error it may be nil.
func (m *Manager) Capture(opts CaptureOptions) (*Session, error) {
	ctx, span := m.startSpan("capturemanager.Capture", attribute.Bool("strict", opts.Strict))
	defer span.End()

	env := m.env
	env.Context = ctx
	env.Strict = opts.Strict
	env.SettleDelay = opts.SettleDelay
	orch := capture.NewDefaultOrchestrator(env)
	if opts.Progress != nil {
		orch.WithProgress(func(state capture.State, elapsed time.Duration) {
			opts.Progress(state.String(), elapsed)
		})
	}
	inner, err := orch.Run(ctx)
	if err != nil {
		if cerr := inner.Close(context.Background()); cerr != nil {
			span.RecordError(cerr)
		}
		span.RecordError(err)
		return nil, err
	}
	return sessionOf(inner), nil
}

func sessionOf(inner *capture.Session) *Session {
	s := &Session{
		Action:         inner.Plan.Action().String(),
		FreshServer:    inner.Plan.FreshServer,
		FreshEmulator:  inner.Plan.FreshEmulator,
		UnlockAttempts: inner.UnlockAttempts,
		Polls:          inner.Polls,
		inner:          inner,
	}
	if inner.Server.Process != nil {
		s.ServerPID = inner.Server.Process.PID()
	}
	for _, st := range inner.Trace {
		s.States = append(s.States, st.String())
	}
	return s
}

// RunTests runs the JsTestDriver client with output passed through to
// stdout and stderr, returning its exit code.
func (m *Manager) RunTests(opts TestOptions) (int, error) {
	ctx, span := m.startSpan("capturemanager.RunTests", attribute.String("tests", opts.Tests))
	defer span.End()
	return capture.RunTests(ctx, m.env, capture.TestOptions{Tests: opts.Tests, Args: opts.Args})
}

// CaptureAndTest captures, runs the tests, and stops the server if it was
// started here.
func (m *Manager) CaptureAndTest(capOpts CaptureOptions, testOpts TestOptions) (int, error) {
	session, err := m.Capture(capOpts)
	if err != nil {
		return 1, err
	}
	code, runErr := m.RunTests(testOpts)
	if err := session.Close(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return code, runErr
}

// StartServer starts the server unless one is already listening. It
// returns the PID of the server it started, or 0.
func (m *Manager) StartServer() (int, error) {
	ctx, span := m.startSpan("capturemanager.StartServer", attribute.Int("port", m.env.Port))
	defer span.End()
	sup := capture.NewServerSupervisor(m.env, capture.NewProbeClient(m.env), capture.ExecLauncher{Env: m.env})
	state, err := sup.Resolve(ctx)
	if err != nil || state.Process == nil {
		return 0, err
	}
	return state.Process.PID(), nil
}

// Status probes the server and lists devices.
func (m *Manager) Status() (Status, error) {
	ctx, span := m.startSpan("capturemanager.Status")
	defer span.End()
	probe := capture.NewProbeClient(m.env)
	st := Status{
		ServerAlive:     probe.IsServerAlive(ctx),
		BrowserCaptured: probe.IsBrowserCaptured(ctx),
	}
	devices, err := capture.NewDeviceController(m.env, nil).ListDevices(ctx)
	if err != nil {
		return st, err
	}
	if emu, ok := capture.FirstEmulator(devices); ok {
		st.EmulatorRunning = true
		st.EmulatorSerial = emu.Serial
	}
	return st, nil
}

// Devices lists adb devices.
func (m *Manager) Devices() ([]DeviceInfo, error) {
	ctx, span := m.startSpan("capturemanager.Devices")
	defer span.End()
	devices, err := capture.NewDeviceController(m.env, nil).ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]DeviceInfo, len(devices))
	for i, d := range devices {
		result[i] = DeviceInfo{Serial: d.Serial, State: d.State, IsEmulator: d.IsEmulator()}
	}
	return result, nil
}

// PurgeBrowsers kills browser processes left on the emulator by a previous
// session and returns their PIDs.
func (m *Manager) PurgeBrowsers() ([]int, error) {
	ctx, span := m.startSpan("capturemanager.PurgeBrowsers")
	defer span.End()
	return capture.NewDeviceController(m.env, nil).KillProcessesByNamePattern(ctx, m.env.BrowserPattern)
}
