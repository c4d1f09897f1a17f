// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
)

// Prober answers the two questions the capture flow asks the server.
type Prober interface {
	IsServerAlive(ctx context.Context) bool
	IsBrowserCaptured(ctx context.Context) bool
}

// DeviceChannel is the adb surface used by the capture flow.
type DeviceChannel interface {
	ListDevices(ctx context.Context) ([]Device, error)
	SendKeyEvent(ctx context.Context, code int) error
	WaitAndSendKeyEvent(ctx context.Context, code int) error
	LaunchIntent(ctx context.Context, action, dataURI string) error
	KillProcessesByNamePattern(ctx context.Context, pattern string) ([]int, error)
}

// ServerState is the server as found at the start of a run. Process is set
// only when this run launched the server.
type ServerState struct {
	Running bool
	Fresh   bool
	Process Process
}

// EmulatorState is the emulator as found at the start of a run.
type EmulatorState struct {
	Running  bool
	Fresh    bool
	Captured bool
	Serial   string
	Process  Process
}

var errServerDown = errors.New("server not reachable yet")

type ServerSupervisor struct {
	env      Env
	probe    Prober
	launcher Launcher
}

func NewServerSupervisor(env Env, probe Prober, launcher Launcher) *ServerSupervisor {
	return &ServerSupervisor{env: env, probe: probe, launcher: launcher}
}

// Resolve probes the server and launches it when absent. In strict mode a
// server that is already running is a StaleServerConflict.
func (s *ServerSupervisor) Resolve(ctx context.Context) (ServerState, error) {
	ctx, span := startSpan(ctx, s.env, "capture.ResolveServer", attribute.Int("port", s.env.Port))
	defer span.End()
	logEvent(s.env, "detecting server", "port", s.env.Port)

	if s.probe.IsServerAlive(ctx) {
		span.SetAttributes(attribute.Bool("fresh", false))
		if s.env.Strict {
			err := &ConflictError{
				Port:   s.env.Port,
				Reason: "already running",
				Action: "stop it to flush any previously captured browsers",
			}
			recordSpanError(span, err)
			return ServerState{Running: true}, err
		}
		logEvent(s.env, "server detected", "port", s.env.Port)
		return ServerState{Running: true}, nil
	}

	logEvent(s.env, "server not detected, starting", "port", s.env.Port)
	proc, err := s.launcher.StartServer(ctx)
	if err != nil {
		recordSpanError(span, err)
		return ServerState{}, err
	}
	state := ServerState{Fresh: true, Process: proc}
	if err := s.awaitAlive(ctx, proc); err != nil {
		recordSpanError(span, err)
		if stopErr := proc.Stop(context.Background()); stopErr != nil {
			logWarn(s.env, "server stop failed", "pid", proc.PID(), "error", stopErr.Error())
		}
		return ServerState{}, err
	}
	span.SetAttributes(attribute.Bool("fresh", true), attribute.Int("pid", proc.PID()))
	return state, nil
}

// awaitAlive polls until the server answers. A server that exits first is
// reported at once with its exit status and log file.
func (s *ServerSupervisor) awaitAlive(ctx context.Context, proc Process) error {
	start := time.Now()
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if s.probe.IsServerAlive(ctx) {
			return struct{}{}, nil
		}
		select {
		case <-proc.Done():
			return struct{}{}, backoff.Permanent(&ProcessExitError{
				Name:    "server",
				PID:     proc.PID(),
				LogPath: proc.LogPath(),
				Err:     proc.Err(),
			})
		default:
		}
		return struct{}{}, errServerDown
	}, retryPolicy(s.env.PollInterval, s.env.ServerStartTimeout, 0)...)
	if err == nil {
		logEvent(s.env, "server reachable", "port", s.env.Port, "waited", humanDuration(time.Since(start)))
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var exitErr *ProcessExitError
	if errors.As(err, &exitErr) {
		return err
	}
	return &TimeoutError{Stage: "server start", Waited: time.Since(start), Attempts: attempts, Last: err}
}

type EmulatorSupervisor struct {
	env      Env
	probe    Prober
	device   DeviceChannel
	launcher Launcher
}

func NewEmulatorSupervisor(env Env, probe Prober, device DeviceChannel, launcher Launcher) *EmulatorSupervisor {
	return &EmulatorSupervisor{env: env, probe: probe, device: device, launcher: launcher}
}

// Resolve finds a running emulator or launches one. Launching is refused
// when the server pre-exists, since captures from a previous emulator
// would survive in it.
func (s *EmulatorSupervisor) Resolve(ctx context.Context, server ServerState) (EmulatorState, error) {
	ctx, span := startSpan(ctx, s.env, "capture.ResolveEmulator")
	defer span.End()
	logEvent(s.env, "detecting emulator")

	devices, err := s.device.ListDevices(ctx)
	if err != nil {
		recordSpanError(span, err)
		return EmulatorState{}, err
	}
	if emu, ok := FirstEmulator(devices); ok {
		captured := s.probe.IsBrowserCaptured(ctx)
		span.SetAttributes(
			attribute.String("serial", emu.Serial),
			attribute.Bool("captured", captured),
		)
		logEvent(s.env, "emulator detected", "serial", emu.Serial, "state", emu.State, "captured", captured)
		return EmulatorState{Running: true, Fresh: !captured, Captured: captured, Serial: emu.Serial}, nil
	}

	if !server.Fresh {
		err := &ConflictError{
			Port:   s.env.Port,
			Reason: "was not started by this run but the emulator must be",
			Action: "restart the server so browsers captured by an earlier emulator are flushed",
		}
		recordSpanError(span, err)
		return EmulatorState{}, err
	}

	logEvent(s.env, "emulator not detected, starting", "name", s.env.AVDName)
	proc, err := s.launcher.StartEmulator(ctx)
	if err != nil {
		recordSpanError(span, err)
		return EmulatorState{}, err
	}
	span.SetAttributes(attribute.Bool("fresh", true), attribute.Int("pid", proc.PID()))
	return EmulatorState{Fresh: true, Process: proc}, nil
}

// retryPolicy is a constant-interval policy bounded by maxElapsed (zero
// means unbounded) and maxTries (zero means unlimited).
func retryPolicy(interval, maxElapsed time.Duration, maxTries uint) []backoff.RetryOption {
	if interval <= 0 {
		interval = time.Second
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(maxElapsed),
	}
	if maxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(maxTries))
	}
	return opts
}
