// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/attribute"
)

// Process is a subprocess started by a Launcher.
type Process interface {
	PID() int
	// LogPath is the file receiving the process output.
	LogPath() string
	// Done is closed once the process has exited; Err then holds its exit
	// status, nil for a clean exit.
	Done() <-chan struct{}
	Err() error
	// Stop terminates the process and its children. Stopping an exited
	// process is a no-op.
	Stop(ctx context.Context) error
}

// Launcher starts the external servers the capture flow depends on.
type Launcher interface {
	StartServer(ctx context.Context) (Process, error)
	StartEmulator(ctx context.Context) (Process, error)
}

// ExecLauncher starts the JsTestDriver server and the emulator as detached
// local subprocesses that outlive the orchestrator.
type ExecLauncher struct {
	Env Env
}

func (l ExecLauncher) StartServer(ctx context.Context) (Process, error) {
	_, span := startSpan(ctx, l.Env, "capture.StartServer", attribute.Int("port", l.Env.Port))
	defer span.End()
	if l.Env.Jar == "" {
		err := usageError("path to the JsTestDriver jar is required")
		recordSpanError(span, err)
		return nil, err
	}
	args := []string{"-jar", l.Env.Jar, "--port", fmt.Sprint(l.Env.Port)}
	p, err := startDetached(l.Env, fmt.Sprintf("server-%d", l.Env.Port), l.Env.Java, args...)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("server start: %w", err)
	}
	span.SetAttributes(attribute.Int("pid", p.PID()))
	logEvent(l.Env, "server started", "port", l.Env.Port, "pid", p.PID(), "jar", l.Env.Jar, "log_path", p.logPath)
	return p, nil
}

func (l ExecLauncher) StartEmulator(ctx context.Context) (Process, error) {
	_, span := startSpan(ctx, l.Env, "capture.StartEmulator", attribute.String("name", l.Env.AVDName))
	defer span.End()
	if l.Env.AVDName == "" {
		err := usageError("AVD name is required to start an emulator")
		recordSpanError(span, err)
		return nil, err
	}
	p, err := startDetached(l.Env, "emulator-"+l.Env.AVDName, l.Env.Emulator, emulatorArgs(l.Env)...)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("emulator start: %w", err)
	}
	span.SetAttributes(attribute.Int("pid", p.PID()))
	logEvent(l.Env, "emulator started", "name", l.Env.AVDName, "pid", p.PID(), "log_path", p.logPath)
	return p, nil
}

// headlessArgs run the emulator without a window or audio, as on CI hosts.
var headlessArgs = []string{
	"-no-window",
	"-no-boot-anim",
	"-no-audio",
	"-no-metrics",
	"-no-location-ui",
	"-gpu", "swiftshader_indirect",
}

func emulatorArgs(env Env) []string {
	args := []string{"-avd", env.AVDName}
	if env.Headless {
		args = append(args, headlessArgs...)
	}
	return append(args, env.EmulatorArgs...)
}

type execProcess struct {
	env     Env
	cmd     *exec.Cmd
	logPath string
	done    chan struct{}
	waitErr error
}

// startDetached starts bin in its own process group. Output goes straight
// to a log file rather than a pipe so the child keeps running after
// jtdcapture exits.
func startDetached(env Env, name, bin string, args ...string) (*execProcess, error) {
	logPath := filepath.Join(os.TempDir(), fmt.Sprintf("jtdcapture-%s.log", name))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(bin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedProcAttr()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{env: env, cmd: cmd, logPath: logPath, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) LogPath() string { return p.logPath }

func (p *execProcess) Done() <-chan struct{} { return p.done }

// Err is only meaningful once Done is closed.
func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

func (p *execProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Stop(ctx context.Context) error {
	if p.exited() {
		return nil
	}
	pid := p.PID()
	grace := p.env.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if err := signalTree(ctx, pid, false); err != nil {
		logWarn(p.env, "process terminate failed", "pid", pid, "error", err.Error())
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		logEvent(p.env, "process stopped", "pid", pid)
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	treeErr := signalTree(context.Background(), pid, true)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", pid, errors.Join(treeErr, err))
	}
	<-p.done
	logEvent(p.env, "process killed", "pid", pid, "grace", humanDuration(grace))
	return nil
}

// signalTree terminates (or kills) the children of pid first, then pid.
func signalTree(ctx context.Context, pid int, kill bool) error {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	children, _ := root.ChildrenWithContext(ctx)
	var errs []error
	for _, child := range children {
		errs = append(errs, signalOne(ctx, child, kill))
	}
	errs = append(errs, signalOne(ctx, root, kill))
	return errors.Join(errs...)
}

func signalOne(ctx context.Context, p *process.Process, kill bool) error {
	if kill {
		return p.KillWithContext(ctx)
	}
	return p.TerminateWithContext(ctx)
}
