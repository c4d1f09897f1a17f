// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Android key codes used by the capture flow.
const (
	KeyHome = 3
	KeyMenu = 82
)

const ActionView = "android.intent.action.VIEW"

// CommandRunner executes a command and returns its combined output. adb
// mixes stderr into stdout, so callers always inspect both together.
type CommandRunner interface {
	Run(ctx context.Context, bin string, args ...string) ([]byte, error)
}

// ExecRunner runs commands as local subprocesses.
type ExecRunner struct {
	Env Env
}

// commandWaitDelay bounds how long Run waits for output pipes held open by
// grandchildren, such as the adb server forked on first use.
var commandWaitDelay = 2 * time.Second

func (r ExecRunner) Run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.WaitDelay = commandWaitDelay
	err := cmd.Run()
	if errors.Is(err, exec.ErrWaitDelay) {
		// The command itself succeeded; only a leftover child kept the pipe.
		err = nil
	}
	if err != nil && buf.Len() > 0 {
		_, _ = newCommandLogWriter(r.Env, bin, args).Write(append(bytes.TrimRight(buf.Bytes(), "\n"), '\n'))
	}
	return buf.Bytes(), err
}

// Device is one entry of `adb devices`.
type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
}

func (d Device) IsEmulator() bool { return strings.Contains(d.Serial, "emulator") }

// HasEmulator reports whether any listed device is an emulator.
func HasEmulator(devices []Device) bool {
	_, ok := FirstEmulator(devices)
	return ok
}

func FirstEmulator(devices []Device) (Device, bool) {
	for _, d := range devices {
		if d.IsEmulator() {
			return d, true
		}
	}
	return Device{}, false
}

// DeviceController issues adb commands against the single attached emulator.
type DeviceController struct {
	env    Env
	runner CommandRunner
}

func NewDeviceController(env Env, runner CommandRunner) *DeviceController {
	if runner == nil {
		runner = ExecRunner{Env: env}
	}
	return &DeviceController{env: env, runner: runner}
}

func (d *DeviceController) adb(ctx context.Context, args ...string) (string, error) {
	out, err := d.runner.Run(ctx, d.env.ADB, args...)
	if err != nil {
		return string(out), &DeviceError{Command: commandLine(d.env.ADB, args), Output: string(out), Err: err}
	}
	return string(out), nil
}

func (d *DeviceController) ListDevices(ctx context.Context) ([]Device, error) {
	ctx, span := startSpan(ctx, d.env, "capture.ListDevices")
	defer span.End()
	out, err := d.adb(ctx, "devices")
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	devices := ParseDevices(out)
	span.SetAttributes(attribute.Int("devices", len(devices)))
	return devices, nil
}

// ParseDevices reads `adb devices` output; daemon chatter and the header are skipped.
func ParseDevices(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "List of devices") {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		devices = append(devices, Device{Serial: f[0], State: f[1]})
	}
	return devices
}

// SendKeyEvent injects a key press. There is no acknowledgment: a
// completed command counts as success.
func (d *DeviceController) SendKeyEvent(ctx context.Context, code int) error {
	ctx, span := startSpan(ctx, d.env, "capture.SendKeyEvent", attribute.Int("keycode", code))
	defer span.End()
	_, err := d.adb(ctx, "shell", "input", "keyevent", strconv.Itoa(code))
	recordSpanError(span, err)
	return err
}

// WaitAndSendKeyEvent blocks until adb sees the device, then injects a key
// press. adb reports "Killed" while the emulator is still booting; that
// and attempt deadlines come back as transient errors.
func (d *DeviceController) WaitAndSendKeyEvent(ctx context.Context, code int) error {
	ctx, span := startSpan(ctx, d.env, "capture.WaitAndSendKeyEvent", attribute.Int("keycode", code))
	defer span.End()
	args := []string{"wait-for-device", "shell", "input", "keyevent", strconv.Itoa(code)}
	out, err := d.runner.Run(ctx, d.env.ADB, args...)
	derr := classifyWaitResult(commandLine(d.env.ADB, args), string(out), err, ctx.Err())
	recordSpanError(span, derr)
	return derr
}

func classifyWaitResult(command, out string, runErr, ctxErr error) error {
	switch {
	case strings.Contains(out, "Killed"):
		return &DeviceError{Command: command, Output: out, Transient: true, Err: runErr}
	case runErr == nil:
		return nil
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return &DeviceError{Command: command, Output: out, Transient: true, Err: ctxErr}
	case isDeviceNotReady(out):
		return &DeviceError{Command: command, Output: out, Transient: true, Err: runErr}
	default:
		return &DeviceError{Command: command, Output: out, Err: runErr}
	}
}

func isDeviceNotReady(out string) bool {
	for _, s := range []string{"device offline", "device still authorizing", "no devices/emulators found", "device not found"} {
		if strings.Contains(out, s) {
			return true
		}
	}
	return false
}

// LaunchIntent opens dataURI with the device's default handler for action.
func (d *DeviceController) LaunchIntent(ctx context.Context, action, dataURI string) error {
	ctx, span := startSpan(ctx, d.env, "capture.LaunchIntent",
		attribute.String("action", action),
		attribute.String("uri", dataURI),
	)
	defer span.End()
	args := []string{"shell", "am", "start", "-a", action}
	if dataURI != "" {
		args = append(args, "-d", dataURI)
	}
	out, err := d.adb(ctx, args...)
	if err == nil && strings.Contains(out, "Error:") {
		err = &DeviceError{Command: commandLine(d.env.ADB, args), Output: out}
	}
	recordSpanError(span, err)
	return err
}

// KillProcessesByNamePattern kills every device process whose `ps` line
// contains pattern and returns the PIDs actually killed.
func (d *DeviceController) KillProcessesByNamePattern(ctx context.Context, pattern string) ([]int, error) {
	ctx, span := startSpan(ctx, d.env, "capture.KillProcessesByNamePattern", attribute.String("pattern", pattern))
	defer span.End()
	if pattern == "" {
		err := usageError("empty process pattern")
		recordSpanError(span, err)
		return nil, err
	}
	out, err := d.processList(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	var killed []int
	var errs []error
	for _, pid := range MatchProcesses(out, pattern) {
		if _, err := d.adb(ctx, "shell", "kill", strconv.Itoa(pid)); err != nil {
			errs = append(errs, err)
			continue
		}
		killed = append(killed, pid)
		logEvent(d.env, "device process killed", "pid", pid, "pattern", pattern)
	}
	span.SetAttributes(attribute.Int("killed", len(killed)))
	err = errors.Join(errs...)
	recordSpanError(span, err)
	return killed, err
}

// processList lists every device process. Toybox ps (Android 8+) only shows
// the shell's own processes unless given -A; the older toolbox ps rejects
// the flag or treats it as a name filter and prints just the header.
func (d *DeviceController) processList(ctx context.Context) (string, error) {
	out, err := d.adb(ctx, "shell", "ps", "-A")
	if err == nil && !psUnusable(out) {
		return out, nil
	}
	return d.adb(ctx, "shell", "ps")
}

func psUnusable(out string) bool {
	lower := strings.ToLower(out)
	for _, s := range []string{"bad option", "unknown option", "invalid option", "usage:"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	lines := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	return lines <= 1
}

// MatchProcesses returns the PID column of `ps` lines containing pattern.
func MatchProcesses(psOutput, pattern string) []int {
	var pids []int
	for _, line := range strings.Split(psOutput, "\n") {
		if !strings.Contains(line, pattern) {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		pid, err := strconv.Atoi(f[1])
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

func commandLine(bin string, args []string) string {
	return fmt.Sprintf("%s %s", bin, strings.Join(args, " "))
}
