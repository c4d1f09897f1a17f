// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

var (
	// ErrStaleServerConflict marks a run that cannot flush previously
	// captured browsers because the server was not started by it.
	ErrStaleServerConflict = fmt.Errorf("stale server conflict: %w", errdefs.ErrConflict)
	// ErrTimeout marks a bounded wait that ran out before the external
	// system reached the expected state.
	ErrTimeout = errors.New("timeout")
	// ErrUsage marks invalid or missing configuration.
	ErrUsage = fmt.Errorf("usage: %w", errdefs.ErrInvalidArgument)
)

// ConflictError carries the operator instruction for a StaleServerConflict.
type ConflictError struct {
	Port   int
	Reason string
	Action string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("server on port %d: %s; %s", e.Port, e.Reason, e.Action)
}

func (e *ConflictError) Unwrap() error { return ErrStaleServerConflict }

// DeviceError is a failed adb command. Transient errors mean the device is
// not responsive yet and the command may be retried.
type DeviceError struct {
	Command   string
	Output    string
	Transient bool
	Err       error
}

func (e *DeviceError) Error() string {
	kind := "failed"
	if e.Transient {
		kind = "not ready"
	}
	msg := fmt.Sprintf("device command %q %s", e.Command, kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{errdefs.ErrUnavailable}
	}
	return []error{errdefs.ErrUnavailable, e.Err}
}

// IsTransient reports whether err is a device command that may succeed on retry.
func IsTransient(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Transient
}

// TimeoutError reports which stage gave up, after how long and how many tries.
type TimeoutError struct {
	Stage    string
	Waited   time.Duration
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s timed out after %s (%d attempts)", e.Stage, humanDuration(e.Waited), e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Last }

// ProcessExitError is a launched process that exited before it became usable.
type ProcessExitError struct {
	Name    string
	PID     int
	LogPath string
	Err     error
}

func (e *ProcessExitError) Error() string {
	status := "exit status 0"
	if e.Err != nil {
		status = e.Err.Error()
	}
	msg := fmt.Sprintf("%s (pid %d) exited early: %s", e.Name, e.PID, status)
	if e.LogPath != "" {
		msg += "; see " + e.LogPath
	}
	return msg
}

func (e *ProcessExitError) Unwrap() error { return e.Err }

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}
