// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

//go:build unix

package capture

import "syscall"

// detachedProcAttr puts the child in its own process group so terminal
// signals aimed at jtdcapture do not reach it.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
