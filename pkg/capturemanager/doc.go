// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package capturemanager provides a Go library for capturing the browser of an
Android emulator in a JsTestDriver server before running a test suite.

# Overview

Three external processes have to line up before tests can run: the
JsTestDriver server, the Android emulator, and the emulator's browser loaded on
the server's capture page. None of them reports its state directly, so the
library infers it: the server's status page is probed over HTTP, the emulator
is found through `adb devices`, and the browser counts as captured once the
status page mentions the platform marker ("Android").

# Quick Start

	import "github.com/forkbombeu/jtdcapture/pkg/capturemanager"

	func main() {
		mgr := capturemanager.NewWithEnv(capturemanager.Environment{
			SDKRoot: "/opt/android-sdk",
			Jar:     "/opt/jstestdriver/JsTestDriver.jar",
			AVDName: "jtd-a35",
		})

		code, err := mgr.CaptureAndTest(
			capturemanager.CaptureOptions{SettleDelay: 2 * time.Second},
			capturemanager.TestOptions{Tests: "all"},
		)
		if err != nil {
			log.Fatal(err)
		}
		os.Exit(code)
	}

# Decision Table

A run starts the server and emulator only when they are absent, and only
navigates the browser when no capture can be reused:

	server fresh  emulator fresh  action
	yes           yes             open capture page, poll
	yes           no              open capture page, poll
	no            yes             open about:blank, then capture page, poll
	no            no              nothing to do

An emulator that is running but has no captured browser counts as fresh. A
server that was already running cannot be paired with a newly started
emulator: the run fails with a stale server conflict and the server has to be
restarted by hand. In strict mode any pre-existing server is a conflict, and
leftover browser processes on a running emulator are killed first.

# Timeouts

The screen unlock and the capture poll are bounded (5m and 2m by default) and
fail with an error matching capture.ErrTimeout. Cancelling the Environment
context aborts any wait.

# Shutdown

Session.Close stops the server only when the run started it. A server that
was already running is never touched.
*/
package capturemanager
