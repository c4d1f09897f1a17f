// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultPort           = 9876
	DefaultHostAlias      = "10.0.2.2"
	DefaultMarker         = "Android"
	DefaultBrowserPattern = "browser"
)

type Env struct {
	SDKRoot   string // ANDROID_SDK_ROOT
	Jar       string // JTDCAPTURE_JAR, path to the JsTestDriver jar
	Port      int    // JTDCAPTURE_PORT (default 9876)
	AVDName   string // JTDCAPTURE_AVD
	HostAlias string // JTDCAPTURE_HOST_ALIAS, host loopback as seen from the emulator
	Marker    string // substring of the server status page identifying a captured browser

	Java     string // java
	ADB      string // adb
	Emulator string // emulator

	BrowserPattern string // device process name fragment purged in strict mode

	Headless     bool     // start the emulator without a window
	EmulatorArgs []string // appended to the emulator command line

	ProbeTimeout       time.Duration
	PollInterval       time.Duration
	CaptureTimeout     time.Duration
	UnlockTimeout      time.Duration
	UnlockAttempt      time.Duration
	UnlockMaxAttempts  uint
	ServerStartTimeout time.Duration
	SettleDelay        time.Duration
	StopGrace          time.Duration

	// Strict refuses a server that was already running before this run.
	Strict bool

	// CorrelationID is used to tie logs to a specific workflow/activity.
	CorrelationID string
	// Context is used to parent OpenTelemetry spans.
	Context context.Context
}

func Detect() Env {
	sdk := getenv("ANDROID_SDK_ROOT", os.Getenv("ANDROID_HOME"))
	port := DefaultPort
	if p, err := strconv.Atoi(os.Getenv("JTDCAPTURE_PORT")); err == nil && p > 0 {
		port = p
	}

	return Env{
		SDKRoot:            sdk,
		Jar:                os.Getenv("JTDCAPTURE_JAR"),
		Port:               port,
		AVDName:            os.Getenv("JTDCAPTURE_AVD"),
		HostAlias:          getenv("JTDCAPTURE_HOST_ALIAS", DefaultHostAlias),
		Marker:             DefaultMarker,
		Java:               getenv("JAVA", "java"),
		ADB:                sdkTool(sdk, filepath.Join("platform-tools", "adb"), "adb"),
		Emulator:           sdkTool(sdk, filepath.Join("emulator", "emulator"), "emulator"),
		BrowserPattern:     DefaultBrowserPattern,
		ProbeTimeout:       2 * time.Second,
		PollInterval:       time.Second,
		CaptureTimeout:     2 * time.Minute,
		UnlockTimeout:      5 * time.Minute,
		UnlockAttempt:      30 * time.Second,
		ServerStartTimeout: 30 * time.Second,
		StopGrace:          5 * time.Second,
		CorrelationID:      os.Getenv("JTDCAPTURE_CORRELATION_ID"),
		Context:            context.Background(),
	}
}

// WithSDKRoot points the adb and emulator binaries at a new SDK root.
func (e Env) WithSDKRoot(sdk string) Env {
	e.SDKRoot = sdk
	e.ADB = sdkTool(sdk, filepath.Join("platform-tools", "adb"), "adb")
	e.Emulator = sdkTool(sdk, filepath.Join("emulator", "emulator"), "emulator")
	return e
}

// sdkTool prefers the binary under the SDK root and falls back to the
// legacy tools/ location, then PATH.
func sdkTool(sdk, rel, fallback string) string {
	if sdk == "" {
		return fallback
	}
	p := filepath.Join(sdk, rel)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	legacy := filepath.Join(sdk, "tools", filepath.Base(rel))
	if _, err := os.Stat(legacy); err == nil {
		return legacy
	}
	if lp, err := exec.LookPath(fallback); err == nil {
		return lp
	}
	return p
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
