// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetect(t *testing.T) {
	t.Setenv("ANDROID_SDK_ROOT", "")
	t.Setenv("ANDROID_HOME", "")
	t.Setenv("JTDCAPTURE_PORT", "")
	t.Setenv("JTDCAPTURE_HOST_ALIAS", "")
	env := Detect()
	if env.Port != DefaultPort {
		t.Fatalf("expected default port, got %d", env.Port)
	}
	if env.HostAlias != DefaultHostAlias || env.Marker != DefaultMarker {
		t.Fatalf("unexpected defaults %q %q", env.HostAlias, env.Marker)
	}
	if env.ADB != "adb" || env.Emulator != "emulator" {
		t.Fatalf("without an SDK root tools come from PATH, got %q %q", env.ADB, env.Emulator)
	}
	if env.PollInterval <= 0 || env.CaptureTimeout <= 0 || env.UnlockTimeout <= 0 {
		t.Fatal("timings should have defaults")
	}
}

func TestDetectFromEnvironment(t *testing.T) {
	sdk := t.TempDir()
	if err := os.MkdirAll(filepath.Join(sdk, "platform-tools"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sdk, "platform-tools", "adb"), nil, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(sdk, "tools"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sdk, "tools", "emulator"), nil, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANDROID_SDK_ROOT", sdk)
	t.Setenv("JTDCAPTURE_PORT", "4224")
	t.Setenv("JTDCAPTURE_JAR", "/opt/JsTestDriver.jar")
	t.Setenv("JTDCAPTURE_CORRELATION_ID", "build-77")

	env := Detect()
	if env.ADB != filepath.Join(sdk, "platform-tools", "adb") {
		t.Fatalf("unexpected adb %q", env.ADB)
	}
	if env.Emulator != filepath.Join(sdk, "tools", "emulator") {
		t.Fatalf("expected legacy emulator location, got %q", env.Emulator)
	}
	if env.Port != 4224 || env.Jar != "/opt/JsTestDriver.jar" || env.CorrelationID != "build-77" {
		t.Fatalf("unexpected env %+v", env)
	}
}

func TestDetectIgnoresInvalidPort(t *testing.T) {
	t.Setenv("JTDCAPTURE_PORT", "nope")
	if env := Detect(); env.Port != DefaultPort {
		t.Fatalf("expected default port, got %d", env.Port)
	}
}
