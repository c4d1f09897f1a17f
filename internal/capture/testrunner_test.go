// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

//go:build unix

package capture

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRunTestsPassesExitCode(t *testing.T) {
	quietLogs(t)
	env := testEnv()
	env.Jar = "/opt/JsTestDriver.jar"
	env.Java = writeScript(t, "java", "echo \"$*\"\necho failing >&2\nexit 3\n")

	var stdout, stderr bytes.Buffer
	code, err := RunTests(context.Background(), env, TestOptions{
		Tests:  "all",
		Args:   []string{"--verbose", "--captureConsole"},
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		t.Fatalf("RunTests returned error: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
	if got := strings.TrimSpace(stdout.String()); got != "-jar /opt/JsTestDriver.jar --tests all --verbose --captureConsole" {
		t.Fatalf("unexpected arguments %q", got)
	}
	if !strings.Contains(stderr.String(), "failing") {
		t.Fatalf("stderr not passed through: %q", stderr.String())
	}
}

func TestRunTestsSuccess(t *testing.T) {
	quietLogs(t)
	env := testEnv()
	env.Jar = "/opt/JsTestDriver.jar"
	env.Java = writeScript(t, "java", "exit 0\n")
	var out bytes.Buffer
	code, err := RunTests(context.Background(), env, TestOptions{Tests: "all", Stdout: &out, Stderr: &out})
	if err != nil || code != 0 {
		t.Fatalf("expected success, got %d, %v", code, err)
	}
}

func TestRunTestsUsage(t *testing.T) {
	env := testEnv()
	if _, err := RunTests(context.Background(), env, TestOptions{Tests: "all"}); !errors.Is(err, ErrUsage) {
		t.Fatalf("expected usage error without a jar, got %v", err)
	}
	env.Jar = "/opt/JsTestDriver.jar"
	if _, err := RunTests(context.Background(), env, TestOptions{}); !errors.Is(err, ErrUsage) {
		t.Fatalf("expected usage error without tests, got %v", err)
	}
}
