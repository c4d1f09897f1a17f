// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := captureLogger.Load()
	captureLogger.Store(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{})))
	t.Cleanup(func() { captureLogger.Store(previous) })
	return &buf
}

func logRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("failed to parse log line %q: %v", line, err)
		}
		records = append(records, record)
	}
	return records
}

func TestLogEventIncludesCorrelationAndTimestamp(t *testing.T) {
	buf := captureLogs(t)

	env := Env{CorrelationID: "corr-123"}
	logEvent(env, "test message", "key", "value")

	records := logRecords(t, buf)
	if len(records) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(records))
	}
	record := records[0]
	if record["correlation_id"] != "corr-123" {
		t.Fatalf("expected correlation_id corr-123, got %#v", record["correlation_id"])
	}
	if _, ok := record["timestamp_ns"]; !ok {
		t.Fatal("expected timestamp_ns field in log record")
	}
	if record["key"] != "value" {
		t.Fatalf("expected key value, got %#v", record["key"])
	}
}

func TestLogWarnLevel(t *testing.T) {
	buf := captureLogs(t)
	logWarn(Env{}, "capture assumed to match running emulator", "serial", "emulator-5554")

	records := logRecords(t, buf)
	if len(records) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(records))
	}
	if records[0]["level"] != "WARN" {
		t.Fatalf("expected WARN, got %#v", records[0]["level"])
	}
	if _, ok := records[0]["correlation_id"]; ok {
		t.Fatal("correlation_id should be omitted when unset")
	}
}

func TestCommandLogWriterIncludesFields(t *testing.T) {
	buf := captureLogs(t)

	env := Env{CorrelationID: "corr-456"}
	writer := newCommandLogWriter(env, "adb", []string{"devices"})
	_, _ = writer.Write([]byte("boom\npartial"))
	_, _ = writer.Write([]byte(" line\n\n"))

	records := logRecords(t, buf)
	if len(records) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(records))
	}
	record := records[0]
	if record["msg"] != "command output" {
		t.Fatalf("expected message 'command output', got %#v", record["msg"])
	}
	if record["command"] != "adb" {
		t.Fatalf("expected command adb, got %#v", record["command"])
	}
	if record["args"] != "devices" {
		t.Fatalf("expected args devices, got %#v", record["args"])
	}
	if record["line"] != "boom" {
		t.Fatalf("expected line boom, got %#v", record["line"])
	}
	if records[1]["line"] != "partial line" {
		t.Fatalf("expected buffered line to be joined, got %#v", records[1]["line"])
	}
	if record["correlation_id"] != "corr-456" {
		t.Fatalf("expected correlation_id corr-456, got %#v", record["correlation_id"])
	}
}

func TestRunLogsPlan(t *testing.T) {
	buf := captureLogs(t)
	probe := &fakeProber{alive: true, captured: []bool{true}}
	device := &fakeDevice{devices: []Device{{Serial: "emulator-5554", State: "device"}}}
	orch, _ := newTestOrchestrator(testEnv(), probe, device)
	if _, err := orch.Run(t.Context()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	var planned, warned bool
	for _, r := range logRecords(t, buf) {
		switch r["msg"] {
		case "session planned":
			planned = r["action"] == "proceed" && r["fresh_server"] == false
		case "capture assumed to match running emulator":
			warned = r["level"] == "WARN" && r["serial"] == "emulator-5554"
		}
	}
	if !planned {
		t.Fatal("expected a session planned record for the proceed action")
	}
	if !warned {
		t.Fatal("expected a warning about the unverified capture")
	}
}

func TestHumanDuration(t *testing.T) {
	if got := humanDuration(250 * time.Millisecond); got != "250ms" {
		t.Fatalf("unexpected %q", got)
	}
	if got := humanDuration(90 * time.Second); got != "About a minute" {
		t.Fatalf("unexpected %q", got)
	}
	if got := humanDuration(1990 * time.Millisecond); got != "2 seconds" {
		t.Fatalf("expected rounding to the nearest second, got %q", got)
	}
}

func TestSetLogOutputWhileLogging(t *testing.T) {
	previous := captureLogger.Load()
	t.Cleanup(func() { captureLogger.Store(previous) })
	SetLogOutput(io.Discard)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logEvent(Env{}, "concurrent", "worker", n)
			}
		}(i)
	}
	for i := 0; i < 50; i++ {
		SetLogOutput(io.Discard)
	}
	wg.Wait()
}
