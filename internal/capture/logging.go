// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	units "github.com/docker/go-units"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// captureLogger is swapped atomically so SetLogOutput may be called while
// other goroutines are logging.
var captureLogger atomic.Pointer[slog.Logger]

func init() {
	SetLogOutput(os.Stdout)
}

// SetLogOutput redirects structured logs, e.g. to stderr when stdout carries
// test runner output.
func SetLogOutput(w io.Writer) {
	captureLogger.Store(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

func logEvent(env Env, message string, fields ...any) {
	emit(env, slog.LevelInfo, message, fields...)
}

func logWarn(env Env, message string, fields ...any) {
	emit(env, slog.LevelWarn, message, fields...)
}

func emit(env Env, level slog.Level, message string, fields ...any) {
	now := time.Now().UTC()
	baseFields := []any{"timestamp_ns", now.UnixNano()}
	if env.CorrelationID != "" {
		baseFields = append(baseFields, "correlation_id", env.CorrelationID)
	}
	allFields := append(baseFields, fields...)
	captureLogger.Load().Log(spanContext(env), level, message, allFields...)
	mirrorRecord(env, now, level, message, allFields)
}

// mirrorRecord forwards the event to the global OpenTelemetry logger
// provider, which is a no-op unless one has been installed.
func mirrorRecord(env Env, ts time.Time, level slog.Level, message string, fields []any) {
	var rec otellog.Record
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(message))
	rec.SetSeverityText(level.String())
	if level >= slog.LevelWarn {
		rec.SetSeverity(otellog.SeverityWarn)
	} else {
		rec.SetSeverity(otellog.SeverityInfo)
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		rec.AddAttributes(logAttr(key, fields[i+1]))
	}
	global.GetLoggerProvider().Logger("jtdcapture").Emit(spanContext(env), rec)
}

func logAttr(key string, v any) otellog.KeyValue {
	switch val := v.(type) {
	case string:
		return otellog.String(key, val)
	case int:
		return otellog.Int(key, val)
	case int64:
		return otellog.Int64(key, val)
	case bool:
		return otellog.Bool(key, val)
	case time.Duration:
		return otellog.String(key, val.String())
	default:
		return otellog.String(key, fmt.Sprint(val))
	}
}

// humanDuration renders waits in log messages ("About a minute"). go-units
// truncates, so the value is rounded to the second first.
func humanDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return units.HumanDuration(d.Round(time.Second))
}

type lineLogWriter struct {
	env    Env
	fields []any
	buffer []byte
	msg    string
}

func (writer *lineLogWriter) Write(payload []byte) (int, error) {
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line != "" {
			logEvent(writer.env, writer.msg, append(writer.fields, "line", line)...)
		}
	}
	return len(payload), nil
}

func newLineLogWriter(env Env, message string, fields ...any) io.Writer {
	return &lineLogWriter{
		env:    env,
		fields: fields,
		msg:    message,
	}
}

func newCommandLogWriter(env Env, command string, args []string) io.Writer {
	fields := []any{"command", command, "stream", "output"}
	if len(args) > 0 {
		fields = append(fields, "args", strings.Join(args, " "))
	}
	return newLineLogWriter(env, "command output", fields...)
}
