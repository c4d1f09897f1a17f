// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

type TestOptions struct {
	Tests  string   // value of --tests, e.g. "all"
	Args   []string // passed through verbatim after --tests
	Stdout io.Writer
	Stderr io.Writer
}

// RunTests invokes the JsTestDriver client against the captured browser and
// returns its exit code. Output is passed through untouched.
func RunTests(ctx context.Context, env Env, opts TestOptions) (int, error) {
	ctx, span := startSpan(ctx, env, "capture.RunTests", attribute.String("tests", opts.Tests))
	defer span.End()
	if env.Jar == "" {
		err := usageError("path to the JsTestDriver jar is required")
		recordSpanError(span, err)
		return 1, err
	}
	if opts.Tests == "" {
		err := usageError("no tests given")
		recordSpanError(span, err)
		return 1, err
	}

	args := append([]string{"-jar", env.Jar, "--tests", opts.Tests}, opts.Args...)
	cmd := exec.CommandContext(ctx, env.Java, args...)
	cmd.Stdout = writerOr(opts.Stdout, os.Stdout)
	cmd.Stderr = writerOr(opts.Stderr, os.Stderr)

	logEvent(env, "running tests", "tests", opts.Tests, "args", len(opts.Args))
	start := time.Now()
	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		recordSpanError(span, ctx.Err())
		return 1, ctx.Err()
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	default:
		recordSpanError(span, err)
		return 1, err
	}
	span.SetAttributes(attribute.Int("exit_code", code))
	logEvent(env, "tests finished", "exit_code", code, "elapsed", humanDuration(time.Since(start)))
	return code, nil
}

func writerOr(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
