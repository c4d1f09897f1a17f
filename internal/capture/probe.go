// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

// maxProbeBody bounds how much of the status page is inspected.
const maxProbeBody = 1 << 20

// ProbeResult is either Reachable with the response body, or Unreachable.
type ProbeResult struct {
	Reachable bool
	Status    int
	Body      string
}

// ProbeClient infers server liveness and capture state from the server's
// status page. Status codes are ignored: only reachability and body matter.
type ProbeClient struct {
	env    Env
	client *http.Client
}

func NewProbeClient(env Env) *ProbeClient {
	timeout := env.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeClient{
		env: env,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Probe never returns an error; every transport failure is Unreachable.
func (p *ProbeClient) Probe(ctx context.Context, url string) ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{}
	}
	defer resp.Body.Close()
	// A truncated body still proves the server answered.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	return ProbeResult{Reachable: true, Status: resp.StatusCode, Body: string(body)}
}

func (p *ProbeClient) statusURL() string {
	return fmt.Sprintf("http://localhost:%d", p.env.Port)
}

func (p *ProbeClient) IsServerAlive(ctx context.Context) bool {
	ctx, span := startSpan(ctx, p.env, "capture.IsServerAlive", attribute.Int("port", p.env.Port))
	defer span.End()
	alive := p.Probe(ctx, p.statusURL()).Reachable
	span.SetAttributes(attribute.Bool("alive", alive))
	return alive
}

func (p *ProbeClient) IsBrowserCaptured(ctx context.Context) bool {
	ctx, span := startSpan(ctx, p.env, "capture.IsBrowserCaptured", attribute.Int("port", p.env.Port))
	defer span.End()
	captured := BrowserCaptured(p.Probe(ctx, p.statusURL()), p.marker())
	span.SetAttributes(attribute.Bool("captured", captured))
	return captured
}

func (p *ProbeClient) marker() string {
	if p.env.Marker == "" {
		return DefaultMarker
	}
	return p.env.Marker
}

// BrowserCaptured is the capture predicate over a probe result.
func BrowserCaptured(res ProbeResult, marker string) bool {
	return res.Reachable && strings.Contains(res.Body, marker)
}
