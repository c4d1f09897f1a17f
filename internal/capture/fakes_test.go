// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type fakeProber struct {
	mu       sync.Mutex
	alive    bool
	captured []bool // consumed per IsBrowserCaptured call; the last value repeats
	polls    []time.Time
	onPoll   func(n int)
	checks   int
	onCheck  func(n int)
}

func (p *fakeProber) IsServerAlive(context.Context) bool {
	p.mu.Lock()
	p.checks++
	n, alive, hook := p.checks, p.alive, p.onCheck
	p.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return alive
}

func (p *fakeProber) checkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks
}

func (p *fakeProber) IsBrowserCaptured(context.Context) bool {
	p.mu.Lock()
	p.polls = append(p.polls, time.Now())
	n := len(p.polls)
	var v bool
	if len(p.captured) > 0 {
		v = p.captured[0]
		if len(p.captured) > 1 {
			p.captured = p.captured[1:]
		}
	}
	v = v && p.alive
	hook := p.onPoll
	p.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return v
}

func (p *fakeProber) setAlive(v bool) {
	p.mu.Lock()
	p.alive = v
	p.mu.Unlock()
}

func (p *fakeProber) pollCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.polls)
}

type fakeDevice struct {
	mu        sync.Mutex
	devices   []Device
	listErr   error
	unlock    []error // consumed per unlock attempt; nil once exhausted
	intentErr map[string]error
	killed    []int
	killErr   error
	calls     []string
	unlocks   int
	onUnlock  func(n int)
}

func (d *fakeDevice) record(format string, args ...any) {
	d.mu.Lock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
	d.mu.Unlock()
}

func (d *fakeDevice) ListDevices(context.Context) ([]Device, error) {
	d.record("devices")
	return d.devices, d.listErr
}

func (d *fakeDevice) SendKeyEvent(_ context.Context, code int) error {
	d.record("key %d", code)
	return nil
}

func (d *fakeDevice) WaitAndSendKeyEvent(ctx context.Context, code int) error {
	d.record("wait key %d", code)
	d.mu.Lock()
	d.unlocks++
	n, hook := d.unlocks, d.onUnlock
	var err error
	if len(d.unlock) > 0 {
		err = d.unlock[0]
		d.unlock = d.unlock[1:]
	}
	d.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if err == nil {
		return ctx.Err()
	}
	return err
}

func (d *fakeDevice) unlockCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unlocks
}

func (d *fakeDevice) LaunchIntent(_ context.Context, action, uri string) error {
	d.record("intent %s", uri)
	return d.intentErr[uri]
}

func (d *fakeDevice) KillProcessesByNamePattern(_ context.Context, pattern string) ([]int, error) {
	d.record("kill %s", pattern)
	return d.killed, d.killErr
}

func (d *fakeDevice) callsWith(prefix string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

type fakeProcess struct {
	pid     int
	mu      sync.Mutex
	stopped int
	done    chan struct{}
	exitErr error
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }
func (p *fakeProcess) LogPath() string { return fmt.Sprintf("/tmp/fake-%d.log", p.pid) }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error { return p.exitErr }

func (p *fakeProcess) exit(err error) {
	p.exitErr = err
	close(p.done)
}

func (p *fakeProcess) Stop(context.Context) error {
	p.mu.Lock()
	p.stopped++
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type fakeLauncher struct {
	probe     *fakeProber
	device    *fakeDevice
	noListen  bool  // the started server never answers
	exitWith  error // the started server exits at once with this status
	serverErr error

	servers   []*fakeProcess
	emulators []*fakeProcess
}

func (l *fakeLauncher) StartServer(context.Context) (Process, error) {
	if l.serverErr != nil {
		return nil, l.serverErr
	}
	p := newFakeProcess(4000 + len(l.servers))
	l.servers = append(l.servers, p)
	if l.exitWith != nil {
		p.exit(l.exitWith)
		return p, nil
	}
	if !l.noListen {
		l.probe.setAlive(true)
	}
	return p, nil
}

func (l *fakeLauncher) StartEmulator(context.Context) (Process, error) {
	p := newFakeProcess(5000 + len(l.emulators))
	l.emulators = append(l.emulators, p)
	if l.device != nil {
		l.device.mu.Lock()
		l.device.devices = append(l.device.devices, Device{Serial: "emulator-5554", State: "device"})
		l.device.mu.Unlock()
	}
	return p, nil
}

// scriptedRunner answers adb commands from a function of the argument list.
type scriptedRunner struct {
	mu     sync.Mutex
	answer func(args []string) (string, error)
	calls  [][]string
}

func (r *scriptedRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), args...))
	r.mu.Unlock()
	out, err := r.answer(args)
	return []byte(out), err
}

func (r *scriptedRunner) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(strings.Join(c, " "), prefix) {
			n++
		}
	}
	return n
}

func testEnv() Env {
	return Env{
		Port:               DefaultPort,
		HostAlias:          DefaultHostAlias,
		Marker:             DefaultMarker,
		BrowserPattern:     DefaultBrowserPattern,
		AVDName:            "jtd",
		PollInterval:       5 * time.Millisecond,
		CaptureTimeout:     2 * time.Second,
		UnlockTimeout:      2 * time.Second,
		UnlockAttempt:      time.Second,
		ServerStartTimeout: time.Second,
		Context:            context.Background(),
	}
}
