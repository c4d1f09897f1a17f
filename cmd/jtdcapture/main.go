// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	core "github.com/forkbombeu/jtdcapture/internal/capture"
)

// flags shared by every subcommand; only flags set explicitly override the
// environment and config file.
type globalFlags struct {
	config         string
	jar            string
	port           int
	sdk            string
	avd            string
	settle         float64
	strict         bool
	hostAlias      string
	marker         string
	captureTimeout time.Duration
	unlockTimeout  time.Duration
	pollInterval   time.Duration
	headless       bool
	emulatorArgs   []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tracing disabled:", err)
	}

	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)

	_ = shutdownTracing(context.Background())
	stop()
	os.Exit(code)
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var g globalFlags
	exitCode := 0

	root := &cobra.Command{
		Use:           "jtdcapture",
		Short:         "Capture an Android emulator browser in JsTestDriver and run tests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&g.config, "config", "", "YAML config file")
	pf.StringVar(&g.jar, "jar", "", "path to JsTestDriver.jar ($JTDCAPTURE_JAR)")
	pf.IntVar(&g.port, "port", core.DefaultPort, "JsTestDriver server port ($JTDCAPTURE_PORT)")
	pf.StringVar(&g.sdk, "sdk", "", "Android SDK root ($ANDROID_SDK_ROOT)")
	pf.StringVar(&g.avd, "avd", "", "AVD to start when no emulator is running ($JTDCAPTURE_AVD)")
	pf.Float64Var(&g.settle, "settle", 0, "seconds to wait after capture for the page to initialize")
	pf.BoolVar(&g.strict, "strict", false, "refuse a running server and kill leftover browsers")
	pf.StringVar(&g.hostAlias, "host-alias", core.DefaultHostAlias, "host address as seen from the emulator")
	pf.StringVar(&g.marker, "marker", core.DefaultMarker, "status page text identifying a captured browser")
	pf.DurationVar(&g.captureTimeout, "capture-timeout", 2*time.Minute, "give up waiting for the capture after this long (0 waits forever)")
	pf.DurationVar(&g.unlockTimeout, "unlock-timeout", 5*time.Minute, "give up unlocking the device after this long (0 waits forever)")
	pf.DurationVar(&g.pollInterval, "poll-interval", time.Second, "status page poll interval")
	pf.BoolVar(&g.headless, "headless", false, "start the emulator without a window")
	pf.StringArrayVar(&g.emulatorArgs, "emulator-arg", nil, "extra emulator argument (repeatable)")

	envOf := func(cmd *cobra.Command) (core.Env, error) {
		return resolveEnv(cmd, &g)
	}

	// server
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the JsTestDriver server unless one is already listening",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envOf(cmd)
			if err != nil {
				return err
			}
			env.Context = cmd.Context()
			sup := core.NewServerSupervisor(env, core.NewProbeClient(env), core.ExecLauncher{Env: env})
			state, err := sup.Resolve(cmd.Context())
			if err != nil {
				return err
			}
			if !state.Fresh {
				fmt.Fprintf(stdout, "Server already running on port %d\n", env.Port)
				return nil
			}
			fmt.Fprintf(stdout, "Server started on port %d (pid %d, log: %s)\n", env.Port, state.Process.PID(), state.Process.LogPath())
			return nil
		},
	}
	root.AddCommand(serverCmd)

	// capture
	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Start server and emulator as needed and wait until the browser is captured",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envOf(cmd)
			if err != nil {
				return err
			}
			session, err := runCapture(cmd.Context(), env, stderr)
			if err != nil {
				if cerr := session.Close(context.Background()); cerr != nil {
					fmt.Fprintln(stderr, "stop server:", cerr)
				}
				return err
			}
			printSession(stdout, session)
			return nil
		},
	}
	root.AddCommand(captureCmd)

	// run
	runCmd := &cobra.Command{
		Use:   "run TESTS [-- JSTESTDRIVER ARGS...]",
		Short: "Capture, run tests, then stop the server if this run started it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envOf(cmd)
			if err != nil {
				return err
			}
			core.SetLogOutput(stderr)
			session, err := runCapture(cmd.Context(), env, stderr)
			defer func() {
				if cerr := session.Close(context.Background()); cerr != nil {
					fmt.Fprintln(stderr, "stop server:", cerr)
				}
			}()
			if err != nil {
				return err
			}
			code, err := core.RunTests(cmd.Context(), env, core.TestOptions{
				Tests:  args[0],
				Args:   args[1:],
				Stdout: stdout,
				Stderr: stderr,
			})
			if err != nil {
				return err
			}
			exitCode = code
			return nil
		},
	}
	root.AddCommand(runCmd)

	// status
	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the server is up, a browser is captured and an emulator is attached",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envOf(cmd)
			if err != nil {
				return err
			}
			probe := core.NewProbeClient(env)
			st := statusReport{
				Port:            env.Port,
				ServerAlive:     probe.IsServerAlive(cmd.Context()),
				BrowserCaptured: probe.IsBrowserCaptured(cmd.Context()),
			}
			devices, err := core.NewDeviceController(env, nil).ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			if emu, ok := core.FirstEmulator(devices); ok {
				st.Emulator = emu.Serial
			}
			if statusJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			emulator := st.Emulator
			if emulator == "" {
				emulator = "(none)"
			}
			fmt.Fprintf(stdout, "Server:   %s (port %d)\nCaptured: %v\nEmulator: %s\n", upDown(st.ServerAlive), st.Port, st.BrowserCaptured, emulator)
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output JSON")
	root.AddCommand(statusCmd)

	// devices
	var devicesJSON bool
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List adb devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envOf(cmd)
			if err != nil {
				return err
			}
			devices, err := core.NewDeviceController(env, nil).ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			if devicesJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(devices)
			}
			if len(devices) == 0 {
				fmt.Fprintln(stdout, "(no devices)")
				return nil
			}
			for _, d := range devices {
				kind := "device"
				if d.IsEmulator() {
					kind = "emulator"
				}
				fmt.Fprintf(stdout, "%-18s %-12s %s\n", d.Serial, d.State, kind)
			}
			return nil
		},
	}
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "output JSON")
	root.AddCommand(devicesCmd)

	// purge
	var purgePattern string
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Kill browser processes left on the emulator by a previous session",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envOf(cmd)
			if err != nil {
				return err
			}
			if purgePattern != "" {
				env.BrowserPattern = purgePattern
			}
			killed, err := core.NewDeviceController(env, nil).KillProcessesByNamePattern(cmd.Context(), env.BrowserPattern)
			for _, pid := range killed {
				fmt.Fprintf(stdout, "Browser instance %d killed\n", pid)
			}
			if len(killed) == 0 && err == nil {
				fmt.Fprintln(stdout, "No browser instances detected")
			}
			return err
		},
	}
	purgeCmd.Flags().StringVar(&purgePattern, "pattern", "", "process name fragment (default \"browser\")")
	root.AddCommand(purgeCmd)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		if errors.Is(err, core.ErrStaleServerConflict) {
			fmt.Fprintln(stderr, "Stop the JsTestDriver server and run again.")
		}
		return 1
	}
	return exitCode
}

func runCapture(ctx context.Context, env core.Env, progress io.Writer) (*core.Session, error) {
	env.Context = ctx
	return core.NewDefaultOrchestrator(env).
		WithProgress(func(state core.State, elapsed time.Duration) {
			fmt.Fprintf(progress, "%-18s %s\n", state, elapsed.Round(time.Millisecond))
		}).
		Run(ctx)
}

func printSession(w io.Writer, s *core.Session) {
	fmt.Fprintf(w, "Ready: %s (fresh server: %v, fresh emulator: %v, polls: %d)\n",
		s.Plan.Action(), s.Plan.FreshServer, s.Plan.FreshEmulator, s.Polls)
	if s.Server.Fresh && s.Server.Process != nil {
		fmt.Fprintf(w, "Server pid %d left running (log: %s)\n", s.Server.Process.PID(), s.Server.Process.LogPath())
	}
}

type statusReport struct {
	Port            int    `json:"port"`
	ServerAlive     bool   `json:"server_alive"`
	BrowserCaptured bool   `json:"browser_captured"`
	Emulator        string `json:"emulator,omitempty"`
}

func upDown(b bool) string {
	if b {
		return "up"
	}
	return "down"
}

// resolveEnv layers environment variables, the config file, then flags.
func resolveEnv(cmd *cobra.Command, g *globalFlags) (core.Env, error) {
	env := core.Detect()
	if g.config != "" {
		cfg, err := core.LoadConfig(g.config)
		if err != nil {
			return env, err
		}
		env = cfg.Apply(env)
	}

	flags := cmd.Flags()
	if flags.Changed("sdk") {
		env = env.WithSDKRoot(g.sdk)
	}
	if flags.Changed("jar") {
		env.Jar = g.jar
	}
	if flags.Changed("port") {
		if g.port <= 0 || g.port > 65535 {
			return env, fmt.Errorf("--port %d out of range: %w", g.port, core.ErrUsage)
		}
		env.Port = g.port
	}
	if flags.Changed("avd") {
		env.AVDName = g.avd
	}
	if flags.Changed("settle") {
		if g.settle < 0 {
			return env, fmt.Errorf("--settle must not be negative: %w", core.ErrUsage)
		}
		env.SettleDelay = core.SecondsToDuration(g.settle)
	}
	if flags.Changed("strict") {
		env.Strict = g.strict
	}
	if flags.Changed("host-alias") {
		env.HostAlias = g.hostAlias
	}
	if flags.Changed("marker") {
		env.Marker = g.marker
	}
	if flags.Changed("capture-timeout") {
		env.CaptureTimeout = g.captureTimeout
	}
	if flags.Changed("unlock-timeout") {
		env.UnlockTimeout = g.unlockTimeout
	}
	if flags.Changed("poll-interval") {
		if g.pollInterval <= 0 {
			return env, fmt.Errorf("--poll-interval must be positive: %w", core.ErrUsage)
		}
		env.PollInterval = g.pollInterval
	}
	if flags.Changed("headless") {
		env.Headless = g.headless
	}
	if flags.Changed("emulator-arg") {
		env.EmulatorArgs = g.emulatorArgs
	}
	return env, nil
}
