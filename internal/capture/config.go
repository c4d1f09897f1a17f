// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk form of the settings in Env. Zero values leave the
// corresponding Env field untouched.
type Config struct {
	SDKRoot   string `yaml:"sdk_root"`
	Jar       string `yaml:"jar"`
	Port      int    `yaml:"port"`
	AVD       string `yaml:"avd"`
	HostAlias string `yaml:"host_alias"`
	Marker    string `yaml:"marker"`
	Java      string `yaml:"java"`
	Strict    bool   `yaml:"strict"`

	Headless     bool     `yaml:"headless"`
	EmulatorArgs []string `yaml:"emulator_args"`

	Browser BrowserConfig `yaml:"browser"`
	Timing  TimingConfig  `yaml:"timing"`
}

type BrowserConfig struct {
	ProcessPattern string `yaml:"process_pattern"`
}

type TimingConfig struct {
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	CaptureTimeout     time.Duration `yaml:"capture_timeout"`
	UnlockTimeout      time.Duration `yaml:"unlock_timeout"`
	UnlockAttempt      time.Duration `yaml:"unlock_attempt"`
	UnlockMaxAttempts  uint          `yaml:"unlock_max_attempts"`
	ServerStartTimeout time.Duration `yaml:"server_start_timeout"`
	Settle             float64       `yaml:"settle_seconds"`
	StopGrace          time.Duration `yaml:"stop_grace"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Apply overlays the non-zero settings of c onto env.
func (c *Config) Apply(env Env) Env {
	if c == nil {
		return env
	}
	if c.SDKRoot != "" {
		env = env.WithSDKRoot(c.SDKRoot)
	}
	setString(&env.Jar, c.Jar)
	setString(&env.AVDName, c.AVD)
	setString(&env.HostAlias, c.HostAlias)
	setString(&env.Marker, c.Marker)
	setString(&env.Java, c.Java)
	setString(&env.BrowserPattern, c.Browser.ProcessPattern)
	if c.Port > 0 {
		env.Port = c.Port
	}
	if c.Strict {
		env.Strict = true
	}
	if c.Headless {
		env.Headless = true
	}
	if len(c.EmulatorArgs) > 0 {
		env.EmulatorArgs = append([]string(nil), c.EmulatorArgs...)
	}

	t := c.Timing
	setDuration(&env.ProbeTimeout, t.ProbeTimeout)
	setDuration(&env.PollInterval, t.PollInterval)
	setDuration(&env.CaptureTimeout, t.CaptureTimeout)
	setDuration(&env.UnlockTimeout, t.UnlockTimeout)
	setDuration(&env.UnlockAttempt, t.UnlockAttempt)
	setDuration(&env.ServerStartTimeout, t.ServerStartTimeout)
	setDuration(&env.StopGrace, t.StopGrace)
	if t.UnlockMaxAttempts > 0 {
		env.UnlockMaxAttempts = t.UnlockMaxAttempts
	}
	if t.Settle > 0 {
		env.SettleDelay = SecondsToDuration(t.Settle)
	}
	return env
}

// SecondsToDuration converts fractional seconds as accepted on the command line.
func SecondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
