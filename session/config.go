// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package session

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/OpenPSG/pulselab/acquisition"
	"github.com/OpenPSG/pulselab/units"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PULSELAB_"

// Config is the immutable configuration of one run.
type Config struct {
	RunName string `yaml:"run_name"`
	BaseDir string `yaml:"base_dir"` // Datasets live under BaseDir/Runs/RunName

	Pulses          int           `yaml:"pulses"`
	InterPulseDelay time.Duration `yaml:"inter_pulse_delay"`

	SampleRate      float64 `yaml:"sample_rate"` // Hz
	Tolerance       float64 `yaml:"tolerance"`
	BaseSamples     int     `yaml:"base_samples"`     // Visible window after the trigger
	PreTriggerRatio float64 `yaml:"pretrigger_ratio"` // Share of the block kept before the trigger
	Oversample      int     `yaml:"oversample"`

	Voltage          acquisition.ChannelConfig `yaml:"voltage"`
	Current          acquisition.ChannelConfig `yaml:"current"`
	ProbeAttenuation float64                   `yaml:"probe_attenuation"`
	VoltsPerAmp      float64                   `yaml:"rogowski_v_per_a"` // 0 stores the current channel in volts

	Trigger acquisition.TriggerConfig `yaml:"trigger"`

	PollInterval time.Duration `yaml:"poll_interval"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	NATSURL    string `yaml:"nats_url"`
	StatusAddr string `yaml:"status_addr"`
}

// DefaultConfig returns the configuration of the bench setup: a 1:50 voltage
// probe on channel A and a Rogowski coil on channel B.
func DefaultConfig() Config {
	return Config{
		RunName:         "run",
		BaseDir:         ".",
		Pulses:          3,
		SampleRate:      20e6,
		Tolerance:       0.02,
		BaseSamples:     400_000,
		PreTriggerRatio: 0.2,
		Oversample:      1,
		Voltage: acquisition.ChannelConfig{
			Channel:  acquisition.ChannelA,
			Coupling: acquisition.CouplingAC,
			Range:    units.Range50mV,
		},
		Current: acquisition.ChannelConfig{
			Channel:  acquisition.ChannelB,
			Coupling: acquisition.CouplingAC,
			Range:    units.Range10V,
		},
		ProbeAttenuation: 50,
		VoltsPerAmp:      0.02,
		Trigger: acquisition.TriggerConfig{
			Source:    acquisition.ChannelA,
			Level:     -0.02,
			Direction: acquisition.DirectionFalling,
		},
		PollInterval: time.Millisecond,
	}
}

// LoadConfig builds a configuration from the defaults, the YAML file at path
// (skipped when path is empty) and finally the environment. A .env file in
// the working directory is loaded first if present; variables already set
// take precedence over it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("error reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error parsing config %s: %w", path, err)
		}
	}

	_ = godotenv.Load() // ignore missing file

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	cfg.Voltage.Channel = acquisition.ChannelA
	cfg.Current.Channel = acquisition.ChannelB

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	for _, v := range []struct {
		key string
		set func(string) error
	}{
		{"RUN_NAME", setString(&cfg.RunName)},
		{"BASE_DIR", setString(&cfg.BaseDir)},
		{"PULSES", setInt(&cfg.Pulses)},
		{"INTER_PULSE_DELAY", setDuration(&cfg.InterPulseDelay)},
		{"SAMPLE_RATE", setFloat(&cfg.SampleRate)},
		{"BASE_SAMPLES", setInt(&cfg.BaseSamples)},
		{"PRETRIGGER_RATIO", setFloat(&cfg.PreTriggerRatio)},
		{"VOLTAGE_RANGE", setRange(&cfg.Voltage.Range)},
		{"CURRENT_RANGE", setRange(&cfg.Current.Range)},
		{"PROBE_ATTENUATION", setFloat(&cfg.ProbeAttenuation)},
		{"ROGOWSKI_V_PER_A", setFloat(&cfg.VoltsPerAmp)},
		{"TRIGGER_LEVEL", setFloat(&cfg.Trigger.Level)},
		{"AUTO_TRIGGER", setDuration(&cfg.Trigger.AutoAfter)},
		{"READY_TIMEOUT", setDuration(&cfg.ReadyTimeout)},
		{"NATS_URL", setString(&cfg.NATSURL)},
		{"STATUS_ADDR", setString(&cfg.StatusAddr)},
	} {
		s, ok := os.LookupEnv(EnvPrefix + v.key)
		if !ok || s == "" {
			continue
		}
		if err := v.set(s); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, v.key, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(s string) error {
		*dst = s
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(s string) (err error) {
		*dst, err = strconv.Atoi(s)
		return err
	}
}

func setFloat(dst *float64) func(string) error {
	return func(s string) (err error) {
		*dst, err = strconv.ParseFloat(s, 64)
		return err
	}
}

func setRange(dst *units.Range) func(string) error {
	return func(s string) error {
		return dst.UnmarshalText([]byte(s))
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(s string) (err error) {
		*dst, err = time.ParseDuration(s)
		return err
	}
}

// Validate checks the configuration before any file or device is touched.
func (c Config) Validate() error {
	if c.RunName == "" {
		return errors.New("run name is required")
	}
	if c.RunName == "." || c.RunName == ".." || strings.ContainsAny(c.RunName, `/\`) {
		return fmt.Errorf("run name %q must not contain path separators", c.RunName)
	}
	if strings.IndexFunc(c.RunName, unicode.IsControl) >= 0 {
		return fmt.Errorf("run name %q must not contain control characters", c.RunName)
	}
	if c.Pulses < 1 {
		return fmt.Errorf("pulses must be at least 1, got %d", c.Pulses)
	}
	if c.InterPulseDelay < 0 {
		return fmt.Errorf("negative inter-pulse delay %s", c.InterPulseDelay)
	}
	if !(c.SampleRate > 0) || math.IsInf(c.SampleRate, 0) {
		return fmt.Errorf("invalid sample rate %g", c.SampleRate)
	}
	if !(c.Tolerance > 0) || c.Tolerance >= 1 {
		return fmt.Errorf("tolerance must be in (0, 1), got %g", c.Tolerance)
	}
	if c.BaseSamples < 1 {
		return fmt.Errorf("base samples must be positive, got %d", c.BaseSamples)
	}
	if c.PreTriggerRatio < 0 || c.PreTriggerRatio >= 1 {
		return fmt.Errorf("pre-trigger ratio must be in [0, 1), got %g", c.PreTriggerRatio)
	}
	if c.Oversample < 1 {
		return fmt.Errorf("oversample must be at least 1, got %d", c.Oversample)
	}
	if _, err := units.FullScaleVolts(c.Voltage.Range); err != nil {
		return fmt.Errorf("voltage channel: %w", err)
	}
	if _, err := units.FullScaleVolts(c.Current.Range); err != nil {
		return fmt.Errorf("current channel: %w", err)
	}
	if !(c.ProbeAttenuation > 0) {
		return fmt.Errorf("probe attenuation must be positive, got %g", c.ProbeAttenuation)
	}
	if c.VoltsPerAmp < 0 {
		return fmt.Errorf("negative transfer ratio %g V/A", c.VoltsPerAmp)
	}
	if c.Trigger.Source != acquisition.ChannelA && c.Trigger.Source != acquisition.ChannelB {
		return fmt.Errorf("invalid trigger source %s", c.Trigger.Source)
	}
	if c.ReadyTimeout < 0 || c.PollInterval < 0 || c.Trigger.AutoAfter < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// Samples returns the total block length and its pre/post-trigger split.
// The pre-trigger share is added on top of the base window.
func (c Config) Samples() (total, pre, post int) {
	total = c.BaseSamples + int(c.PreTriggerRatio*float64(c.BaseSamples))
	pre = int(c.PreTriggerRatio * float64(total))
	return total, pre, total - pre
}

// RunDir returns the directory holding the run's dataset and metadata.
func (c Config) RunDir() string {
	return filepath.Join(c.BaseDir, "Runs", c.RunName)
}

// DatasetPath returns the path of the run's dataset file.
func (c Config) DatasetPath() string {
	return filepath.Join(c.RunDir(), c.RunName+".csv")
}

// MetadataPath returns the path of the run's metadata document.
func (c Config) MetadataPath() string {
	return filepath.Join(c.RunDir(), c.RunName+".meta.json")
}

// Acquisition returns the controller configuration for this run.
func (c Config) Acquisition() acquisition.Config {
	_, pre, post := c.Samples()
	return acquisition.Config{
		Voltage:            c.Voltage,
		Current:            c.Current,
		ProbeAttenuation:   c.ProbeAttenuation,
		VoltsPerAmp:        c.VoltsPerAmp,
		Trigger:            c.Trigger,
		SampleRate:         c.SampleRate,
		Tolerance:          c.Tolerance,
		PreTriggerSamples:  pre,
		PostTriggerSamples: post,
		Oversample:         c.Oversample,
		PollInterval:       c.PollInterval,
		ReadyTimeout:       c.ReadyTimeout,
		InterPulseDelay:    c.InterPulseDelay,
	}
}
