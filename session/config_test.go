// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package session_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenPSG/pulselab/acquisition"
	"github.com/OpenPSG/pulselab/session"
	"github.com/OpenPSG/pulselab/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runYAML = `
run_name: 90V_DC_300A
base_dir: /data/picoscope
pulses: 5
inter_pulse_delay: 10ms
voltage:
  coupling: DC
  range: 100mV
  dc_offset: 0.01
current:
  range: 20V
rogowski_v_per_a: 0.01
trigger:
  source: B
  level_v: 0.5
  direction: rising
  auto_trigger: 250ms
nats_url: nats://localhost:4222
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := session.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, session.DefaultConfig(), cfg)

	total, pre, post := cfg.Samples()
	assert.Equal(t, 480000, total)
	assert.Equal(t, 96000, pre)
	assert.Equal(t, 384000, post)
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(runYAML), 0o644))

	t.Setenv("PULSELAB_PULSES", "7")
	t.Setenv("PULSELAB_READY_TIMEOUT", "2s")
	t.Setenv("PULSELAB_CURRENT_RANGE", "50V")

	cfg, err := session.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "90V_DC_300A", cfg.RunName)
	assert.Equal(t, 7, cfg.Pulses)
	assert.Equal(t, 10*time.Millisecond, cfg.InterPulseDelay)
	assert.Equal(t, 2*time.Second, cfg.ReadyTimeout)

	assert.Equal(t, acquisition.ChannelA, cfg.Voltage.Channel)
	assert.Equal(t, acquisition.CouplingDC, cfg.Voltage.Coupling)
	assert.Equal(t, units.Range100mV, cfg.Voltage.Range)
	assert.Equal(t, 0.01, cfg.Voltage.Offset)

	assert.Equal(t, acquisition.ChannelB, cfg.Current.Channel)
	assert.Equal(t, acquisition.CouplingAC, cfg.Current.Coupling)
	assert.Equal(t, units.Range50V, cfg.Current.Range)
	assert.Equal(t, 0.01, cfg.VoltsPerAmp)

	assert.Equal(t, acquisition.ChannelB, cfg.Trigger.Source)
	assert.Equal(t, 0.5, cfg.Trigger.Level)
	assert.Equal(t, acquisition.DirectionRising, cfg.Trigger.Direction)
	assert.Equal(t, 250*time.Millisecond, cfg.Trigger.AutoAfter)

	// Untouched settings keep their defaults.
	assert.Equal(t, 20e6, cfg.SampleRate)
	assert.Equal(t, 50.0, cfg.ProbeAttenuation)

	assert.Equal(t, filepath.Join("/data/picoscope", "Runs", "90V_DC_300A", "90V_DC_300A.csv"), cfg.DatasetPath())
	assert.Equal(t, filepath.Join("/data/picoscope", "Runs", "90V_DC_300A", "90V_DC_300A.meta.json"), cfg.MetadataPath())
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := session.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unknown range", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.yaml")
		require.NoError(t, os.WriteFile(path, []byte("voltage:\n  range: 3V\n"), 0o644))

		_, err := session.LoadConfig(path)
		require.ErrorIs(t, err, units.ErrUnsupportedRange)
	})

	t.Run("bad env", func(t *testing.T) {
		t.Setenv("PULSELAB_PULSES", "many")
		_, err := session.LoadConfig("")
		require.ErrorContains(t, err, "PULSELAB_PULSES")
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*session.Config)
	}{
		{"empty run name", func(c *session.Config) { c.RunName = "" }},
		{"run name with separator", func(c *session.Config) { c.RunName = "a/b" }},
		{"run name with newline", func(c *session.Config) { c.RunName = "a\n5,0,0,0,0" }},
		{"run name with carriage return", func(c *session.Config) { c.RunName = "a\rb" }},
		{"no pulses", func(c *session.Config) { c.Pulses = 0 }},
		{"zero sample rate", func(c *session.Config) { c.SampleRate = 0 }},
		{"zero tolerance", func(c *session.Config) { c.Tolerance = 0 }},
		{"no samples", func(c *session.Config) { c.BaseSamples = 0 }},
		{"ratio of one", func(c *session.Config) { c.PreTriggerRatio = 1 }},
		{"unsupported range", func(c *session.Config) { c.Voltage.Range = units.Range10mV }},
		{"negative transfer ratio", func(c *session.Config) { c.VoltsPerAmp = -1 }},
		{"zero attenuation", func(c *session.Config) { c.ProbeAttenuation = 0 }},
		{"negative delay", func(c *session.Config) { c.InterPulseDelay = -time.Second }},
	}

	require.NoError(t, session.DefaultConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := session.DefaultConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigAcquisition(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.BaseSamples = 80
	cfg.PreTriggerRatio = 0.25
	cfg.InterPulseDelay = 5 * time.Millisecond

	acq := cfg.Acquisition()
	assert.Equal(t, 25, acq.PreTriggerSamples)
	assert.Equal(t, 75, acq.PostTriggerSamples)
	assert.Equal(t, 100, acq.Samples())
	assert.Equal(t, 5*time.Millisecond, acq.InterPulseDelay)
	assert.Equal(t, cfg.Trigger, acq.Trigger)
}
