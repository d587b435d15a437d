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
	"context"
	"errors"
	"os"
	"testing"

	"github.com/OpenPSG/pulselab/acquisition"
	"github.com/OpenPSG/pulselab/acquisition/sim"
	"github.com/OpenPSG/pulselab/internal/events"
	"github.com/OpenPSG/pulselab/session"
	"github.com/OpenPSG/pulselab/store"
	"github.com/OpenPSG/pulselab/units"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	subjects []string
	payloads []any
	err      error
}

func (r *recorder) Publish(subject string, payload any) error {
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, payload)
	return r.err
}

func testConfig(t *testing.T) session.Config {
	cfg := session.DefaultConfig()
	cfg.RunName = "bench"
	cfg.BaseDir = t.TempDir()
	cfg.Pulses = 2
	cfg.BaseSamples = 80
	cfg.PreTriggerRatio = 0.25
	return cfg
}

func testScope() *sim.Scope {
	s := sim.New()
	s.SignalA = sim.Ramp(0, 100)
	s.SignalB = sim.Constant(1000)
	return s
}

func readDataset(t *testing.T, path string) (store.Header, []store.Pulse) {
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
	})

	hdr, pulses, err := store.ReadPulses(f)
	require.NoError(t, err)
	return hdr, pulses
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)
	scope := testScope()
	rec := &recorder{}
	tracker := session.NewTracker()

	res, err := session.Run(context.Background(), cfg, scope,
		session.WithNotifier(rec), session.WithTracker(tracker))
	require.NoError(t, err)

	assert.Equal(t, 1, res.FirstPulseID)
	assert.Equal(t, 2, res.LastPulseID)
	assert.Equal(t, 2, res.PulsesWritten)
	_, err = uuid.Parse(res.RunID)
	require.NoError(t, err)
	assert.True(t, scope.Closed)

	hdr, pulses := readDataset(t, res.DatasetPath)
	assert.Equal(t, "bench", hdr.RunName)
	assert.Equal(t, units.UnitAmpere, hdr.CurrentUnit)
	require.Len(t, pulses, 2)

	for k, p := range pulses {
		assert.Equal(t, k+1, p.ID)
		require.Equal(t, 100, p.Len())
		for i := 0; i < p.Len(); i++ {
			assert.InDelta(t, float64(i)*50e-9, p.Time[i], 1e-15)
			assert.InDelta(t, float64(i*100)/sim.DefaultMaxADC*0.05*50, p.Voltage[i], 1e-6)
			assert.InDelta(t, 1000.0/sim.DefaultMaxADC*10/0.02, p.Current[i], 1e-6)
		}
	}

	meta, err := store.ReadMetadata(res.MetadataPath)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, meta.RunID)
	assert.Equal(t, res.DatasetPath, meta.DatasetPath)
	assert.InDelta(t, 20e6, meta.SampleRate, 1e-3)
	assert.InDelta(t, 50e-9, meta.SampleInterval, 1e-18)
	assert.Equal(t, uint32(4), meta.Timebase)
	assert.Equal(t, 25, meta.PreTriggerSamples)
	assert.Equal(t, 75, meta.PostTriggerSamples)
	assert.Equal(t, "AC", meta.ChannelA.Coupling)
	assert.Equal(t, 0.05, meta.ChannelA.FullScaleVolts)
	assert.Equal(t, 50.0, meta.ChannelA.ProbeAttenuation)
	assert.Equal(t, 10.0, meta.ChannelB.FullScaleVolts)
	assert.Equal(t, 0.02, meta.ChannelB.VoltsPerAmp)
	assert.Equal(t, "falling", meta.TriggerDirection)
	assert.Equal(t, 2, meta.PulsesWritten)
	assert.Equal(t, 2, meta.LastPulseID)

	assert.Equal(t, []string{
		events.SubjectRunStarted,
		events.SubjectPulseAppended,
		events.SubjectPulseAppended,
		events.SubjectRunFinished,
	}, rec.subjects)
	finished, ok := rec.payloads[3].(events.RunFinished)
	require.True(t, ok)
	assert.Equal(t, 2, finished.PulsesWritten)
	assert.Empty(t, finished.Error)

	st := tracker.Snapshot()
	assert.Equal(t, session.StateFinished, st.State)
	assert.Equal(t, 2, st.PulsesPlanned)
	assert.Equal(t, 2, st.PulsesWritten)
	assert.Equal(t, 2, st.LastPulseID)
	assert.Equal(t, res.MetadataPath, st.MetadataPath)
}

func TestRunResumesPulseIDs(t *testing.T) {
	cfg := testConfig(t)

	_, err := session.Run(context.Background(), cfg, testScope())
	require.NoError(t, err)

	cfg.Pulses = 3
	res, err := session.Run(context.Background(), cfg, testScope())
	require.NoError(t, err)
	assert.Equal(t, 3, res.FirstPulseID)
	assert.Equal(t, 5, res.LastPulseID)

	_, pulses := readDataset(t, res.DatasetPath)
	require.Len(t, pulses, 5)
	for k, p := range pulses {
		assert.Equal(t, k+1, p.ID)
	}

	meta, err := store.ReadMetadata(res.MetadataPath)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.PulsesWritten)
	assert.Equal(t, 5, meta.LastPulseID)
}

func TestRunUnitMismatch(t *testing.T) {
	cfg := testConfig(t)
	_, err := session.Run(context.Background(), cfg, testScope())
	require.NoError(t, err)

	cfg.VoltsPerAmp = 0
	scope := testScope()
	_, err = session.Run(context.Background(), cfg, scope)
	require.ErrorIs(t, err, store.ErrUnitMismatch)
	assert.False(t, scope.Opened)
}

func TestRunCaptureFailureKeepsWrittenPulses(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pulses = 3

	scope := testScope()
	scope.FailBlock = 2
	rec := &recorder{}
	tracker := session.NewTracker()

	res, err := session.Run(context.Background(), cfg, scope,
		session.WithNotifier(rec), session.WithTracker(tracker))
	require.ErrorIs(t, err, acquisition.ErrCapture)
	assert.Equal(t, 1, res.PulsesWritten)
	assert.Equal(t, 1, res.LastPulseID)
	assert.True(t, scope.Closed)

	_, pulses := readDataset(t, res.DatasetPath)
	require.Len(t, pulses, 1)

	meta, err := store.ReadMetadata(res.MetadataPath)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.PulsesWritten)

	finished, ok := rec.payloads[len(rec.payloads)-1].(events.RunFinished)
	require.True(t, ok)
	assert.NotEmpty(t, finished.Error)

	st := tracker.Snapshot()
	assert.Equal(t, session.StateFailed, st.State)
	assert.NotEmpty(t, st.Error)

	// The next run continues after the pulse that made it to disk.
	res, err = session.Run(context.Background(), cfg, testScope())
	require.NoError(t, err)
	assert.Equal(t, 2, res.FirstPulseID)
}

func TestRunOpenFailure(t *testing.T) {
	cfg := testConfig(t)
	scope := testScope()
	scope.TriggerErr = errors.New("rejected")

	res, err := session.Run(context.Background(), cfg, scope)
	require.ErrorIs(t, err, acquisition.ErrTriggerConfig)
	assert.Zero(t, res.PulsesWritten)
	assert.True(t, scope.Closed)

	// The dataset header exists even though no pulse was captured.
	hdr, pulses := readDataset(t, res.DatasetPath)
	assert.Equal(t, "bench", hdr.RunName)
	assert.Empty(t, pulses)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scope := testScope()
	res, err := session.Run(ctx, testConfig(t), scope)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.PulsesWritten)
	assert.Zero(t, scope.Blocks)
	assert.True(t, scope.Closed)
}

func TestRunNotifierFailureIsNotFatal(t *testing.T) {
	rec := &recorder{err: errors.New("nats: connection closed")}

	res, err := session.Run(context.Background(), testConfig(t), testScope(), session.WithNotifier(rec))
	require.NoError(t, err)
	assert.Equal(t, 2, res.PulsesWritten)
	assert.Len(t, rec.subjects, 4)
}

func TestRunInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pulses = 0

	scope := testScope()
	_, err := session.Run(context.Background(), cfg, scope)
	require.Error(t, err)
	assert.False(t, scope.Opened)

	_, statErr := os.Stat(cfg.RunDir())
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}
