// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package session runs a complete acquisition: it prepares the dataset,
// drives the controller for the configured number of pulses and keeps the
// run metadata current.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/OpenPSG/pulselab/acquisition"
	"github.com/OpenPSG/pulselab/internal/events"
	"github.com/OpenPSG/pulselab/store"
	"github.com/OpenPSG/pulselab/units"
	"github.com/google/uuid"
)

// Notifier receives run and pulse events. *events.Publisher implements it.
type Notifier interface {
	Publish(subject string, payload any) error
}

// Option customises a run.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	notifier Notifier
	tracker  *Tracker
}

// WithLogger sets the logger used by the session and the controller.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNotifier publishes run events to n. Publish failures are logged and
// never abort the run.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithTracker reports progress to t.
func WithTracker(t *Tracker) Option {
	return func(o *options) {
		o.tracker = t
	}
}

// Result summarises a run. It is filled in as far as the run got, so it is
// meaningful alongside an error.
type Result struct {
	RunID         string
	DatasetPath   string
	MetadataPath  string
	FirstPulseID  int // Id the run started numbering from
	LastPulseID   int // 0 if no pulse was written
	PulsesWritten int
}

// Run captures cfg.Pulses pulses from dev and appends them to the run's
// dataset. Pulses appended before a failure remain in the dataset; a later
// run resumes numbering after them. The device is closed on every path.
func Run(ctx context.Context, cfg Config, dev acquisition.Device, opts ...Option) (res Result, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := o.logger.With(slog.String("run", cfg.RunName))

	if err := cfg.Validate(); err != nil {
		return res, fmt.Errorf("invalid configuration: %w", err)
	}

	res.RunID = uuid.NewString()
	res.DatasetPath = cfg.DatasetPath()
	res.MetadataPath = cfg.MetadataPath()

	if err := os.MkdirAll(cfg.RunDir(), 0o755); err != nil {
		return res, fmt.Errorf("error creating run directory: %w", err)
	}

	ds := store.Dataset{
		Path:        res.DatasetPath,
		RunName:     cfg.RunName,
		CurrentUnit: units.CurrentUnit(cfg.VoltsPerAmp),
	}
	if err := ds.Ensure(); err != nil {
		return res, err
	}

	summary, err := ds.Scan()
	if err != nil {
		return res, err
	}
	if summary.Skipped > 0 {
		logger.Warn("dataset contains unparseable lines",
			slog.String("path", ds.Path),
			slog.Int("skipped", summary.Skipped))
	}
	nextID := summary.NextPulseID
	res.FirstPulseID = nextID

	o.tracker.start(Status{
		RunID:         res.RunID,
		RunName:       cfg.RunName,
		DatasetPath:   res.DatasetPath,
		MetadataPath:  res.MetadataPath,
		CurrentUnit:   ds.CurrentUnit,
		PulsesPlanned: cfg.Pulses,
		FirstPulseID:  nextID,
	})
	defer func() {
		o.tracker.finish(err)
		finished := events.RunFinished{
			RunID:         res.RunID,
			RunName:       cfg.RunName,
			PulsesWritten: res.PulsesWritten,
			LastPulseID:   res.LastPulseID,
			Time:          time.Now().UTC(),
		}
		if err != nil {
			finished.Error = err.Error()
		}
		notify(o.notifier, logger, events.SubjectRunFinished, finished)
	}()

	ctrl := acquisition.NewController(dev, cfg.Acquisition(), logger)
	if err := ctrl.Open(); err != nil {
		return res, err
	}
	defer ctrl.Close()

	setup := ctrl.Setup()
	meta := buildMetadata(cfg, ctrl.Config(), setup, res)
	if err := store.WriteMetadata(res.MetadataPath, meta); err != nil {
		return res, err
	}

	logger.Info("run started",
		slog.String("run_id", res.RunID),
		slog.String("path", ds.Path),
		slog.Int("first_pulse_id", nextID),
		slog.Int("pulses", cfg.Pulses),
		slog.Int("samples", ctrl.Config().Samples()))
	notify(o.notifier, logger, events.SubjectRunStarted, events.RunStarted{
		RunID:        res.RunID,
		RunName:      cfg.RunName,
		DatasetPath:  res.DatasetPath,
		MetadataPath: res.MetadataPath,
		FirstPulseID: nextID,
		Pulses:       cfg.Pulses,
		SampleRate:   setup.Timebase.SampleRate,
		Samples:      ctrl.Config().Samples(),
		CurrentUnit:  setup.CurrentUnit,
		Time:         time.Now().UTC(),
	})

	index := 0
	err = ctrl.Acquire(ctx, cfg.Pulses, func(wf *acquisition.Waveform) error {
		index++
		p := store.Pulse{
			ID:      nextID,
			Time:    wf.Time,
			Voltage: wf.Voltage,
			Current: wf.Current,
		}
		if err := ds.Append(p); err != nil {
			return fmt.Errorf("error appending pulse %d: %w", nextID, err)
		}

		res.LastPulseID = nextID
		res.PulsesWritten++
		o.tracker.pulse(nextID)

		logger.Info("pulse appended",
			slog.Int("pulse_id", nextID),
			slog.Int("index", index),
			slog.Int("of", cfg.Pulses))
		notify(o.notifier, logger, events.SubjectPulseAppended, events.PulseAppended{
			RunID:      res.RunID,
			RunName:    cfg.RunName,
			PulseID:    nextID,
			Index:      index,
			Samples:    p.Len(),
			OverRangeA: wf.Overflow.Channel(acquisition.ChannelA),
			OverRangeB: wf.Overflow.Channel(acquisition.ChannelB),
			Time:       time.Now().UTC(),
		})

		nextID++
		return nil
	})

	meta.PulsesWritten = res.PulsesWritten
	meta.LastPulseID = res.LastPulseID
	if werr := store.WriteMetadata(res.MetadataPath, meta); werr != nil {
		logger.Warn("error updating metadata", slog.String("error", werr.Error()))
	}

	if err != nil {
		logger.Error("run aborted",
			slog.Int("pulses_written", res.PulsesWritten),
			slog.String("error", err.Error()))
		return res, err
	}

	logger.Info("run finished",
		slog.Int("pulses_written", res.PulsesWritten),
		slog.Int("last_pulse_id", res.LastPulseID))
	return res, nil
}

func buildMetadata(cfg Config, acq acquisition.Config, setup acquisition.Setup, res Result) store.Metadata {
	return store.Metadata{
		RunID:              res.RunID,
		RunName:            cfg.RunName,
		DatasetPath:        res.DatasetPath,
		SampleRate:         setup.Timebase.SampleRate,
		SampleInterval:     setup.Timebase.Interval,
		Timebase:           setup.Timebase.Timebase,
		PreTriggerSamples:  acq.PreTriggerSamples,
		PostTriggerSamples: acq.PostTriggerSamples,
		Oversample:         acq.Oversample,
		ChannelA: store.ChannelMetadata{
			Coupling:         acq.Voltage.Coupling.String(),
			Range:            acq.Voltage.Range,
			FullScaleVolts:   setup.VoltageFullScale,
			OffsetVolts:      acq.Voltage.Offset,
			ProbeAttenuation: acq.ProbeAttenuation,
		},
		ChannelB: store.ChannelMetadata{
			Coupling:       acq.Current.Coupling.String(),
			Range:          acq.Current.Range,
			FullScaleVolts: setup.CurrentFullScale,
			OffsetVolts:    acq.Current.Offset,
			VoltsPerAmp:    acq.VoltsPerAmp,
		},
		TriggerLevel:     acq.Trigger.Level,
		TriggerDirection: acq.Trigger.Direction.String(),
		CurrentUnit:      setup.CurrentUnit,
	}
}

func notify(n Notifier, logger *slog.Logger, subject string, payload any) {
	if n == nil {
		return
	}
	if err := n.Publish(subject, payload); err != nil {
		logger.Warn("error publishing event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
