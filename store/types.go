// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package store persists captured pulses to an append-only dataset file and
// keeps a single metadata document per run.
package store

import (
	"fmt"
	"time"

	"github.com/OpenPSG/pulselab/units"
)

// Header represents the comment block at the top of a dataset file.
type Header struct {
	RunName     string    // Name of the measurement run
	Created     time.Time // Time the dataset file was created
	CurrentUnit string    // Unit of the current column ("A" or "V")
}

// Columns returns the column layout line for the header's current unit.
func (h Header) Columns() string {
	return fmt.Sprintf("pulse_id,sample_idx,time_s,u_V,i_%s", h.CurrentUnit)
}

// Pulse is one triggered capture. The sample index is the slice index.
type Pulse struct {
	RunName string
	ID      int
	Time    []float64 // Elapsed time since capture start in seconds
	Voltage []float64 // Volts at the device under test
	Current []float64 // Amperes, or volts without a transfer ratio
}

// Len returns the number of samples in the pulse.
func (p Pulse) Len() int {
	return len(p.Time)
}

// Sample returns the i-th sample.
func (p Pulse) Sample(i int) Sample {
	return Sample{
		Index:   i,
		Time:    p.Time[i],
		Voltage: p.Voltage[i],
		Current: p.Current[i],
	}
}

func (p Pulse) validate() error {
	if p.ID < 1 {
		return fmt.Errorf("invalid pulse id %d", p.ID)
	}
	if len(p.Voltage) != len(p.Time) || len(p.Current) != len(p.Time) {
		return fmt.Errorf("pulse %d has mismatched columns: time=%d voltage=%d current=%d",
			p.ID, len(p.Time), len(p.Voltage), len(p.Current))
	}
	return nil
}

// Sample is a single time-aligned voltage/current reading.
type Sample struct {
	Index   int
	Time    float64
	Voltage float64
	Current float64
}

// Record is one data row of a dataset file.
type Record struct {
	PulseID int
	Sample
}

// ChannelMetadata describes one input channel of a run.
type ChannelMetadata struct {
	Coupling         string      `json:"coupling"`
	Range            units.Range `json:"range"`
	FullScaleVolts   float64     `json:"v_range"`
	OffsetVolts      float64     `json:"dc_offset_v"`
	ProbeAttenuation float64     `json:"probe_attenuation,omitempty"`
	VoltsPerAmp      float64     `json:"rogowski_v_per_a,omitempty"`
}

// Metadata is the run-level document. It reflects the current state of a
// run and is overwritten on every update.
type Metadata struct {
	RunID              string          `json:"run_id,omitempty"`
	RunName            string          `json:"run_name"`
	DatasetPath        string          `json:"csv_path"`
	SampleRate         float64         `json:"fs"`
	SampleInterval     float64         `json:"dt_s"`
	Timebase           uint32          `json:"timebase"`
	PreTriggerSamples  int             `json:"pretrigger_samples"`
	PostTriggerSamples int             `json:"posttrigger_samples"`
	Oversample         int             `json:"oversample"`
	ChannelA           ChannelMetadata `json:"ch_a"`
	ChannelB           ChannelMetadata `json:"ch_b"`
	TriggerLevel       float64         `json:"trigger_level_v"`
	TriggerDirection   string          `json:"trigger_direction,omitempty"`
	CurrentUnit        string          `json:"current_unit"`
	PulsesWritten      int             `json:"pulses_written"`
	LastPulseID        int             `json:"last_pulse_id,omitempty"`
	Updated            time.Time       `json:"created_or_updated"`
}
