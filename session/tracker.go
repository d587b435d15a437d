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
	"sync"
	"time"
)

// Run states reported by Tracker.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateFinished = "finished"
	StateFailed   = "failed"
)

// Status is a point-in-time view of a run.
type Status struct {
	State         string    `json:"state"`
	RunID         string    `json:"run_id,omitempty"`
	RunName       string    `json:"run_name,omitempty"`
	DatasetPath   string    `json:"csv_path,omitempty"`
	MetadataPath  string    `json:"meta_path,omitempty"`
	CurrentUnit   string    `json:"current_unit,omitempty"`
	PulsesPlanned int       `json:"pulses_planned"`
	PulsesWritten int       `json:"pulses_written"`
	FirstPulseID  int       `json:"first_pulse_id,omitempty"`
	LastPulseID   int       `json:"last_pulse_id,omitempty"`
	Started       time.Time `json:"started,omitempty"`
	Updated       time.Time `json:"updated,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Tracker records run progress. It is safe for concurrent use; the session
// writes to it and readers take snapshots.
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

// NewTracker returns a tracker in the idle state.
func NewTracker() *Tracker {
	return &Tracker{status: Status{State: StateIdle}}
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Tracker) start(st Status) {
	if t == nil {
		return
	}
	now := time.Now()
	st.State = StateRunning
	st.Started = now
	st.Updated = now

	t.mu.Lock()
	t.status = st
	t.mu.Unlock()
}

func (t *Tracker) pulse(id int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.status.PulsesWritten++
	t.status.LastPulseID = id
	t.status.Updated = time.Now()
	t.mu.Unlock()
}

func (t *Tracker) finish(err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.status.State = StateFinished
	if err != nil {
		t.status.State = StateFailed
		t.status.Error = err.Error()
	}
	t.status.Updated = time.Now()
	t.mu.Unlock()
}
