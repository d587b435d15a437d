// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package events publishes run and pulse notifications over NATS.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectRunStarted    = "pulselab.run.started"
	SubjectPulseAppended = "pulselab.pulse.appended"
	SubjectRunFinished   = "pulselab.run.finished"
)

// RunStarted is published once the device is armed and the metadata written.
type RunStarted struct {
	RunID        string    `json:"run_id"`
	RunName      string    `json:"run_name"`
	DatasetPath  string    `json:"csv_path"`
	MetadataPath string    `json:"meta_path"`
	FirstPulseID int       `json:"first_pulse_id"`
	Pulses       int       `json:"pulses"`
	SampleRate   float64   `json:"fs"`
	Samples      int       `json:"samples"`
	CurrentUnit  string    `json:"current_unit"`
	Time         time.Time `json:"time"`
}

// PulseAppended is published after a pulse has been synced to the dataset.
type PulseAppended struct {
	RunID      string    `json:"run_id"`
	RunName    string    `json:"run_name"`
	PulseID    int       `json:"pulse_id"`
	Index      int       `json:"index"` // 1-based position within the run
	Samples    int       `json:"samples"`
	OverRangeA bool      `json:"over_range_a,omitempty"`
	OverRangeB bool      `json:"over_range_b,omitempty"`
	Time       time.Time `json:"time"`
}

// RunFinished is published when a run ends, successfully or not.
type RunFinished struct {
	RunID         string    `json:"run_id"`
	RunName       string    `json:"run_name"`
	PulsesWritten int       `json:"pulses_written"`
	LastPulseID   int       `json:"last_pulse_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	Time          time.Time `json:"time"`
}

var errNotConnected = errors.New("publisher not connected")

// Publisher sends JSON encoded events to a NATS server.
type Publisher struct {
	Conn *nats.Conn
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url string, opts ...nats.Option) (*Publisher, error) {
	opts = append([]nats.Option{nats.Name("pulselab")}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("error connecting to nats: %w", err)
	}
	return &Publisher{Conn: conn}, nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.Conn != nil {
		_ = p.Conn.Drain()
		p.Conn.Close()
	}
}

func (p *Publisher) Publish(subject string, payload any) error {
	if p.Conn == nil {
		return errNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding %s event: %w", subject, err)
	}
	return p.Conn.Publish(subject, data)
}
