// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package acquisition drives a dual-channel block-mode oscilloscope: it
// configures the inputs, picks a timebase, arms the trigger and captures
// calibrated pulses.
//
// The instrument itself is reached through the Device interface so the
// controller can run against real hardware bindings or the simulator in
// package sim.
package acquisition

import (
	"fmt"
	"strings"
	"time"

	"github.com/OpenPSG/pulselab/units"
)

// Channel identifies an input channel.
type Channel int

const (
	ChannelA Channel = iota
	ChannelB
)

func (c Channel) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelB:
		return "B"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

func (c Channel) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Channel) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "A":
		*c = ChannelA
	case "B":
		*c = ChannelB
	default:
		return fmt.Errorf("unknown channel %q", text)
	}
	return nil
}

// Coupling selects AC or DC input coupling.
type Coupling int

const (
	CouplingAC Coupling = iota
	CouplingDC
)

func (c Coupling) String() string {
	switch c {
	case CouplingAC:
		return "AC"
	case CouplingDC:
		return "DC"
	default:
		return fmt.Sprintf("Coupling(%d)", int(c))
	}
}

func (c Coupling) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Coupling) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "AC":
		*c = CouplingAC
	case "DC":
		*c = CouplingDC
	default:
		return fmt.Errorf("unknown coupling %q", text)
	}
	return nil
}

// Direction is the threshold direction of a level trigger.
type Direction int

const (
	DirectionAbove Direction = iota
	DirectionBelow
	DirectionRising
	DirectionFalling
	DirectionRisingOrFalling
)

var directionNames = []string{"above", "below", "rising", "falling", "rising_or_falling"}

func (d Direction) String() string {
	if d >= 0 && int(d) < len(directionNames) {
		return directionNames[d]
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range directionNames {
		if n == s {
			*d = Direction(i)
			return nil
		}
	}
	return fmt.Errorf("unknown trigger direction %q", text)
}

// ChannelConfig is the input setup of one channel. It is fixed for a run.
type ChannelConfig struct {
	Channel  Channel     `yaml:"-"`
	Coupling Coupling    `yaml:"coupling"`
	Range    units.Range `yaml:"range"`
	Offset   float64     `yaml:"dc_offset"` // Volts
}

// TriggerConfig describes a single-channel level trigger in physical units.
type TriggerConfig struct {
	Source    Channel       `yaml:"source"`
	Level     float64       `yaml:"level_v"`
	Direction Direction     `yaml:"direction"`
	Delay     uint32        `yaml:"delay"`        // Samples between trigger and first post-trigger sample
	AutoAfter time.Duration `yaml:"auto_trigger"` // Fire without a trigger event after this long, 0 waits forever
}

// SimpleTrigger is the device-level form of a level trigger.
type SimpleTrigger struct {
	Source        Channel
	Threshold     int16 // ADC code
	Direction     Direction
	Delay         uint32
	AutoTriggerMs int16
}

// Overflow is the per-channel over-range bitmask reported by a fetch.
type Overflow uint16

// Channel reports whether ch went over range.
func (o Overflow) Channel(ch Channel) bool {
	return o&(1<<uint(ch)) != 0
}

// TimebaseQuerier reports the real sample interval of a timebase index.
type TimebaseQuerier interface {
	// GetTimebase returns the sample interval in nanoseconds and the maximum
	// number of samples available at the given timebase.
	GetTimebase(timebase uint32, samples int) (intervalNs float64, maxSamples int, err error)
}

// Device is the capability set the controller needs from an oscilloscope
// driver. Implementations are not safe for concurrent use.
type Device interface {
	TimebaseQuerier

	// Open opens the unit. An error wrapping ErrPowerSource means the unit
	// is open but asks to be switched to another power source.
	Open() error
	ChangePowerSource(cause error) error
	SetChannel(cfg ChannelConfig) error
	// MaximumValue returns the ADC code corresponding to full scale.
	MaximumValue() (int16, error)
	SetSimpleTrigger(t SimpleTrigger) error
	// SetDataBuffer registers buf as the fetch destination for ch.
	SetDataBuffer(ch Channel, buf []int16) error
	// RunBlock starts a block capture and returns the time the device
	// expects to be busy.
	RunBlock(preTrigger, postTrigger int, timebase uint32, oversample int) (time.Duration, error)
	IsReady() (bool, error)
	// GetValues copies up to n samples of the last capture into the
	// registered buffers.
	GetValues(n int) (int, Overflow, error)
	Stop() error
	Close() error
}
