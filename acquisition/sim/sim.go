// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package sim provides a deterministic simulated oscilloscope implementing
// acquisition.Device.
package sim

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/OpenPSG/pulselab/acquisition"
)

const (
	// DefaultMaxADC matches the 8 bit PS3000A units, which scale to 16 bit codes.
	DefaultMaxADC = 32512
	// DefaultTickNs gives interval = (timebase+1)*10ns, so timebase 4 is 20 MS/s.
	DefaultTickNs = 10.0
	// DefaultMaxSamples is the simulated capture memory.
	DefaultMaxSamples = 64 << 20
)

// Signal returns the raw code of sample i (0 is the first pre-trigger sample)
// of the given 1-based block.
type Signal func(block, i int) int16

// Ramp rises by step per sample, starting from start.
func Ramp(start, step int16) Signal {
	return func(_, i int) int16 {
		return clamp(float64(start) + float64(step)*float64(i))
	}
}

// Constant always returns code.
func Constant(code int16) Signal {
	return func(_, _ int) int16 {
		return code
	}
}

// DampedSine is zero before trigger and then rings down from amplitude with
// the given period and decay constant, both in samples.
func DampedSine(trigger int, amplitude, period, decay float64) Signal {
	return func(_, i int) int16 {
		if i < trigger {
			return 0
		}
		k := float64(i - trigger)
		return clamp(amplitude * math.Exp(-k/decay) * math.Sin(2*math.Pi*k/period))
	}
}

// Scope is a simulated dual-channel block-mode oscilloscope. Exported fields
// configure behaviour and inject faults; the remaining exported fields record
// what the controller did.
type Scope struct {
	MaxADC     int16
	TickNs     float64
	MaxSamples int
	ReadyAfter int // IsReady polls answered false before a block completes
	SignalA    Signal
	SignalB    Signal

	OpenErr        error
	PowerSourceErr error
	ChannelErr     map[acquisition.Channel]error
	TriggerErr     error
	FailBlock      int // 1-based block whose RunBlock fails, 0 never
	BlockErr       error
	GetValuesErr   error
	ShortRead      int // Samples withheld from every fetch
	NeverReady     bool
	StopErr        error
	CloseErr       error

	Opened             bool
	Closed             bool
	Stopped            bool
	PowerSourceChanged bool
	Channels           map[acquisition.Channel]acquisition.ChannelConfig
	Trigger            acquisition.SimpleTrigger
	TimebaseQueries    int
	Blocks             int
	Polls              int
	LastTimebase       uint32

	buffers  map[acquisition.Channel][]int16
	pre      int
	post     int
	pending  int
	captured bool
}

// New returns a scope with a falling damped discharge on channel A and the
// matching current on channel B.
func New() *Scope {
	return &Scope{
		MaxADC:     DefaultMaxADC,
		TickNs:     DefaultTickNs,
		MaxSamples: DefaultMaxSamples,
		SignalA:    DampedSine(0, -20000, 400, 2000),
		SignalB:    DampedSine(0, 12000, 400, 2000),
	}
}

var errNotOpen = errors.New("device not open")

func (s *Scope) Open() error {
	if s.OpenErr != nil {
		if errors.Is(s.OpenErr, acquisition.ErrPowerSource) {
			s.Opened = true
		}
		return s.OpenErr
	}
	s.Opened = true
	s.Closed = false
	return nil
}

func (s *Scope) ChangePowerSource(cause error) error {
	s.PowerSourceChanged = true
	return s.PowerSourceErr
}

func (s *Scope) SetChannel(cfg acquisition.ChannelConfig) error {
	if !s.Opened {
		return errNotOpen
	}
	if err := s.ChannelErr[cfg.Channel]; err != nil {
		return err
	}
	if s.Channels == nil {
		s.Channels = make(map[acquisition.Channel]acquisition.ChannelConfig)
	}
	s.Channels[cfg.Channel] = cfg
	return nil
}

func (s *Scope) MaximumValue() (int16, error) {
	if !s.Opened {
		return 0, errNotOpen
	}
	return s.MaxADC, nil
}

func (s *Scope) GetTimebase(timebase uint32, samples int) (float64, int, error) {
	s.TimebaseQueries++
	if samples > s.MaxSamples {
		return 0, s.MaxSamples, fmt.Errorf("too many samples: %d > %d", samples, s.MaxSamples)
	}
	return float64(timebase+1) * s.TickNs, s.MaxSamples, nil
}

func (s *Scope) SetSimpleTrigger(t acquisition.SimpleTrigger) error {
	if s.TriggerErr != nil {
		return s.TriggerErr
	}
	s.Trigger = t
	return nil
}

func (s *Scope) SetDataBuffer(ch acquisition.Channel, buf []int16) error {
	if s.buffers == nil {
		s.buffers = make(map[acquisition.Channel][]int16)
	}
	s.buffers[ch] = buf
	return nil
}

func (s *Scope) RunBlock(preTrigger, postTrigger int, timebase uint32, oversample int) (time.Duration, error) {
	if !s.Opened {
		return 0, errNotOpen
	}
	s.Blocks++
	if s.FailBlock == s.Blocks {
		err := s.BlockErr
		if err == nil {
			err = fmt.Errorf("block %d failed", s.Blocks)
		}
		return 0, err
	}

	s.pre, s.post = preTrigger, postTrigger
	s.pending = s.ReadyAfter
	s.captured = false
	s.LastTimebase = timebase

	interval := float64(timebase+1) * s.TickNs
	return time.Duration(float64(preTrigger+postTrigger) * interval), nil
}

func (s *Scope) IsReady() (bool, error) {
	s.Polls++
	if s.NeverReady {
		return false, nil
	}
	if s.pending > 0 {
		s.pending--
		return false, nil
	}
	s.captured = true
	return true, nil
}

func (s *Scope) GetValues(n int) (int, acquisition.Overflow, error) {
	if s.GetValuesErr != nil {
		return 0, 0, s.GetValuesErr
	}
	if !s.captured {
		return 0, 0, errors.New("no completed capture")
	}

	n = min(n, s.pre+s.post) - s.ShortRead
	if n < 0 {
		n = 0
	}

	var overflow acquisition.Overflow
	for ch, sig := range map[acquisition.Channel]Signal{acquisition.ChannelA: s.SignalA, acquisition.ChannelB: s.SignalB} {
		buf := s.buffers[ch]
		if buf == nil || sig == nil {
			continue
		}
		for i := 0; i < n && i < len(buf); i++ {
			code := sig(s.Blocks, i)
			if code >= s.MaxADC || code <= -s.MaxADC {
				overflow |= 1 << uint(ch)
			}
			buf[i] = code
		}
	}

	return n, overflow, nil
}

func (s *Scope) Stop() error {
	s.Stopped = true
	return s.StopErr
}

func (s *Scope) Close() error {
	s.Opened = false
	s.Closed = true
	return s.CloseErr
}

func clamp(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
