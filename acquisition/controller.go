// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/OpenPSG/pulselab/units"
)

const defaultPollInterval = time.Millisecond

// State is the controller's position in the capture cycle.
type State int

const (
	StateClosed State = iota
	StateConfigured
	StateArmed
	StateCapturing
	StateReady
	StateConverted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConfigured:
		return "configured"
	case StateArmed:
		return "armed"
	case StateCapturing:
		return "capturing"
	case StateReady:
		return "ready"
	case StateConverted:
		return "converted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config is the complete acquisition setup for one run.
type Config struct {
	Voltage ChannelConfig // Voltage probe input
	Current ChannelConfig // Current sensor input

	ProbeAttenuation float64 // Volts at the DUT per volt at the input
	VoltsPerAmp      float64 // Current sensor transfer ratio, <= 0 reports volts

	Trigger TriggerConfig

	SampleRate         float64 // Target, Hz
	Tolerance          float64 // Accepted relative sample rate error
	PreTriggerSamples  int
	PostTriggerSamples int
	Oversample         int

	PollInterval    time.Duration // Ready poll period, defaults to 1ms
	ReadyTimeout    time.Duration // 0 waits for the trigger forever
	InterPulseDelay time.Duration
}

// Samples returns the block length.
func (c Config) Samples() int {
	return c.PreTriggerSamples + c.PostTriggerSamples
}

// Setup holds the values derived while opening the device.
type Setup struct {
	Timebase         TimebaseSelection
	MaxADC           int16
	VoltageFullScale float64
	CurrentFullScale float64
	TriggerThreshold int16
	CurrentUnit      string
}

// Waveform is one converted capture. Its slices are owned by the controller
// and overwritten by the next capture.
type Waveform struct {
	Time           []float64
	Voltage        []float64
	Current        []float64
	Overflow       Overflow
	TimeIndisposed time.Duration
}

// Controller owns a device handle for the duration of one run.
type Controller struct {
	dev    Device
	cfg    Config
	logger *slog.Logger

	state  State
	opened bool
	setup  Setup

	bufA []int16
	bufB []int16
	wf   Waveform
}

// NewController creates a controller for dev. A nil logger discards output.
func NewController(dev Device, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.Voltage.Channel = ChannelA
	cfg.Current.Channel = ChannelB
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ProbeAttenuation <= 0 {
		cfg.ProbeAttenuation = 1
	}
	if cfg.Oversample < 1 {
		cfg.Oversample = 1
	}
	return &Controller{dev: dev, cfg: cfg, logger: logger}
}

// State returns the current controller state.
func (c *Controller) State() State {
	return c.state
}

// Setup returns the values derived by Open.
func (c *Controller) Setup() Setup {
	return c.setup
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Open opens and configures the device, resolves the timebase, arms the
// trigger and allocates the capture buffers. On failure the device is closed.
func (c *Controller) Open() (err error) {
	if c.state != StateClosed || c.opened {
		return errors.New("controller already open")
	}

	n := c.cfg.Samples()
	if c.cfg.PreTriggerSamples < 0 || c.cfg.PostTriggerSamples < 0 || n == 0 {
		return fmt.Errorf("invalid block size: pre=%d post=%d", c.cfg.PreTriggerSamples, c.cfg.PostTriggerSamples)
	}

	// Range lookups first: an unsupported range is a configuration error
	// that should not touch the device.
	if c.setup.VoltageFullScale, err = units.FullScaleVolts(c.cfg.Voltage.Range); err != nil {
		return fmt.Errorf("channel %s: %w", c.cfg.Voltage.Channel, err)
	}
	if c.setup.CurrentFullScale, err = units.FullScaleVolts(c.cfg.Current.Range); err != nil {
		return fmt.Errorf("channel %s: %w", c.cfg.Current.Channel, err)
	}
	c.setup.CurrentUnit = units.CurrentUnit(c.cfg.VoltsPerAmp)

	if err := c.openDevice(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	for _, ch := range []ChannelConfig{c.cfg.Voltage, c.cfg.Current} {
		if err := c.dev.SetChannel(ch); err != nil {
			return fmt.Errorf("%w: channel %s: %w", ErrChannelConfig, ch.Channel, err)
		}
	}

	if c.setup.MaxADC, err = c.dev.MaximumValue(); err != nil {
		return fmt.Errorf("%w: error reading maximum ADC value: %w", ErrDeviceOpen, err)
	}
	if c.setup.MaxADC <= 0 {
		return fmt.Errorf("%w: invalid maximum ADC value %d", ErrDeviceOpen, c.setup.MaxADC)
	}
	c.state = StateConfigured

	if c.setup.Timebase, err = ResolveTimebase(c.dev, c.cfg.SampleRate, n, c.cfg.Tolerance); err != nil {
		return fmt.Errorf("%w: %w", ErrTimebase, err)
	}
	c.logger.Info("timebase resolved",
		slog.Int("timebase", int(c.setup.Timebase.Timebase)),
		slog.Float64("dt_ns", c.setup.Timebase.Interval*1e9),
		slog.Float64("fs_msps", c.setup.Timebase.SampleRate/1e6))

	if err := c.armTrigger(); err != nil {
		return err
	}

	if err := c.allocate(n); err != nil {
		return err
	}
	c.state = StateArmed

	return nil
}

func (c *Controller) openDevice() error {
	err := c.dev.Open()
	if err == nil {
		c.opened = true
		return nil
	}
	if !errors.Is(err, ErrPowerSource) {
		return fmt.Errorf("%w: %w", ErrDeviceOpen, err)
	}

	// The handle is valid but the unit wants a different power source.
	c.opened = true
	c.logger.Warn("switching power source", slog.String("cause", err.Error()))
	if perr := c.dev.ChangePowerSource(err); perr != nil {
		c.Close()
		return fmt.Errorf("%w: error changing power source: %w", ErrDeviceOpen, perr)
	}

	return nil
}

func (c *Controller) armTrigger() error {
	fullScale := c.setup.VoltageFullScale
	if c.cfg.Trigger.Source == c.cfg.Current.Channel {
		fullScale = c.setup.CurrentFullScale
	}

	c.setup.TriggerThreshold = units.VoltageToADC(c.cfg.Trigger.Level, fullScale, c.setup.MaxADC)

	autoMs := c.cfg.Trigger.AutoAfter.Milliseconds()
	if autoMs > 32767 {
		autoMs = 32767
	}

	trig := SimpleTrigger{
		Source:        c.cfg.Trigger.Source,
		Threshold:     c.setup.TriggerThreshold,
		Direction:     c.cfg.Trigger.Direction,
		Delay:         c.cfg.Trigger.Delay,
		AutoTriggerMs: int16(autoMs),
	}
	if err := c.dev.SetSimpleTrigger(trig); err != nil {
		return fmt.Errorf("%w: %w", ErrTriggerConfig, err)
	}

	return nil
}

// allocate sizes the raw and converted buffers once for the whole run.
func (c *Controller) allocate(n int) error {
	c.bufA = make([]int16, n)
	c.bufB = make([]int16, n)

	if err := c.dev.SetDataBuffer(c.cfg.Voltage.Channel, c.bufA); err != nil {
		return fmt.Errorf("%w: error setting buffer for channel %s: %w", ErrCapture, c.cfg.Voltage.Channel, err)
	}
	if err := c.dev.SetDataBuffer(c.cfg.Current.Channel, c.bufB); err != nil {
		return fmt.Errorf("%w: error setting buffer for channel %s: %w", ErrCapture, c.cfg.Current.Channel, err)
	}

	// The time axis is the same for every pulse of the run.
	dt := c.setup.Timebase.Interval
	c.wf.Time = make([]float64, n)
	for i := range c.wf.Time {
		c.wf.Time[i] = float64(i) * dt
	}
	c.wf.Voltage = make([]float64, n)
	c.wf.Current = make([]float64, n)

	return nil
}

// Capture runs one block capture and returns the converted waveform. The
// returned waveform is only valid until the next call.
func (c *Controller) Capture() (*Waveform, error) {
	if c.state < StateArmed {
		return nil, fmt.Errorf("%w: controller is %s", ErrCapture, c.state)
	}

	indisposed, err := c.dev.RunBlock(c.cfg.PreTriggerSamples, c.cfg.PostTriggerSamples, c.setup.Timebase.Timebase, c.cfg.Oversample)
	if err != nil {
		return nil, fmt.Errorf("%w: error starting block: %w", ErrCapture, err)
	}
	c.state = StateCapturing

	if err := c.waitReady(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	c.state = StateReady

	want := c.cfg.Samples()
	got, overflow, err := c.dev.GetValues(want)
	if err != nil {
		return nil, fmt.Errorf("%w: error fetching values: %w", ErrCapture, err)
	}
	if got != want {
		return nil, fmt.Errorf("%w: fetched %d of %d samples", ErrCapture, got, want)
	}

	c.wf.Voltage = units.ADCToVoltages(c.wf.Voltage, c.bufA, c.setup.VoltageFullScale, c.setup.MaxADC, c.cfg.ProbeAttenuation)
	c.wf.Current = units.ADCToVoltages(c.wf.Current, c.bufB, c.setup.CurrentFullScale, c.setup.MaxADC, 1)
	c.wf.Current = units.VoltagesToCurrents(c.wf.Current, c.cfg.VoltsPerAmp)
	c.wf.Overflow = overflow
	c.wf.TimeIndisposed = indisposed
	c.state = StateConverted

	return &c.wf, nil
}

// waitReady polls the device until the capture completes. There is no
// cancellation here: once a block has started, only the ready timeout ends
// the wait early.
func (c *Controller) waitReady() error {
	var deadline time.Time
	if c.cfg.ReadyTimeout > 0 {
		deadline = time.Now().Add(c.cfg.ReadyTimeout)
	}

	for {
		ready, err := c.dev.IsReady()
		if err != nil {
			return fmt.Errorf("error polling ready: %w", err)
		}
		if ready {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrReadyTimeout, c.cfg.ReadyTimeout)
		}
		time.Sleep(c.cfg.PollInterval)
	}
}

// Acquire captures n pulses, passing each converted waveform to fn before
// the next capture starts. ctx is checked between pulses and during the
// inter-pulse delay. The first capture error or fn error ends the run.
func (c *Controller) Acquire(ctx context.Context, n int, fn func(*Waveform) error) error {
	for k := 0; k < n; k++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		wf, err := c.Capture()
		if err != nil {
			return err
		}

		if c.logger.Enabled(ctx, slog.LevelDebug) {
			uMin, uMax := minMax(wf.Voltage)
			iMin, iMax := minMax(wf.Current)
			c.logger.Debug("pulse captured",
				slog.Int("pulse", k+1),
				slog.Int("of", n),
				slog.Float64("u_min", uMin),
				slog.Float64("u_max", uMax),
				slog.Float64("i_min", iMin),
				slog.Float64("i_max", iMax),
				slog.String("i_unit", c.setup.CurrentUnit),
				slog.Duration("time_indisposed", wf.TimeIndisposed))
		}
		if wf.Overflow != 0 {
			c.logger.Warn("input over range",
				slog.Int("pulse", k+1),
				slog.Bool("channel_a", wf.Overflow.Channel(ChannelA)),
				slog.Bool("channel_b", wf.Overflow.Channel(ChannelB)))
		}

		if err := fn(wf); err != nil {
			return err
		}
		c.state = StateArmed

		if c.cfg.InterPulseDelay > 0 && k < n-1 {
			t := time.NewTimer(c.cfg.InterPulseDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}

	return nil
}

// Close stops the device and releases its handle. Failures are logged and
// dropped so they never hide the error that caused the shutdown.
func (c *Controller) Close() {
	if !c.opened {
		c.state = StateClosed
		return
	}

	if err := c.dev.Stop(); err != nil {
		c.logger.Warn("device stop failed", slog.String("error", err.Error()))
	}
	if err := c.dev.Close(); err != nil {
		c.logger.Warn("device close failed", slog.String("error", err.Error()))
	}

	c.opened = false
	c.state = StateClosed
	c.logger.Info("device closed")
}

func minMax(v []float64) (lo, hi float64) {
	if len(v) == 0 {
		return 0, 0
	}
	lo, hi = v[0], v[0]
	for _, x := range v[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}
