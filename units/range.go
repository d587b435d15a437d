// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package units converts raw oscilloscope ADC codes into calibrated
// physical quantities.
package units

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedRange is returned for range codes without a full-scale entry.
var ErrUnsupportedRange = errors.New("unsupported range")

// Range is the instrument's input range enumeration (PS3000A numbering).
type Range int

const (
	Range10mV  Range = iota // Enumerated by the driver, not supported by the 3205A.
	Range20mV               // ±20 mV
	Range50mV               // ±50 mV
	Range100mV              // ±100 mV
	Range200mV              // ±200 mV
	Range500mV              // ±500 mV
	Range1V                 // ±1 V
	Range2V                 // ±2 V
	Range5V                 // ±5 V
	Range10V                // ±10 V
	Range20V                // ±20 V
	Range50V                // ±50 V
)

// The ADC has 8 bit resolution, so one code step at 100mV full scale is
// roughly 0.39mV and at 40V roughly 156mV.
var fullScale = map[Range]float64{
	Range20mV:  0.02,
	Range50mV:  0.05,
	Range100mV: 0.1,
	Range200mV: 0.2,
	Range500mV: 0.5,
	Range1V:    1.0,
	Range2V:    2.0,
	Range5V:    5.0,
	Range10V:   10.0,
	Range20V:   20.0,
	Range50V:   50.0,
}

var rangeNames = map[Range]string{
	Range10mV:  "10mV",
	Range20mV:  "20mV",
	Range50mV:  "50mV",
	Range100mV: "100mV",
	Range200mV: "200mV",
	Range500mV: "500mV",
	Range1V:    "1V",
	Range2V:    "2V",
	Range5V:    "5V",
	Range10V:   "10V",
	Range20V:   "20V",
	Range50V:   "50V",
}

// FullScaleVolts returns the maximum voltage magnitude representable at r.
func FullScaleVolts(r Range) (float64, error) {
	v, ok := fullScale[r]
	if !ok {
		return 0, fmt.Errorf("%w: code %d", ErrUnsupportedRange, int(r))
	}
	return v, nil
}

func (r Range) String() string {
	if n, ok := rangeNames[r]; ok {
		return n
	}
	return fmt.Sprintf("Range(%d)", int(r))
}

// ParseRange accepts names such as "50mV", "50mv" or "10V".
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	for r, n := range rangeNames {
		if strings.EqualFold(n, s) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedRange, s)
}

func (r Range) MarshalText() ([]byte, error) {
	n, ok := rangeNames[r]
	if !ok {
		return nil, fmt.Errorf("%w: code %d", ErrUnsupportedRange, int(r))
	}
	return []byte(n), nil
}

func (r *Range) UnmarshalText(text []byte) error {
	v, err := ParseRange(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
