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
	"fmt"
	"math"
)

// Timebase indices searched by ResolveTimebase, [MinTimebase, MaxTimebase).
const (
	MinTimebase uint32 = 1
	MaxTimebase uint32 = 50000
)

// TimebaseSelection is the timebase chosen for a run.
type TimebaseSelection struct {
	Timebase      uint32
	Interval      float64 // Seconds per sample
	SampleRate    float64 // Hz
	RelativeError float64 // |SampleRate-target|/target
}

// ResolveTimebase finds a timebase whose real sample rate is close to rate.
//
// Candidates are tried in ascending order and the search stops at the first
// one within tolerance, so the result is the first good-enough timebase
// rather than the global optimum. This bounds the number of driver queries.
// Candidates that fail to resolve, report a non-positive interval, or cannot
// hold samples are skipped.
func ResolveTimebase(q TimebaseQuerier, rate float64, samples int, tolerance float64) (TimebaseSelection, error) {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return TimebaseSelection{}, fmt.Errorf("invalid sample rate %g", rate)
	}

	var best TimebaseSelection
	found := false

	for tb := MinTimebase; tb < MaxTimebase; tb++ {
		intervalNs, maxSamples, err := q.GetTimebase(tb, samples)
		if err != nil {
			continue
		}

		dt := intervalNs * 1e-9
		if !(dt > 0) || math.IsInf(dt, 0) {
			continue
		}
		if maxSamples < samples {
			continue
		}

		fs := 1.0 / dt
		relErr := math.Abs(fs-rate) / rate
		if !found || relErr < best.RelativeError {
			best = TimebaseSelection{Timebase: tb, Interval: dt, SampleRate: fs, RelativeError: relErr}
			found = true
		}
		if relErr < tolerance {
			break
		}
	}

	if !found {
		return TimebaseSelection{}, fmt.Errorf("%w: no usable timebase for %d samples", ErrNoTimebase, samples)
	}
	if best.RelativeError > tolerance {
		return TimebaseSelection{}, fmt.Errorf("%w: closest is timebase %d at %.6g Hz (error %.4f > %.4f)",
			ErrNoTimebase, best.Timebase, best.SampleRate, best.RelativeError, tolerance)
	}

	return best, nil
}
