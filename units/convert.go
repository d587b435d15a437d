// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package units

import "math"

const (
	// UnitAmpere labels a current channel with a known sensor transfer ratio.
	UnitAmpere = "A"
	// UnitVolt labels a current channel reported as raw sensor volts.
	UnitVolt = "V"
)

// ADCToVoltage converts a raw ADC code to volts at the probe tip.
func ADCToVoltage(code int16, fullScale float64, maxADC int16, attenuation float64) float64 {
	return float64(code) / float64(maxADC) * fullScale * attenuation
}

// ADCToVoltages converts codes into dst, growing dst only if it is too short.
func ADCToVoltages(dst []float64, codes []int16, fullScale float64, maxADC int16, attenuation float64) []float64 {
	dst = resize(dst, len(codes))
	scale := fullScale / float64(maxADC) * attenuation
	for i, c := range codes {
		dst[i] = float64(c) * scale
	}
	return dst
}

// HasTransferRatio reports whether voltsPerAmp can convert volts to amperes.
func HasTransferRatio(voltsPerAmp float64) bool {
	return voltsPerAmp > 0 && !math.IsInf(voltsPerAmp, 0) && !math.IsNaN(voltsPerAmp)
}

// CurrentUnit returns the label the current channel is reported in.
func CurrentUnit(voltsPerAmp float64) string {
	if HasTransferRatio(voltsPerAmp) {
		return UnitAmpere
	}
	return UnitVolt
}

// VoltageToCurrent converts a sensor voltage to amperes. Without a usable
// transfer ratio the voltage is returned unchanged.
func VoltageToCurrent(volts, voltsPerAmp float64) float64 {
	if !HasTransferRatio(voltsPerAmp) {
		return volts
	}
	return volts / voltsPerAmp
}

// VoltagesToCurrents converts in place.
func VoltagesToCurrents(volts []float64, voltsPerAmp float64) []float64 {
	if !HasTransferRatio(voltsPerAmp) {
		return volts
	}
	for i, v := range volts {
		volts[i] = v / voltsPerAmp
	}
	return volts
}

// VoltageToADC converts a threshold in volts to an ADC code, truncating
// toward zero and clamping to ±maxADC.
func VoltageToADC(volts, fullScale float64, maxADC int16) int16 {
	if fullScale == 0 {
		return 0
	}
	code := math.Trunc(volts / fullScale * float64(maxADC))
	switch {
	case code > float64(maxADC):
		return maxADC
	case code < -float64(maxADC):
		return -maxADC
	}
	return int16(code)
}

func resize(dst []float64, n int) []float64 {
	if cap(dst) < n {
		return make([]float64, n)
	}
	return dst[:n]
}
