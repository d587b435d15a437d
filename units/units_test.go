// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package units_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/OpenPSG/pulselab/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullScaleVolts(t *testing.T) {
	expected := map[units.Range]float64{
		units.Range20mV:  0.02,
		units.Range50mV:  0.05,
		units.Range100mV: 0.1,
		units.Range200mV: 0.2,
		units.Range500mV: 0.5,
		units.Range1V:    1,
		units.Range2V:    2,
		units.Range5V:    5,
		units.Range10V:   10,
		units.Range20V:   20,
		units.Range50V:   50,
	}

	for r, v := range expected {
		got, err := units.FullScaleVolts(r)
		require.NoError(t, err, r.String())
		assert.Equal(t, v, got, r.String())
	}

	for _, r := range []units.Range{units.Range10mV, units.Range(12), units.Range(-1)} {
		_, err := units.FullScaleVolts(r)
		require.ErrorIs(t, err, units.ErrUnsupportedRange)
	}
}

func TestADCToVoltageLinear(t *testing.T) {
	const maxADC = 32512

	base := units.ADCToVoltage(100, 0.05, maxADC, 50)
	assert.InDelta(t, 100.0/maxADC*0.05*50, base, 1e-12)

	for _, k := range []int16{-3, 2, 7, 300} {
		scaled := units.ADCToVoltage(100*k, 0.05, maxADC, 50)
		assert.InDelta(t, float64(k)*base, scaled, 1e-9)
	}
}

func TestADCToVoltagesReusesBuffer(t *testing.T) {
	codes := []int16{-32512, 0, 16256, 32512}
	dst := make([]float64, 0, 8)

	out := units.ADCToVoltages(dst, codes, 10, 32512, 1)
	require.Len(t, out, 4)
	assert.Same(t, &dst[:1][0], &out[0])
	assert.InDeltaSlice(t, []float64{-10, 0, 5, 10}, out, 1e-12)
}

func TestCurrentConversion(t *testing.T) {
	assert.Equal(t, units.UnitAmpere, units.CurrentUnit(0.02))
	assert.InDelta(t, 50.0, units.VoltageToCurrent(1.0, 0.02), 1e-12)

	for _, vpa := range []float64{0, -1, math.Inf(1), math.NaN()} {
		assert.Equal(t, units.UnitVolt, units.CurrentUnit(vpa))
		assert.Equal(t, 1.5, units.VoltageToCurrent(1.5, vpa))
	}

	v := []float64{0.02, 0.04}
	assert.InDeltaSlice(t, []float64{1, 2}, units.VoltagesToCurrents(v, 0.02), 1e-12)
}

func TestVoltageToADC(t *testing.T) {
	// -0.2V on a 50mV range saturates.
	assert.Equal(t, int16(-32512), units.VoltageToADC(-0.2, 0.05, 32512))
	assert.Equal(t, int16(-8128), units.VoltageToADC(-0.5, 2, 32512))
	assert.Equal(t, int16(3251), units.VoltageToADC(0.1, 1, 32512))
	assert.Equal(t, int16(0), units.VoltageToADC(1, 0, 32512))
}

func TestRangeText(t *testing.T) {
	r, err := units.ParseRange("50mv")
	require.NoError(t, err)
	assert.Equal(t, units.Range50mV, r)

	_, err = units.ParseRange("3V")
	require.ErrorIs(t, err, units.ErrUnsupportedRange)

	b, err := json.Marshal(struct {
		R units.Range `json:"r"`
	}{units.Range10V})
	require.NoError(t, err)
	assert.JSONEq(t, `{"r":"10V"}`, string(b))
}
