// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package acquisition

import "errors"

var (
	// ErrPowerSource is wrapped by Device.Open when the unit needs to be
	// switched to a different power source before use.
	ErrPowerSource = errors.New("power source change required")

	ErrDeviceOpen    = errors.New("device open failed")
	ErrChannelConfig = errors.New("channel configuration failed")
	ErrTimebase      = errors.New("timebase resolution failed")
	ErrNoTimebase    = errors.New("no timebase within tolerance")
	ErrTriggerConfig = errors.New("trigger configuration failed")
	ErrCapture       = errors.New("capture failed")
	ErrReadyTimeout  = errors.New("timed out waiting for capture")
)
