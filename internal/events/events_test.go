// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package events_test

import (
	"testing"
	"time"

	"github.com/OpenPSG/pulselab/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutConnection(t *testing.T) {
	p := &events.Publisher{}
	err := p.Publish(events.SubjectRunStarted, events.RunStarted{RunName: "run"})
	require.Error(t, err)

	// Close on an unconnected publisher is a no-op.
	p.Close()
}

func TestNewPublisherUnreachable(t *testing.T) {
	_, err := events.NewPublisher("nats://127.0.0.1:1", nats.Timeout(200*time.Millisecond))
	require.Error(t, err)
	assert.ErrorContains(t, err, "error connecting to nats")
}
