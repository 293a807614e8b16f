/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeRoundTripsPayload(t *testing.T) {
	hs := Handshake{Version: Version, PeerID: "node-1", Capabilities: []string{"streaming"}}
	env, err := NewEnvelope(TypeHandshake, 1, hs)
	require.NoError(t, err)
	assert.Equal(t, Version, env.Version)
	assert.Equal(t, TypeHandshake, env.Type)

	var decoded Handshake
	require.NoError(t, env.Decode(&decoded))
	assert.Equal(t, hs, decoded)
}

func TestEnvelopeSerializesOverWire(t *testing.T) {
	cd := ClipboardData{Format: FormatText, Data: "aGVsbG8=", Checksum: "abc", Compression: CompressionNone}
	env, err := NewEnvelope(TypeClipboardData, 7, cd)
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)

	var roundTrip Envelope
	require.NoError(t, json.Unmarshal(b, &roundTrip))
	assert.Equal(t, env.Type, roundTrip.Type)
	assert.Equal(t, env.Sequence, roundTrip.Sequence)

	var decoded ClipboardData
	require.NoError(t, roundTrip.Decode(&decoded))
	assert.Equal(t, cd, decoded)
}

func TestWithCorrelationIDAssignsUUID(t *testing.T) {
	env, err := NewEnvelope(TypeKeepAlive, 0, struct{}{})
	require.NoError(t, err)
	assert.Empty(t, env.CorrelationID)

	tagged := env.WithCorrelationID()
	assert.NotEmpty(t, tagged.CorrelationID)
}
