// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wire

import (
	"encoding/json"
	"testing"

	"github.com/frolic/jazz/ids"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvelopeRoundTrip(t *testing.T) {
	sess := ids.SessionID{Agent: "alice", Counter: 1}
	env := Load("co_z1", true, map[ids.SessionID]uint64{sess: 3})

	b, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, ActionLoad, got.Action)
	require.Equal(t, ids.CoValueID("co_z1"), got.ID)
	require.True(t, got.Header)
	require.Equal(t, uint64(3), got.Sessions[sess])
}

func TestContentEnvelopeRoundTrip(t *testing.T) {
	sess := ids.SessionID{Agent: "bob", Counter: 2}
	header := &ids.CoValueHeader{Type: ids.TypeComap, Ruleset: ids.Ruleset{Kind: ids.RulesetUnsafeAllowAll}}
	tx := ids.Transaction{Index: 0, Payload: json.RawMessage(`"hi"`)}

	env := Content("co_z1", header, map[ids.SessionID]SessionDelta{
		sess: {After: 0, Txs: []ids.Transaction{tx}},
	})

	b, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, ActionContent, got.Action)
	require.NotNil(t, got.HeaderValue)
	require.Equal(t, ids.TypeComap, got.HeaderValue.Type)
	require.Len(t, got.New[sess].Txs, 1)
}

func TestDoneEnvelopeHasNoPayload(t *testing.T) {
	env := Done("co_z1")
	b, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Equal(t, "done", raw["action"])
	require.NotContains(t, raw, "sessions")
	require.NotContains(t, raw, "new")
}
