// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"testing"

	"github.com/frolic/jazz/ids"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func testHeader() ids.CoValueHeader {
	return ids.CoValueHeader{Type: ids.TypeComap, Ruleset: ids.Ruleset{Kind: ids.RulesetUnsafeAllowAll}}
}

func TestLoadHeaderMissingReturnsNotFound(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.LoadHeader("does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveAndLoadHeaderRoundTrips(t *testing.T) {
	db := openTestDB(t)
	h := testHeader()
	require.NoError(t, db.SaveHeader("id1", h))

	got, ok, err := db.LoadHeader("id1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h, got)
}

func TestSaveHeaderIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	h := testHeader()
	require.NoError(t, db.SaveHeader("id1", h))
	require.NoError(t, db.SaveHeader("id1", h))

	got, ok, err := db.LoadHeader("id1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h, got)
}

func TestAppendAndLoadSessionsPreservesIndexOrder(t *testing.T) {
	db := openTestDB(t)
	sess := ids.SessionID{Agent: "alice", Counter: 1}
	txs := []ids.Transaction{
		{Index: 0, Payload: []byte(`"a"`)},
		{Index: 1, Payload: []byte(`"b"`)},
		{Index: 2, Payload: []byte(`"c"`)},
	}
	require.NoError(t, db.AppendTransactions("id1", sess, 0, txs))

	got, err := db.LoadSessions("id1")
	require.NoError(t, err)
	require.Len(t, got[sess], 3)
	for i, tx := range got[sess] {
		require.Equal(t, uint64(i), tx.Index)
	}
}

func TestAppendTransactionsInMultipleBatchesAccumulates(t *testing.T) {
	db := openTestDB(t)
	sess := ids.SessionID{Agent: "alice", Counter: 1}
	require.NoError(t, db.AppendTransactions("id1", sess, 0, []ids.Transaction{{Index: 0, Payload: []byte(`"a"`)}}))
	require.NoError(t, db.AppendTransactions("id1", sess, 1, []ids.Transaction{{Index: 1, Payload: []byte(`"b"`)}}))

	got, err := db.LoadSessions("id1")
	require.NoError(t, err)
	require.Len(t, got[sess], 2)
}

func TestLoadSessionsSeparatesMultipleSessions(t *testing.T) {
	db := openTestDB(t)
	alice := ids.SessionID{Agent: "alice", Counter: 1}
	bob := ids.SessionID{Agent: "bob", Counter: 1}
	require.NoError(t, db.AppendTransactions("id1", alice, 0, []ids.Transaction{{Index: 0, Payload: []byte(`"a"`)}}))
	require.NoError(t, db.AppendTransactions("id1", bob, 0, []ids.Transaction{{Index: 0, Payload: []byte(`"b"`)}}))

	got, err := db.LoadSessions("id1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, got[alice], 1)
	require.Len(t, got[bob], 1)
}

func TestLoadSessionsDoesNotLeakAcrossCoValuesWithOverlappingIDPrefixes(t *testing.T) {
	db := openTestDB(t)
	sess := ids.SessionID{Agent: "alice", Counter: 1}
	require.NoError(t, db.AppendTransactions("abc", sess, 0, []ids.Transaction{{Index: 0, Payload: []byte(`"a"`)}}))
	require.NoError(t, db.AppendTransactions("abcdef", sess, 0, []ids.Transaction{{Index: 0, Payload: []byte(`"b"`)}}))

	got, err := db.LoadSessions("abc")
	require.NoError(t, err)
	require.Len(t, got[sess], 1)
	require.Equal(t, []byte(`"a"`), []byte(got[sess][0].Payload))
}

func TestLoadSessionsSurvivesIndexByteEqualToSeparator(t *testing.T) {
	db := openTestDB(t)
	sess := ids.SessionID{Agent: "alice", Counter: 1}
	// Index 58 (0x3a) is the big-endian byte value of the ':' separator
	// itself; recovering the session from the key must not mistake it for
	// the separator preceding the index.
	txs := make([]ids.Transaction, 59)
	for i := range txs {
		txs[i] = ids.Transaction{Index: uint64(i), Payload: []byte(`"x"`)}
	}
	require.NoError(t, db.AppendTransactions("id1", sess, 0, txs))

	got, err := db.LoadSessions("id1")
	require.NoError(t, err)
	require.Len(t, got[sess], 59)
	for i, tx := range got[sess] {
		require.Equal(t, uint64(i), tx.Index)
	}
}

func TestLoadSessionsForUnknownCoValueReturnsEmpty(t *testing.T) {
	db := openTestDB(t)
	got, err := db.LoadSessions("nothing-here")
	require.NoError(t, err)
	require.Empty(t, got)
}
