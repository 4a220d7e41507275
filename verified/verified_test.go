// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package verified

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/frolic/jazz/cryptoctx"
	"github.com/frolic/jazz/ids"
	"github.com/stretchr/testify/require"
)

func newTestHeader() ids.CoValueHeader {
	return ids.CoValueHeader{Type: ids.TypeComap, Ruleset: ids.Ruleset{Kind: ids.RulesetUnsafeAllowAll}}
}

// signedTx builds a validly signed, hash-chained transaction at index idx
// following prevHash, under sk/vk for session sess.
func signedTx(t *testing.T, ctx cryptoctx.Context, sk cryptoctx.SigningKey, sess ids.SessionID, idx uint64, prevHash cryptoctx.Hash, payload string) (ids.Transaction, cryptoctx.Hash) {
	t.Helper()
	tx := ids.Transaction{Index: idx, PrevHash: prevHash, Payload: json.RawMessage(`"` + payload + `"`)}
	sig, err := ctx.Sign(sk, signableBytes(sess, tx))
	require.NoError(t, err)
	tx.Signature = sig.Bytes()
	nextHash := ctx.Hash(signableBytes(sess, tx))
	return tx, nextHash
}

func TestFromHeaderRejectsMismatch(t *testing.T) {
	ctx := cryptoctx.Default()
	h := newTestHeader()
	_, err := FromHeader(ctx, ids.CoValueID("not-the-real-id"), h)
	require.ErrorIs(t, err, ErrHeaderMismatch)
}

func TestFromHeaderAccepts(t *testing.T) {
	ctx := cryptoctx.Default()
	h := newTestHeader()
	id, err := ComputeID(ctx, h)
	require.NoError(t, err)

	vs, err := FromHeader(ctx, id, h)
	require.NoError(t, err)
	require.Equal(t, id, vs.ID)
	require.True(t, vs.KnownState().Header)
	require.Empty(t, vs.KnownState().Sessions)
}

func TestTryAddTransactionsHappyPath(t *testing.T) {
	ctx := cryptoctx.Default()
	h := newTestHeader()
	id, err := ComputeID(ctx, h)
	require.NoError(t, err)
	vs, err := FromHeader(ctx, id, h)
	require.NoError(t, err)

	sk, vk, err := ctx.GenerateKey()
	require.NoError(t, err)
	sess := ids.SessionID{Agent: ids.AgentID(vk.String()), Counter: 1}

	tx0, h0 := signedTx(t, ctx, sk, sess, 0, cryptoctx.Hash{}, "a")
	tx1, _ := signedTx(t, ctx, sk, sess, 1, h0, "b")

	require.NoError(t, vs.TryAddTransactions(ctx, sess, 0, []ids.Transaction{tx0}, true))
	require.Equal(t, uint64(1), vs.KnownState().Sessions[sess])

	require.NoError(t, vs.TryAddTransactions(ctx, sess, 1, []ids.Transaction{tx1}, true))
	require.Equal(t, uint64(2), vs.KnownState().Sessions[sess])
}

func TestTryAddTransactionsRejectsGap(t *testing.T) {
	ctx := cryptoctx.Default()
	h := newTestHeader()
	id, _ := ComputeID(ctx, h)
	vs, _ := FromHeader(ctx, id, h)

	sk, vk, _ := ctx.GenerateKey()
	sess := ids.SessionID{Agent: ids.AgentID(vk.String()), Counter: 1}

	tx1, _ := signedTx(t, ctx, sk, sess, 1, cryptoctx.Hash{}, "b")
	err := vs.TryAddTransactions(ctx, sess, 1, []ids.Transaction{tx1}, true)
	require.ErrorIs(t, err, ErrGap)
	require.Zero(t, vs.KnownState().Sessions[sess])
}

func TestTryAddTransactionsRejectsOverlap(t *testing.T) {
	ctx := cryptoctx.Default()
	h := newTestHeader()
	id, _ := ComputeID(ctx, h)
	vs, _ := FromHeader(ctx, id, h)

	sk, vk, _ := ctx.GenerateKey()
	sess := ids.SessionID{Agent: ids.AgentID(vk.String()), Counter: 1}

	tx0, h0 := signedTx(t, ctx, sk, sess, 0, cryptoctx.Hash{}, "a")
	require.NoError(t, vs.TryAddTransactions(ctx, sess, 0, []ids.Transaction{tx0}, true))

	tx1, _ := signedTx(t, ctx, sk, sess, 1, h0, "b")
	err := vs.TryAddTransactions(ctx, sess, 0, []ids.Transaction{tx0, tx1}, true)
	require.ErrorIs(t, err, ErrOverlap)
	require.Equal(t, uint64(1), vs.KnownState().Sessions[sess])
}

func TestTryAddTransactionsRejectsBadSignature(t *testing.T) {
	ctx := cryptoctx.Default()
	h := newTestHeader()
	id, _ := ComputeID(ctx, h)
	vs, _ := FromHeader(ctx, id, h)

	sk, vk, _ := ctx.GenerateKey()
	sess := ids.SessionID{Agent: ids.AgentID(vk.String()), Counter: 1}

	tx0, _ := signedTx(t, ctx, sk, sess, 0, cryptoctx.Hash{}, "a")
	tx0.Payload = json.RawMessage(`"tampered"`)

	err := vs.TryAddTransactions(ctx, sess, 0, []ids.Transaction{tx0}, true)
	require.ErrorIs(t, err, ErrBadSignature)
	require.Zero(t, vs.KnownState().Sessions[sess])
}

func TestTryAddTransactionsRejectsBadHashChain(t *testing.T) {
	ctx := cryptoctx.Default()
	h := newTestHeader()
	id, _ := ComputeID(ctx, h)
	vs, _ := FromHeader(ctx, id, h)

	sk, vk, _ := ctx.GenerateKey()
	sess := ids.SessionID{Agent: ids.AgentID(vk.String()), Counter: 1}

	tx0, _ := signedTx(t, ctx, sk, sess, 0, cryptoctx.Hash{}, "a")
	require.NoError(t, vs.TryAddTransactions(ctx, sess, 0, []ids.Transaction{tx0}, true))

	// tx1 links to the zero hash instead of tx0's hash: a broken chain.
	tx1, _ := signedTx(t, ctx, sk, sess, 1, cryptoctx.Hash{}, "b")
	err := vs.TryAddTransactions(ctx, sess, 1, []ids.Transaction{tx1}, true)
	require.ErrorIs(t, err, ErrBadHashChain)
	require.Equal(t, uint64(1), vs.KnownState().Sessions[sess])
}

func TestCloneIsIndependentOfFurtherMutation(t *testing.T) {
	ctx := cryptoctx.Default()
	h := newTestHeader()
	id, _ := ComputeID(ctx, h)
	vs, _ := FromHeader(ctx, id, h)

	sk, vk, _ := ctx.GenerateKey()
	sess := ids.SessionID{Agent: ids.AgentID(vk.String()), Counter: 1}
	tx0, h0 := signedTx(t, ctx, sk, sess, 0, cryptoctx.Hash{}, "a")
	require.NoError(t, vs.TryAddTransactions(ctx, sess, 0, []ids.Transaction{tx0}, true))

	clone := vs.Clone()
	tx1, _ := signedTx(t, ctx, sk, sess, 1, h0, "b")
	require.NoError(t, vs.TryAddTransactions(ctx, sess, 1, []ids.Transaction{tx1}, true))

	require.Equal(t, uint64(2), vs.KnownState().Sessions[sess])
	require.Equal(t, uint64(1), clone.KnownState().Sessions[sess])
}

func TestTryAddTransactionsWithVerifySignaturesFalseAcceptsUnsignedTransaction(t *testing.T) {
	ctx := cryptoctx.Default()
	h := newTestHeader()
	id, _ := ComputeID(ctx, h)
	vs, _ := FromHeader(ctx, id, h)

	_, vk, _ := ctx.GenerateKey()
	sess := ids.SessionID{Agent: ids.AgentID(vk.String()), Counter: 1}

	// Built by hand, not via signedTx: no valid signature over its payload.
	tx0 := ids.Transaction{Index: 0, PrevHash: cryptoctx.Hash{}, Payload: json.RawMessage(`"a"`)}

	require.NoError(t, vs.TryAddTransactions(ctx, sess, 0, []ids.Transaction{tx0}, false))
	require.Equal(t, uint64(1), vs.KnownState().Sessions[sess])
}

func TestTryAddTransactionsWithVerifySignaturesFalseStillChecksHashChain(t *testing.T) {
	ctx := cryptoctx.Default()
	h := newTestHeader()
	id, _ := ComputeID(ctx, h)
	vs, _ := FromHeader(ctx, id, h)

	_, vk, _ := ctx.GenerateKey()
	sess := ids.SessionID{Agent: ids.AgentID(vk.String()), Counter: 1}

	tx0 := ids.Transaction{Index: 0, PrevHash: cryptoctx.Hash{0x01}, Payload: json.RawMessage(`"a"`)}
	err := vs.TryAddTransactions(ctx, sess, 0, []ids.Transaction{tx0}, false)
	require.ErrorIs(t, err, ErrBadHashChain)
}

func TestErrorsAreDistinctSentinels(t *testing.T) {
	require.False(t, errors.Is(ErrGap, ErrOverlap))
	require.False(t, errors.Is(ErrBadSignature, ErrBadHashChain))
}
