// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package covalue

import (
	"context"
	"testing"
	"time"

	"github.com/frolic/jazz/cryptoctx"
	"github.com/frolic/jazz/ids"
	"github.com/frolic/jazz/internal/metrics"
	"github.com/frolic/jazz/peer"
	"github.com/frolic/jazz/wire"
	"github.com/stretchr/testify/require"
)

func testHeader() ids.CoValueHeader {
	return ids.CoValueHeader{Type: ids.TypeComap, Ruleset: ids.Ruleset{Kind: ids.RulesetUnsafeAllowAll}}
}

func newTestCore(t *testing.T) (*CoValueCore, ids.CoValueHeader, cryptoctx.Context) {
	t.Helper()
	ctx := cryptoctx.Default()
	h := testHeader()
	id, err := newCoreID(t, ctx, h)
	require.NoError(t, err)
	return newCore(id, ctx, metrics.Noop(), nil, nil, true), h, ctx
}

func newCoreID(t *testing.T, ctx cryptoctx.Context, h ids.CoValueHeader) (ids.CoValueID, error) {
	t.Helper()
	b, err := h.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return ids.CoValueID(ctx.Hash(b).String()), nil
}

func drain(p *peer.PeerState) []wire.Envelope {
	var out []wire.Envelope
	for {
		select {
		case msg := <-p.Outbound():
			out = append(out, msg)
		default:
			return out
		}
	}
}

// loadInBackground starts LoadFromPeers on its own goroutine, since it
// blocks until the attempt leaves loading; tests settle peers (or install a
// header) concurrently and then read the result off the returned channel.
func loadInBackground(core *CoValueCore, peers []*peer.PeerState, deadline time.Duration) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- core.LoadFromPeers(context.Background(), peers, deadline)
	}()
	return errc
}

// Scenario 1: peer-1 errors, peer-2 not-found -> unavailable.
func TestScenario1BothPeersFailToUnavailable(t *testing.T) {
	core, _, _ := newTestCore(t)
	p1 := peer.New("p1", peer.RoleServer, 8, nil)
	p2 := peer.New("p2", peer.RoleServer, 8, nil)

	errc := loadInBackground(core, []*peer.PeerState{p1, p2}, time.Minute)
	require.Eventually(t, func() bool { return p1.QueueDepth() == 1 && p2.QueueDepth() == 1 }, time.Second, time.Millisecond)
	require.Len(t, drain(p1), 1)
	require.Len(t, drain(p2), 1)

	core.MarkErrored("p1", ErrHeaderMismatch)
	require.Equal(t, Loading, core.LoadingState())

	core.MarkNotFoundInPeer("p2")
	require.NoError(t, <-errc)
	require.Equal(t, Unavailable, core.LoadingState())

	out, err := core.WaitForAvailableOrUnavailable(context.Background())
	require.NoError(t, err)
	require.Nil(t, out.Verified)
}

// Scenario 2: a late ProvideHeader after Unavailable still resolves to
// Available.
func TestScenario2LateProvideHeaderAfterUnavailable(t *testing.T) {
	core, h, _ := newTestCore(t)
	p1 := peer.New("p1", peer.RoleServer, 8, nil)

	errc := loadInBackground(core, []*peer.PeerState{p1}, time.Minute)
	require.Eventually(t, func() bool { return p1.QueueDepth() == 1 }, time.Second, time.Millisecond)

	core.MarkNotFoundInPeer("p1")
	require.NoError(t, <-errc)
	require.Equal(t, Unavailable, core.LoadingState())

	require.NoError(t, core.ProvideHeader(context.Background(), "", h))
	require.Equal(t, Available, core.LoadingState())

	out, err := core.WaitForAvailableOrUnavailable(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out.Verified)
	require.Equal(t, h, out.Verified.Header)
}

// Scenario 3: becoming available mid-load broadcasts known-state to the
// peer that hadn't supplied content, but not to the one that did.
func TestScenario3BroadcastOnBecomingAvailable(t *testing.T) {
	core, h, _ := newTestCore(t)
	p1 := peer.New("p1", peer.RoleServer, 8, nil)
	p2 := peer.New("p2", peer.RoleServer, 8, nil)

	errc := loadInBackground(core, []*peer.PeerState{p1, p2}, time.Minute)
	require.Eventually(t, func() bool { return p1.QueueDepth() == 1 && p2.QueueDepth() == 1 }, time.Second, time.Millisecond)
	drain(p1)
	drain(p2)

	require.NoError(t, core.ProvideHeader(context.Background(), "p1", h))
	require.NoError(t, <-errc)
	require.Equal(t, Available, core.LoadingState())

	require.Eventually(t, func() bool { return p2.QueueDepth() == 1 }, time.Second, time.Millisecond)
	p2Msgs := drain(p2)
	require.Len(t, p2Msgs, 1)
	require.Equal(t, wire.ActionLoad, p2Msgs[0].Action)
	require.True(t, p2Msgs[0].Header)

	require.Empty(t, drain(p1))
}

// Scenario 4: a peer closed before LoadFromPeers is skipped entirely.
func TestScenario4ClosedPeerSkipped(t *testing.T) {
	core, h, _ := newTestCore(t)
	p1 := peer.New("p1", peer.RoleServer, 8, nil)
	p1.Close()
	p2 := peer.New("p2", peer.RoleServer, 8, nil)

	errc := loadInBackground(core, []*peer.PeerState{p1, p2}, time.Minute)
	require.Eventually(t, func() bool { return p2.QueueDepth() == 1 }, time.Second, time.Millisecond)
	require.Empty(t, drain(p1))
	require.Len(t, drain(p2), 1)

	require.NoError(t, core.ProvideHeader(context.Background(), "p2", h))
	require.NoError(t, <-errc)
	require.Equal(t, Available, core.LoadingState())
}

// Scenario 5: no response before the deadline elapses -> unavailable.
func TestScenario5DeadlineElapses(t *testing.T) {
	core, _, _ := newTestCore(t)
	p1 := peer.New("p1", peer.RoleServer, 8, nil)

	start := time.Now()
	require.NoError(t, core.LoadFromPeers(context.Background(), []*peer.PeerState{p1}, 30*time.Millisecond))
	require.Equal(t, Unavailable, core.LoadingState())
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

// Scenario 6: a duplicate ProvideHeader with the same header is a no-op.
func TestScenario6DuplicateProvideHeaderIdempotent(t *testing.T) {
	core, h, _ := newTestCore(t)
	require.NoError(t, core.ProvideHeader(context.Background(), "", h))
	require.NoError(t, core.ProvideHeader(context.Background(), "", h))
	require.Equal(t, Available, core.LoadingState())
}

func TestProvideHeaderRejectsMismatchedID(t *testing.T) {
	ctx := cryptoctx.Default()
	other, err := newCoreID(t, ctx, ids.CoValueHeader{Type: ids.TypeColist, Ruleset: ids.Ruleset{Kind: ids.RulesetUnsafeAllowAll}})
	require.NoError(t, err)

	core := newCore(other, ctx, metrics.Noop(), nil, nil, true)
	err = core.ProvideHeader(context.Background(), "", testHeader())
	require.ErrorIs(t, err, ErrHeaderMismatch)
	require.Equal(t, Unknown, core.LoadingState())
}

func TestProvideHeaderRejectsHeaderForWrongID(t *testing.T) {
	core, h, _ := newTestCore(t)
	require.NoError(t, core.ProvideHeader(context.Background(), "", h))

	// A header that doesn't hash to this core's id at all is rejected the
	// same way whether the core is Available or not; same id, different
	// content would require a hash collision and isn't reachable here.
	other := h
	other.Uniqueness = "nonce"
	err := core.ProvideHeader(context.Background(), "", other)
	require.ErrorIs(t, err, ErrHeaderMismatch)
	require.Equal(t, Available, core.LoadingState())
}

// collidingContext wraps a real Context but forces every Hash call to the
// same value, letting a test construct two distinct headers that "hash" to
// the same CoValueID without needing an actual SHA-256 collision.
type collidingContext struct {
	cryptoctx.Context
	fixed cryptoctx.Hash
}

func (c collidingContext) Hash([]byte) cryptoctx.Hash { return c.fixed }

func TestProvideHeaderRejectsRegistryCollision(t *testing.T) {
	real := cryptoctx.Default()
	ctx := collidingContext{Context: real, fixed: real.Hash([]byte("fixed"))}

	h1 := ids.CoValueHeader{Type: ids.TypeComap, Ruleset: ids.Ruleset{Kind: ids.RulesetUnsafeAllowAll}}
	h2 := ids.CoValueHeader{Type: ids.TypeColist, Ruleset: ids.Ruleset{Kind: ids.RulesetUnsafeAllowAll}}

	id, err := newCoreID(t, ctx, h1)
	require.NoError(t, err)

	core := newCore(id, ctx, metrics.Noop(), nil, nil, true)
	require.NoError(t, core.ProvideHeader(context.Background(), "", h1))
	require.Equal(t, Available, core.LoadingState())

	err = core.ProvideHeader(context.Background(), "", h2)
	require.ErrorIs(t, err, ErrRegistryCollision)
	require.Equal(t, Available, core.LoadingState())
}

func TestLoadFromPeersWithNoPeersGoesUnavailable(t *testing.T) {
	core, _, _ := newTestCore(t)
	require.NoError(t, core.LoadFromPeers(context.Background(), nil, time.Minute))
	require.Equal(t, Unavailable, core.LoadingState())
}

func TestApplyTransactionsRequiresHeader(t *testing.T) {
	core, _, _ := newTestCore(t)
	sess := ids.SessionID{Agent: "alice", Counter: 1}
	err := core.ApplyTransactions("p1", sess, 0, []ids.Transaction{{Index: 0}})
	require.Error(t, err)
}

func TestWaitForAvailableSynchronousAfterResolution(t *testing.T) {
	core, h, _ := newTestCore(t)
	require.NoError(t, core.ProvideHeader(context.Background(), "", h))

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	out, err := core.WaitForAvailableOrUnavailable(ctx)
	require.NoError(t, err)
	require.NotNil(t, out.Verified)
}
