// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sync implements SyncManager, the thin routing layer between the
// wire protocol and CoValueCore: it dispatches inbound envelopes to the
// right core's methods and bounds how many load attempts may be in flight
// at once across the whole node.
package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/frolic/jazz/covalue"
	"github.com/frolic/jazz/ids"
	"github.com/frolic/jazz/internal/logging"
	"github.com/frolic/jazz/internal/metrics"
	"github.com/frolic/jazz/knownstate"
	"github.com/frolic/jazz/peer"
	"github.com/frolic/jazz/wire"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxInFlightLoads is used when SyncManager is constructed with a
// non-positive limit.
const DefaultMaxInFlightLoads = 100

// SyncManager routes inbound wire envelopes to CoValueCores via node, and
// bounds concurrently outstanding load attempts with a counting semaphore.
// It holds no per-CoValue state of its own; all of that lives on the cores
// themselves.
type SyncManager struct {
	node     *covalue.LocalNode
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	sink     metrics.Sink
	logger   *logging.Logger
}

// New constructs a SyncManager over node, allowing at most maxInFlightLoads
// concurrent RequestLoad calls to be dispatching (a non-positive value uses
// DefaultMaxInFlightLoads). A nil sink defaults to metrics.Noop(); a nil
// logger defaults to logging.Default().
func New(node *covalue.LocalNode, maxInFlightLoads int, sink metrics.Sink, logger *logging.Logger) *SyncManager {
	if maxInFlightLoads <= 0 {
		maxInFlightLoads = DefaultMaxInFlightLoads
	}
	if sink == nil {
		sink = metrics.Noop()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SyncManager{
		node:   node,
		sem:    semaphore.NewWeighted(int64(maxInFlightLoads)),
		sink:   sink,
		logger: logger.With("component", "sync"),
	}
}

// RequestLoad acquires a slot in the global in-flight-loads budget, blocking
// until one is free or ctx is done, then dispatches a load attempt for id
// across peers and waits for it to resolve. The semaphore slot is held for
// the duration of the attempt and released once it leaves loading, matching
// the occupancy covalue_sync_inflight_loads reports.
func (m *SyncManager) RequestLoad(ctx context.Context, id ids.CoValueID, peers []*peer.PeerState, deadline time.Duration) (covalue.Outcome, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return covalue.Outcome{}, fmt.Errorf("sync: acquire load slot for %s: %w", id, err)
	}
	m.sink.SetInflightLoads(int(m.inFlight.Add(1)))
	defer func() {
		m.sem.Release(1)
		m.sink.SetInflightLoads(int(m.inFlight.Add(-1)))
	}()

	core := m.node.GetOrCreate(id)
	if err := core.LoadFromPeers(ctx, peers, deadline); err != nil {
		return covalue.Outcome{}, err
	}
	return core.WaitForAvailableOrUnavailable(ctx)
}

// HandleInbound routes one envelope received from p to the CoValueCore it
// names, creating the core in the unknown state if this is the first the
// node has heard of that id.
func (m *SyncManager) HandleInbound(ctx context.Context, p *peer.PeerState, msg wire.Envelope) error {
	core := m.node.GetOrCreate(msg.ID)

	switch msg.Action {
	case wire.ActionLoad, wire.ActionKnown:
		return m.respondToAdvertisement(ctx, p, core, msg)

	case wire.ActionContent:
		return m.applyContent(p, core, msg)

	case wire.ActionDone:
		if core.LoadingState() == covalue.Loading {
			core.MarkNotFoundInPeer(p.ID())
		}
		return nil

	default:
		return fmt.Errorf("sync: unrecognized action %q from %s", msg.Action, p.ID())
	}
}

// respondToAdvertisement handles a "load" or "known" envelope: the sender
// is telling us what it has for msg.ID. We reply with our own known-state,
// and push any sessions we're ahead on so the sender can catch up.
func (m *SyncManager) respondToAdvertisement(ctx context.Context, p *peer.PeerState, core *covalue.CoValueCore, msg wire.Envelope) error {
	vs, ok := core.VerifiedState()

	local := knownstate.Empty(core.ID())
	if ok {
		local = vs.KnownState()
	}
	remote := knownstate.KnownState{ID: core.ID(), Header: msg.Header, Sessions: msg.Sessions}

	if err := p.PushOutgoingMessage(ctx, wire.Known(core.ID(), local.Header, local.Sessions)); err != nil {
		return err
	}

	if !ok {
		return nil
	}

	diff := knownstate.ComputeDiff(local, remote)
	if len(diff.Newer) == 0 {
		return nil
	}

	new := make(map[ids.SessionID]wire.SessionDelta, len(diff.Newer))
	for sessionID, aheadBy := range diff.Newer {
		log := vs.SessionLog(sessionID)
		total := log.Len()
		after := total - aheadBy
		new[sessionID] = wire.SessionDelta{After: after, Txs: log.Transactions()[after:]}
	}

	var header *ids.CoValueHeader
	if !remote.Header {
		h := vs.Header
		header = &h
	}
	return p.PushOutgoingMessage(ctx, wire.Content(core.ID(), header, new))
}

// applyContent handles a "content" envelope: install the header if this is
// the first time we've seen one, then validate and append each session's
// delta. A verification failure marks the sending peer errored for this
// CoValue but does not fail the whole batch already applied.
func (m *SyncManager) applyContent(p *peer.PeerState, core *covalue.CoValueCore, msg wire.Envelope) error {
	if msg.HeaderValue != nil {
		if _, ok := core.VerifiedState(); !ok {
			if err := core.ProvideHeader(context.Background(), p.ID(), *msg.HeaderValue); err != nil {
				core.MarkErrored(p.ID(), err)
				return fmt.Errorf("sync: provide header for %s from %s: %w", core.ID(), p.ID(), err)
			}
		}
	}

	for sessionID, delta := range msg.New {
		if err := core.ApplyTransactions(p.ID(), sessionID, delta.After, delta.Txs); err != nil {
			core.MarkErrored(p.ID(), err)
			m.logger.Warn("content rejected", "covalue", core.ID(), "peer", p.ID(), "session", sessionID, "error", err)
			continue
		}
	}
	return nil
}

// Serve drains p's inbound stream until it closes or ctx is done,
// dispatching every envelope through HandleInbound. Errors from individual
// envelopes are logged and do not stop the loop; a malformed or rejected
// message from one peer must not block sync for any other CoValue or peer.
func (m *SyncManager) Serve(ctx context.Context, p *peer.PeerState) {
	for {
		msg, ok := p.Recv(ctx)
		if !ok {
			return
		}
		if err := m.HandleInbound(ctx, p, msg); err != nil {
			m.logger.Warn("inbound message handling failed", "peer", p.ID(), "action", msg.Action, "error", err)
		}
	}
}
