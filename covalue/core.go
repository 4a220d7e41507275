// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package covalue implements CoValueCore, the state machine owning one
// CoValue's load lifecycle, its verified content once available, and the
// observers waiting on that outcome.
package covalue

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/frolic/jazz/cryptoctx"
	"github.com/frolic/jazz/ids"
	"github.com/frolic/jazz/internal/logging"
	"github.com/frolic/jazz/internal/metrics"
	"github.com/frolic/jazz/knownstate"
	"github.com/frolic/jazz/peer"
	"github.com/frolic/jazz/storage"
	"github.com/frolic/jazz/verified"
	"github.com/frolic/jazz/wire"
	"golang.org/x/sync/errgroup"
)

// LoadingState is one of a CoValueCore's four externally visible lifecycle
// states. "errored" is deliberately not a member: it is transient,
// per-peer, and folds into Unavailable once the pending set drains.
type LoadingState string

const (
	Unknown     LoadingState = "unknown"
	Loading     LoadingState = "loading"
	Available   LoadingState = "available"
	Unavailable LoadingState = "unavailable"
)

// DefaultLoadDeadline is the per-peer load timeout used when callers don't
// specify one explicitly.
const DefaultLoadDeadline = 30 * time.Second

// Outcome is what waitForAvailableOrUnavailable resolves with: Verified is
// set when the core reached Available, and nil when it reached Unavailable.
type Outcome struct {
	Verified *verified.VerifiedState
}

// CoValueCore is the state machine for one CoValue's load lifecycle. All
// state transitions execute while holding mu, matching the "one logical
// task context" scheduling model: no two transitions ever race, and no
// goroutine holds mu across a suspension point such as a peer push.
//
// The zero value is not usable; construct via LocalNode.GetOrCreate.
type CoValueCore struct {
	id               ids.CoValueID
	cryptoCtx        cryptoctx.Context
	sink             metrics.Sink
	logger           *logging.Logger
	backend          storage.Backend
	verifySignatures bool

	mu       sync.Mutex
	state    LoadingState
	verified *verified.VerifiedState
	observers []chan Outcome

	// Bookkeeping for the current (or most recently completed) load
	// attempt. solicited holds every non-closed peer passed to
	// LoadFromPeers; responded holds peers that have settled (errored,
	// not-found, timed out, or closed) for this attempt; suppliedContent
	// holds peers that have actually given us content, and are therefore
	// excluded from the becoming-available broadcast.
	solicited       map[string]*peer.PeerState
	responded       map[string]bool
	suppliedContent map[string]bool
	deadlineTimers  map[string]*time.Timer
	loadDone        chan struct{}
}

func newCore(id ids.CoValueID, cryptoCtx cryptoctx.Context, sink metrics.Sink, logger *logging.Logger, backend storage.Backend, verifySignatures bool) *CoValueCore {
	if sink == nil {
		sink = metrics.Noop()
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &CoValueCore{
		id:               id,
		cryptoCtx:        cryptoCtx,
		sink:             sink,
		logger:           logger.With("component", "covalue", "id", string(id)),
		backend:          backend,
		verifySignatures: verifySignatures,
		state:            Unknown,
	}
	c.sink.SetLoadingState("", string(Unknown))
	c.restoreFromBackend()
	return c
}

// restoreFromBackend installs any previously persisted header and session
// content for this core's id, so a node that restarts with the same
// backend doesn't need to re-fetch everything from peers. A restore
// failure is logged rather than treated as fatal: a header that cannot be
// restored leaves the core in Unknown, so it can still load normally from
// peers, while a session that cannot be restored is skipped and the core
// stays Available with whatever else was restored.
func (c *CoValueCore) restoreFromBackend() {
	if c.backend == nil {
		return
	}
	header, ok, err := c.backend.LoadHeader(c.id)
	if err != nil {
		c.logger.Warn("restore header failed", "error", err)
		return
	}
	if !ok {
		return
	}
	if err := c.ProvideHeader(context.Background(), "", header); err != nil {
		c.logger.Warn("restore header rejected", "error", err)
		return
	}
	sessions, err := c.backend.LoadSessions(c.id)
	if err != nil {
		c.logger.Warn("restore sessions failed", "error", err)
		return
	}
	for sessionID, txs := range sessions {
		if err := c.ApplyTransactions("", sessionID, 0, txs); err != nil {
			c.logger.Warn("restore session rejected", "session", sessionID, "error", err)
		}
	}
}

// ID returns the CoValueID this core is for.
func (c *CoValueCore) ID() ids.CoValueID { return c.id }

// LoadingState returns the core's current lifecycle state.
func (c *CoValueCore) LoadingState() LoadingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// VerifiedState returns the core's verified content and whether it is
// present (i.e. the core has ever reached Available).
func (c *CoValueCore) VerifiedState() (*verified.VerifiedState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verified, c.verified != nil
}

// WaitForAvailableOrUnavailable blocks until the core is in Available or
// Unavailable and returns that outcome, or until ctx is done. If the core
// is already in one of those states, it returns synchronously.
func (c *CoValueCore) WaitForAvailableOrUnavailable(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if c.state == Available || c.state == Unavailable {
		out := c.outcomeLocked()
		c.mu.Unlock()
		return out, nil
	}
	ch := make(chan Outcome, 1)
	c.observers = append(c.observers, ch)
	c.mu.Unlock()

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (c *CoValueCore) outcomeLocked() Outcome {
	if c.state == Available {
		return Outcome{Verified: c.verified}
	}
	return Outcome{}
}

func (c *CoValueCore) notifyObserversLocked() {
	if len(c.observers) == 0 {
		return
	}
	out := c.outcomeLocked()
	for _, ch := range c.observers {
		ch <- out
	}
	c.observers = nil
}

// transitionLocked moves the core from "from" to "to", updating metrics and
// notifying observers if "to" is terminal-for-this-attempt. Callers must
// hold mu.
func (c *CoValueCore) transitionLocked(from, to LoadingState) {
	c.state = to
	c.sink.SetLoadingState(string(from), string(to))

	if from == Loading && (to == Available || to == Unavailable) {
		c.stopAllDeadlineTimersLocked()
		c.sink.IncLoadAttempt(string(to))
		if c.loadDone != nil {
			close(c.loadDone)
			c.loadDone = nil
		}
	}
	if to == Available || to == Unavailable {
		c.notifyObserversLocked()
	}
}

// LoadFromPeers dispatches a load request to every non-closed peer in
// peers, concurrently, and blocks until the attempt leaves Loading — either
// because some peer supplied a header, or because every peer has settled
// (errored, not-found, timed out, or closed). It is only meaningful from
// Unknown; called from any other state it is a no-op.
func (c *CoValueCore) LoadFromPeers(ctx context.Context, peers []*peer.PeerState, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = DefaultLoadDeadline
	}

	c.mu.Lock()
	if c.state != Unknown {
		c.mu.Unlock()
		return nil
	}

	c.solicited = make(map[string]*peer.PeerState, len(peers))
	c.responded = make(map[string]bool, len(peers))
	c.suppliedContent = make(map[string]bool, len(peers))
	c.deadlineTimers = make(map[string]*time.Timer, len(peers))

	var active []*peer.PeerState
	for _, p := range peers {
		if p.IsClosed() {
			continue
		}
		c.solicited[p.ID()] = p
		active = append(active, p)
	}

	if len(active) == 0 {
		from := c.state
		c.transitionLocked(from, Unavailable)
		c.mu.Unlock()
		return nil
	}

	done := make(chan struct{})
	c.loadDone = done
	c.transitionLocked(Unknown, Loading)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range active {
		p := p
		g.Go(func() error {
			env := wire.Load(c.id, false, nil)
			if err := p.PushOutgoingMessage(gctx, env); err != nil {
				c.MarkNotFoundInPeer(p.ID())
				return nil
			}
			c.startDeadline(p.ID(), deadline)
			return nil
		})
	}
	_ = g.Wait()

	// LoadFromPeers resolves once every solicited peer's attempt has
	// settled (not-found, errored, timed out, or closed) or a header raced
	// it to Available — not merely once every peer has been pushed to.
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

func (c *CoValueCore) startDeadline(peerID string, deadline time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Loading || c.responded[peerID] {
		return
	}
	c.deadlineTimers[peerID] = time.AfterFunc(deadline, func() {
		c.settlePeer(peerID, "timeout")
	})
}

func (c *CoValueCore) stopDeadlineTimerLocked(peerID string) {
	if t, ok := c.deadlineTimers[peerID]; ok {
		t.Stop()
		delete(c.deadlineTimers, peerID)
	}
}

func (c *CoValueCore) stopAllDeadlineTimersLocked() {
	for id, t := range c.deadlineTimers {
		t.Stop()
		delete(c.deadlineTimers, id)
	}
}

// settlePeer records peerID as settled for the current load attempt (for
// the reason given: "errored", "not_found", "timeout", or "closed") and
// re-checks the termination rule.
func (c *CoValueCore) settlePeer(peerID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Loading {
		return
	}
	if c.responded == nil {
		c.responded = make(map[string]bool)
	}
	if c.responded[peerID] {
		return
	}
	c.responded[peerID] = true
	c.stopDeadlineTimerLocked(peerID)
	c.logger.Debug("peer settled", "peer", peerID, "reason", reason)
	c.checkTerminationLocked()
}

func (c *CoValueCore) checkTerminationLocked() {
	if c.state != Loading {
		return
	}
	for id, p := range c.solicited {
		if p.IsClosed() {
			continue
		}
		if !c.responded[id] {
			return // still pending
		}
	}
	c.transitionLocked(Loading, Unavailable)
}

// MarkNotFoundInPeer records that peerID has responded that it does not
// have this CoValue. A no-op unless the core is currently Loading.
func (c *CoValueCore) MarkNotFoundInPeer(peerID string) {
	c.settlePeer(peerID, "not_found")
}

// MarkErrored records that peerID's response for this CoValue could not be
// verified (err should be one of the verified package's classified
// errors). A no-op unless the core is currently Loading.
func (c *CoValueCore) MarkErrored(peerID string, err error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == Loading {
		c.logger.Warn("peer errored for covalue", "peer", peerID, "error", err)
	}
	c.settlePeer(peerID, "errored")
}

// PeerClosed notifies the core that peerID's PeerState has closed, removing
// it from the pending set for any in-progress load attempt.
func (c *CoValueCore) PeerClosed(peerID string) {
	c.settlePeer(peerID, "closed")
}

// ProvideHeader installs header as this core's verified header, attributing
// the provide to peerID (empty if not peer-originated). It transitions
// Unknown or Unavailable to Available, is idempotent if the core is already
// Available with the same header, fails with ErrHeaderMismatch if header
// does not hash to this core's id, and fails with ErrRegistryCollision if
// the core is already Available under a different header that also hashes
// to this id. No state change on any failure.
//
// If the transition happens while Loading, every other solicited peer that
// has not itself supplied content receives a known-state advertisement so
// it may push any deltas this peer's header didn't carry.
func (c *CoValueCore) ProvideHeader(ctx context.Context, peerID string, header ids.CoValueHeader) error {
	computedID, err := verified.ComputeID(c.cryptoCtx, header)
	if err != nil {
		return err
	}
	if computedID != c.id {
		return fmt.Errorf("covalue: provide header for %s: %w", c.id, ErrHeaderMismatch)
	}

	c.mu.Lock()
	if c.state == Available {
		same := c.verified != nil && headersEqual(c.verified.Header, header)
		c.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("covalue: %s already available with a different header: %w", c.id, ErrRegistryCollision)
	}

	vs, err := verified.FromHeader(c.cryptoCtx, c.id, header)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	from := c.state
	c.verified = vs
	if peerID != "" {
		if c.suppliedContent == nil {
			c.suppliedContent = map[string]bool{}
		}
		c.suppliedContent[peerID] = true
	}
	c.transitionLocked(from, Available)

	var targets []*peer.PeerState
	var sessions knownstate.Sessions
	if from == Loading {
		targets = c.broadcastTargetsLocked(peerID)
		sessions = vs.KnownState().Sessions
	}
	c.mu.Unlock()

	if c.backend != nil {
		if err := c.backend.SaveHeader(c.id, header); err != nil {
			c.logger.Warn("persist header failed", "error", err)
		}
	}

	c.pushBroadcast(ctx, targets, sessions)
	return nil
}

func (c *CoValueCore) broadcastTargetsLocked(exclude string) []*peer.PeerState {
	var out []*peer.PeerState
	for id, p := range c.solicited {
		if id == exclude || c.suppliedContent[id] || p.IsClosed() {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (c *CoValueCore) pushBroadcast(ctx context.Context, targets []*peer.PeerState, sessions knownstate.Sessions) {
	for _, p := range targets {
		p := p
		go func() {
			if err := p.PushOutgoingMessage(ctx, wire.Load(c.id, true, sessions)); err != nil {
				c.logger.Debug("broadcast push failed", "peer", p.ID(), "error", err)
			}
		}()
	}
}

// ApplyTransactions validates and appends txs to sessionID's log via the
// core's verified state, attributing success to peerID so it is excluded
// from any later becoming-available broadcast. ApplyTransactions requires a
// header to already be installed; call ProvideHeader first if the content
// message carried one.
func (c *CoValueCore) ApplyTransactions(peerID string, sessionID ids.SessionID, startingAt uint64, txs []ids.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.verified == nil {
		return fmt.Errorf("covalue: %s: apply transactions before header installed", c.id)
	}

	err := c.verified.TryAddTransactions(c.cryptoCtx, sessionID, startingAt, txs, c.verifySignatures)
	if err != nil {
		return err
	}
	if peerID != "" {
		if c.suppliedContent == nil {
			c.suppliedContent = map[string]bool{}
		}
		c.suppliedContent[peerID] = true
	}
	if c.backend != nil {
		if err := c.backend.AppendTransactions(c.id, sessionID, startingAt, txs); err != nil {
			c.logger.Warn("persist transactions failed", "session", sessionID, "error", err)
		}
	}
	return nil
}

func headersEqual(a, b ids.CoValueHeader) bool {
	return reflect.DeepEqual(a, b)
}
