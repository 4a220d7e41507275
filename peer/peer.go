// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package peer implements PeerState: the single-peer transport adapter
// with a bounded outbound queue, flow control, and liveness tracking that
// SyncManager and CoValueCore dispatch through.
//
// # Description
//
// A PeerState never talks to a socket itself; a transport adapter (see
// transport/ws) drains Outbound() and feeds Deliver() on its behalf. This
// keeps PeerState transport-agnostic and trivially fakeable in tests.
//
// # Thread Safety
//
// All PeerState methods are safe for concurrent use from multiple
// goroutines.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/frolic/jazz/internal/metrics"
	"github.com/frolic/jazz/wire"
)

// ErrPeerClosed is returned when a push or delivery was blocked waiting on
// a peer that has since closed.
var ErrPeerClosed = errors.New("peer: closed")

// Role classifies why a peer is connected, used for metrics labels and for
// ruling out unsuitable peers (e.g. a storage peer never originates loads).
type Role string

const (
	RoleServer  Role = "server"
	RoleClient  Role = "client"
	RoleStorage Role = "storage"
)

// inboundBufferSize bounds unread inbound messages before Deliver starts
// applying the same blocking back-pressure as the outbound queue.
const inboundBufferSize = 256

// PeerState tracks one remote peer's outbound queue and liveness. The zero
// value is not usable; construct with New.
type PeerState struct {
	id   string
	role Role
	sink metrics.Sink

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}

	outbound chan wire.Envelope
	inbound  chan wire.Envelope
}

// New constructs a PeerState for a peer identified by id and role, with an
// outbound queue that blocks pushers once highWater messages are enqueued.
// A nil sink is replaced with metrics.Noop().
func New(id string, role Role, highWater int, sink metrics.Sink) *PeerState {
	if sink == nil {
		sink = metrics.Noop()
	}
	return &PeerState{
		id:       id,
		role:     role,
		sink:     sink,
		closedCh: make(chan struct{}),
		outbound: make(chan wire.Envelope, highWater),
		inbound:  make(chan wire.Envelope, inboundBufferSize),
	}
}

// ID returns the peer's identifier.
func (p *PeerState) ID() string { return p.id }

// Role returns the peer's role.
func (p *PeerState) Role() Role { return p.role }

// IsClosed reports whether Close has been called.
func (p *PeerState) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// QueueDepth returns the current outbound queue depth, for metrics and
// tests observing back-pressure.
func (p *PeerState) QueueDepth() int {
	return len(p.outbound)
}

// PushOutgoingMessage enqueues msg for delivery to this peer. If the peer
// is already closed, the push is dropped silently (the call returns nil).
// If the outbound queue is at its high-water capacity, the call blocks
// until a slot drains, the context is cancelled, or the peer closes while
// waiting — in which case it returns a wrapped ErrPeerClosed.
func (p *PeerState) PushOutgoingMessage(ctx context.Context, msg wire.Envelope) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil
	}

	select {
	case p.outbound <- msg:
		p.sink.SetPeerQueueDepth(p.id, len(p.outbound))
		p.sink.IncPeerMessage(string(p.role), string(msg.Action), "out")
		return nil
	case <-p.closedCh:
		return fmt.Errorf("peer: push to %s: %w", p.id, ErrPeerClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbound returns the channel a transport adapter drains to deliver
// messages to the remote peer. It is never closed; callers should stop
// reading once IsClosed() is true.
func (p *PeerState) Outbound() <-chan wire.Envelope {
	return p.outbound
}

// Deliver is called by a transport adapter when it receives msg from the
// remote peer. It applies the same closed/back-pressure semantics as
// PushOutgoingMessage.
func (p *PeerState) Deliver(ctx context.Context, msg wire.Envelope) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil
	}

	select {
	case p.inbound <- msg:
		p.sink.IncPeerMessage(string(p.role), string(msg.Action), "in")
		return nil
	case <-p.closedCh:
		return fmt.Errorf("peer: deliver to %s: %w", p.id, ErrPeerClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv waits for the next inbound message. ok is false once the peer has
// closed or ctx is done, with no message delivered; callers loop on Recv
// until ok is false to drain a finite stream.
func (p *PeerState) Recv(ctx context.Context) (msg wire.Envelope, ok bool) {
	select {
	case msg, ok = <-p.inbound:
		return msg, ok
	case <-p.closedCh:
		return wire.Envelope{}, false
	case <-ctx.Done():
		return wire.Envelope{}, false
	}
}

// Close idempotently marks the peer closed, failing any push or deliver
// currently blocked awaiting queue space with ErrPeerClosed.
func (p *PeerState) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.closedCh)
}
