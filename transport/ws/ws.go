// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ws is the wire transport adapter: it carries wire.Envelope
// frames between peers over gorilla/websocket connections, feeding
// received envelopes into a peer.PeerState's inbound queue and draining
// its outbound queue onto the socket. Framing is one JSON object per
// WebSocket message; reconnection policy is the caller's concern.
//
// This adapter performs a minimal unauthenticated upgrade handshake,
// suitable for local-network or test use. Production deployments should
// front it with their own authentication layer (mTLS, a reverse proxy, a
// bearer token on the upgrade request) — that is an explicit limitation
// of this adapter, not a gap in the sync core, which never imports this
// package directly.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/frolic/jazz/internal/logging"
	"github.com/frolic/jazz/internal/metrics"
	"github.com/frolic/jazz/peer"
	"github.com/frolic/jazz/wire"
)

// Config tunes the underlying websocket connection. Wire envelopes are
// small JSON frames (a handful of transactions at a time, not bulk file
// payloads), so defaults here are far smaller than a chat-payload
// transport would use.
type Config struct {
	// ReadBufferSize and WriteBufferSize size the underlying socket's I/O
	// buffers. Zero uses gorilla/websocket's own default.
	ReadBufferSize, WriteBufferSize int
	// HandshakeTimeout bounds how long the initial upgrade/dial may take.
	HandshakeTimeout time.Duration
	// OutboundQueueHighWater sizes the PeerState this adapter constructs.
	// Zero or a negative value uses DefaultConfig's 1024.
	OutboundQueueHighWater int
}

// DefaultConfig returns adapter defaults: 64KiB socket buffers, a 10s
// handshake timeout, and a 1024-message outbound high water mark.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:         64 * 1024,
		WriteBufferSize:        64 * 1024,
		HandshakeTimeout:       10 * time.Second,
		OutboundQueueHighWater: 1024,
	}
}

func (c Config) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  c.ReadBufferSize,
		WriteBufferSize: c.WriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

func (c Config) dialer() websocket.Dialer {
	d := *websocket.DefaultDialer
	d.ReadBufferSize = c.ReadBufferSize
	d.WriteBufferSize = c.WriteBufferSize
	d.HandshakeTimeout = c.HandshakeTimeout
	return d
}

// Adapter pumps wire.Envelope frames between one *websocket.Conn and one
// *peer.PeerState until either side closes.
type Adapter struct {
	conn   *websocket.Conn
	peer   *peer.PeerState
	logger *logging.Logger
}

// Handler returns a gin.HandlerFunc that upgrades each incoming request to
// a WebSocket, wraps it as a peer of role identified by the remote address
// plus a short random suffix (disambiguating repeat connections from the
// same address), and calls onConnect with the resulting peer before pumping
// frames. onConnect is expected to register the peer
// with a LocalNode/SyncManager and typically runs SyncManager.Serve on the
// peer; Handler blocks until the connection ends, matching the teacher's
// blocking-handler-loop convention for long-lived WebSocket handlers.
func Handler(cfg Config, role peer.Role, sink metrics.Sink, logger *logging.Logger, onConnect func(*peer.PeerState)) gin.HandlerFunc {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("component", "transport/ws")
	upgrader := cfg.upgrader()

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("upgrade failed", "error", err)
			return
		}

		id := c.Request.RemoteAddr + "-" + uuid.NewString()[:8]
		p := peer.New(id, role, highWater(cfg), sink)
		a := &Adapter{conn: conn, peer: p, logger: logger.With("peer", id)}

		onConnect(p)
		a.run(c.Request.Context())
	}
}

// Dial connects to a remote peer at url as role, returning a PeerState
// already pumping frames in the background. Callers are responsible for
// soliciting or serving the returned peer (e.g. SyncManager.Serve).
func Dial(ctx context.Context, url, id string, role peer.Role, cfg Config, sink metrics.Sink, logger *logging.Logger) (*peer.PeerState, error) {
	if logger == nil {
		logger = logging.Default()
	}
	dialer := cfg.dialer()
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport/ws: dial %s: %w", url, err)
	}

	if id == "" {
		id = url + "-" + uuid.NewString()[:8]
	}
	p := peer.New(id, role, highWater(cfg), sink)
	a := &Adapter{conn: conn, peer: p, logger: logger.With("component", "transport/ws", "peer", id)}

	go a.run(context.Background())
	return p, nil
}

func highWater(cfg Config) int {
	if cfg.OutboundQueueHighWater <= 0 {
		return DefaultConfig().OutboundQueueHighWater
	}
	return cfg.OutboundQueueHighWater
}

// run pumps both directions until either the socket errors or the peer
// closes, then tears down the other side so neither pump leaks. Whichever
// pump notices first closes the peer; readPump additionally needs the
// socket itself closed to unblock its in-flight ReadJSON call.
func (a *Adapter) run(ctx context.Context) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		a.readPump(ctx)
		a.peer.Close()
	}()

	a.writePump(ctx)
	a.peer.Close()
	a.conn.Close()
	<-readDone
}

func (a *Adapter) readPump(ctx context.Context) {
	for {
		var env wire.Envelope
		if err := a.conn.ReadJSON(&env); err != nil {
			a.logger.Debug("read pump stopped", "error", err)
			return
		}
		if err := a.peer.Deliver(ctx, env); err != nil {
			a.logger.Debug("deliver failed", "error", err)
			return
		}
	}
}

// writePump drains the peer's outbound queue onto the socket. PeerState
// exposes no close notification on Outbound() itself (it is never closed,
// so a range over it would never terminate), so this pump polls IsClosed
// on a short ticker alongside the blocking receive.
func (a *Adapter) writePump(ctx context.Context) {
	closedCheck := time.NewTicker(50 * time.Millisecond)
	defer closedCheck.Stop()

	for {
		select {
		case msg := <-a.peer.Outbound():
			if err := a.conn.WriteJSON(msg); err != nil {
				a.logger.Debug("write pump stopped", "error", err)
				return
			}
		case <-closedCheck.C:
			if a.peer.IsClosed() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
