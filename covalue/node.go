// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package covalue

import (
	"sync"

	"github.com/frolic/jazz/cryptoctx"
	"github.com/frolic/jazz/ids"
	"github.com/frolic/jazz/internal/logging"
	"github.com/frolic/jazz/internal/metrics"
	"github.com/frolic/jazz/storage"
	"golang.org/x/sync/singleflight"
)

// LocalNode is the process-wide registry of CoValueCores, guaranteeing
// exactly one core per CoValueID for the node's lifetime. Construction
// (NewLocalNode, WithStorage, WithVerifySignatures) and lookups are the only
// mutations of global state in this engine — no other package holds a
// package-level singleton.
type LocalNode struct {
	cryptoCtx        cryptoctx.Context
	sink             metrics.Sink
	logger           *logging.Logger
	backend          storage.Backend
	verifySignatures bool

	mu    sync.RWMutex
	cores map[ids.CoValueID]*CoValueCore
	group singleflight.Group
}

// NewLocalNode constructs a LocalNode with signature verification enabled.
// A nil sink defaults to metrics.Noop(); a nil logger defaults to
// logging.Default().
func NewLocalNode(cryptoCtx cryptoctx.Context, sink metrics.Sink, logger *logging.Logger) *LocalNode {
	if sink == nil {
		sink = metrics.Noop()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &LocalNode{
		cryptoCtx:        cryptoCtx,
		sink:             sink,
		logger:           logger,
		verifySignatures: true,
		cores:            make(map[ids.CoValueID]*CoValueCore),
	}
}

// GetOrCreate returns the CoValueCore for id, constructing and registering
// one in the Unknown state if this is the first lookup. Concurrent
// first-lookups for the same id collapse into a single construction via
// singleflight, keyed by id.
func (n *LocalNode) GetOrCreate(id ids.CoValueID) *CoValueCore {
	n.mu.RLock()
	if c, ok := n.cores[id]; ok {
		n.mu.RUnlock()
		return c
	}
	n.mu.RUnlock()

	v, _, _ := n.group.Do(string(id), func() (any, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.cores[id]; ok {
			return c, nil
		}
		c := newCore(id, n.cryptoCtx, n.sink, n.logger, n.backend, n.verifySignatures)
		n.cores[id] = c
		return c, nil
	})
	return v.(*CoValueCore)
}

// WithStorage attaches a durable-persistence backend that every core
// created from this point forward will save headers and transactions to
// and restore previously-persisted state from. It has no effect on cores
// already created. Returns n for chaining at construction time.
func (n *LocalNode) WithStorage(backend storage.Backend) *LocalNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.backend = backend
	return n
}

// WithVerifySignatures controls whether cores created from this point
// forward verify transaction signatures against their session's agent key.
// It defaults to true; disabling it is for testing only (spec-level
// transaction fixtures without real Ed25519 keys) and must never be set
// false in production, since it removes the only check that a transaction
// actually came from the agent it claims to. It has no effect on cores
// already created.
func (n *LocalNode) WithVerifySignatures(verify bool) *LocalNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verifySignatures = verify
	return n
}

// Get returns the core for id without creating one, and whether it exists.
func (n *LocalNode) Get(id ids.CoValueID) (*CoValueCore, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.cores[id]
	return c, ok
}

// Len returns the number of registered cores, for observing the metrics
// gauge-sum invariant against the true live count in tests.
func (n *LocalNode) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.cores)
}

// CryptoContext returns the cryptographic collaborator this node was
// constructed with, shared read-only by every core it creates.
func (n *LocalNode) CryptoContext() cryptoctx.Context {
	return n.cryptoCtx
}
