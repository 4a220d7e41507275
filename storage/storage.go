// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage declares the durable-persistence collaborator CoValueCore
// depends on as an interface only. A concrete implementation lives in
// storage/badger; core packages never import that package directly.
package storage

import "github.com/frolic/jazz/ids"

// Backend persists a CoValue's header and per-session transaction logs so a
// node can serve previously-loaded CoValues without re-fetching them from
// peers after a restart. Every method must be safe for concurrent use
// across CoValueIDs; a single CoValueID is only ever written from the
// single goroutine-free critical section its CoValueCore serializes through,
// so implementations need not serialize writes to the same key themselves.
type Backend interface {
	// SaveHeader persists h as the header for id. Called at most once per
	// id in practice (ProvideHeader rejects a second, different header),
	// but implementations must tolerate being called again with an
	// identical header idempotently.
	SaveHeader(id ids.CoValueID, h ids.CoValueHeader) error

	// LoadHeader returns the previously saved header for id, or ok=false
	// if none has been saved.
	LoadHeader(id ids.CoValueID) (h ids.CoValueHeader, ok bool, err error)

	// AppendTransactions persists txs as the contiguous continuation of
	// session's log starting at index startingAt. Callers only invoke this
	// after the transactions have already passed hash-chain and signature
	// verification.
	AppendTransactions(id ids.CoValueID, session ids.SessionID, startingAt uint64, txs []ids.Transaction) error

	// LoadSessions returns every persisted session log for id, keyed by
	// session. A session with no persisted transactions is omitted rather
	// than represented as an empty slice.
	LoadSessions(id ids.CoValueID) (map[ids.SessionID][]ids.Transaction, error)

	// Close releases the backend's resources. Safe to call once.
	Close() error
}
