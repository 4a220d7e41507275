// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package verified holds the authoritative, cryptographically validated
// content of a CoValue: its header plus the per-session transaction logs
// that have passed hash-chain and signature verification.
package verified

import (
	"errors"
	"fmt"

	"github.com/frolic/jazz/cryptoctx"
	"github.com/frolic/jazz/ids"
	"github.com/frolic/jazz/knownstate"
)

// Sentinel errors classifying why tryAddTransactions rejected a batch, or
// why construction from a header failed. Callers use errors.Is to
// distinguish them.
var (
	// ErrHeaderMismatch is returned when a header's content hash does not
	// equal the CoValueID it is being installed under.
	ErrHeaderMismatch = errors.New("verified: header does not hash to expected id")
	// ErrGap is returned when startingAt is past the session log's current
	// length, or when a transaction's Index does not match its position in
	// the batch.
	ErrGap = errors.New("verified: transaction batch does not start at current session length")
	// ErrBadSignature is returned when a transaction's signature fails to
	// verify under its session's agent key.
	ErrBadSignature = errors.New("verified: transaction signature failed verification")
	// ErrBadHashChain is returned when a transaction's PrevHash does not
	// match the hash of the preceding transaction in its session.
	ErrBadHashChain = errors.New("verified: transaction hash chain link is broken")
	// ErrOverlap is returned when a batch would re-append an index already
	// present in the session log.
	ErrOverlap = errors.New("verified: transaction batch overlaps existing session log")
)

// SessionLog is a contiguous, verified, append-only run of transactions for
// one session, starting at index 0 with no gaps.
type SessionLog struct {
	txs      []ids.Transaction
	lastHash cryptoctx.Hash
}

// Len returns the number of verified transactions in the log.
func (l *SessionLog) Len() uint64 {
	if l == nil {
		return 0
	}
	return uint64(len(l.txs))
}

// Transactions returns the log's transactions in index order. The returned
// slice must not be mutated by the caller.
func (l *SessionLog) Transactions() []ids.Transaction {
	if l == nil {
		return nil
	}
	return l.txs
}

func (l *SessionLog) clone() *SessionLog {
	if l == nil {
		return nil
	}
	out := &SessionLog{lastHash: l.lastHash, txs: make([]ids.Transaction, len(l.txs))}
	copy(out.txs, l.txs)
	return out
}

// VerifiedState is the validated content of one CoValue. It is exclusively
// owned by the CoValueCore that holds it; this package performs no
// internal locking of its own.
type VerifiedState struct {
	ID     ids.CoValueID
	Header ids.CoValueHeader

	sessions map[ids.SessionID]*SessionLog
}

// ComputeID returns the CoValueID a header hashes to under ctx.
func ComputeID(ctx cryptoctx.Context, header ids.CoValueHeader) (ids.CoValueID, error) {
	b, err := header.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("verified: compute id: %w", err)
	}
	return ids.CoValueID(ctx.Hash(b).String()), nil
}

// FromHeader constructs an empty-sessions VerifiedState bound to header,
// after checking that header hashes to id. It returns ErrHeaderMismatch if
// not.
func FromHeader(ctx cryptoctx.Context, id ids.CoValueID, header ids.CoValueHeader) (*VerifiedState, error) {
	got, err := ComputeID(ctx, header)
	if err != nil {
		return nil, err
	}
	if got != id {
		return nil, fmt.Errorf("verified: header hashes to %s, want %s: %w", got, id, ErrHeaderMismatch)
	}
	return &VerifiedState{ID: id, Header: header, sessions: make(map[ids.SessionID]*SessionLog)}, nil
}

// signableBytes returns the deterministic byte sequence a transaction's
// signature is computed over: the session it belongs to, its index, its
// hash-chain predecessor, and its payload. Both sides of a signature check
// must agree on this exact encoding.
func signableBytes(session ids.SessionID, tx ids.Transaction) []byte {
	b := make([]byte, 0, len(session.Agent)+8+8+32+len(tx.Payload))
	b = append(b, session.Agent...)
	b = fmt.Appendf(b, "/%d#%d:", session.Counter, tx.Index)
	b = append(b, tx.PrevHash[:]...)
	b = append(b, tx.Payload...)
	return b
}

// TryAddTransactions validates and appends txs to sessionID's log, starting
// at index startingAt. The append is atomic: on any error the log is left
// exactly as it was before the call. verifySignatures gates only the
// signature check; gap, overlap, and hash-chain validation always run.
// Disabling it is for testing only — spec-level fixtures driving the core
// directly without real Ed25519 keys — and must never be set false in
// production.
func (v *VerifiedState) TryAddTransactions(ctx cryptoctx.Context, sessionID ids.SessionID, startingAt uint64, txs []ids.Transaction, verifySignatures bool) error {
	if len(txs) == 0 {
		return nil
	}

	existing := v.sessions[sessionID]
	current := existing.Len()

	switch {
	case startingAt > current:
		return fmt.Errorf("verified: session %s: batch starts at %d, have %d: %w", sessionID, startingAt, current, ErrGap)
	case startingAt < current:
		return fmt.Errorf("verified: session %s: batch starts at %d, already have %d: %w", sessionID, startingAt, current, ErrOverlap)
	}

	var vk cryptoctx.VerifyingKey
	if verifySignatures {
		var err error
		vk, err = ctx.ParseVerifyingKey(string(sessionID.Agent))
		if err != nil {
			return fmt.Errorf("verified: session %s: parse agent key: %w", sessionID, err)
		}
	}

	prevHash := cryptoctx.Hash{}
	if existing != nil {
		prevHash = existing.lastHash
	}

	validated := make([]ids.Transaction, 0, len(txs))
	for i, tx := range txs {
		wantIndex := startingAt + uint64(i)
		if tx.Index != wantIndex {
			return fmt.Errorf("verified: session %s: transaction at position %d has index %d, want %d: %w", sessionID, i, tx.Index, wantIndex, ErrGap)
		}
		if tx.PrevHash != prevHash {
			return fmt.Errorf("verified: session %s: transaction %d hash chain mismatch: %w", sessionID, tx.Index, ErrBadHashChain)
		}
		if verifySignatures {
			sig := cryptoctx.SignatureFromBytes(tx.Signature)
			if err := ctx.Verify(vk, signableBytes(sessionID, tx), sig); err != nil {
				return fmt.Errorf("verified: session %s: transaction %d: %w", sessionID, tx.Index, ErrBadSignature)
			}
		}
		prevHash = ctx.Hash(signableBytes(sessionID, tx))
		validated = append(validated, tx)
	}

	log := existing
	if log == nil {
		log = &SessionLog{}
	} else {
		log = log.clone()
	}
	log.txs = append(log.txs, validated...)
	log.lastHash = prevHash

	if v.sessions == nil {
		v.sessions = make(map[ids.SessionID]*SessionLog)
	}
	v.sessions[sessionID] = log
	return nil
}

// KnownState derives the KnownState view of this VerifiedState: header is
// always true (a VerifiedState only exists once a header is installed),
// and each session's count is its log length.
func (v *VerifiedState) KnownState() knownstate.KnownState {
	sessions := make(knownstate.Sessions, len(v.sessions))
	for s, log := range v.sessions {
		sessions[s] = log.Len()
	}
	return knownstate.KnownState{ID: v.ID, Header: true, Sessions: sessions}
}

// Clone returns a structural copy of v. Session logs are only copied on
// first mutation of the clone, since SessionLog.clone is always applied by
// TryAddTransactions before mutating.
func (v *VerifiedState) Clone() *VerifiedState {
	out := &VerifiedState{ID: v.ID, Header: v.Header, sessions: make(map[ids.SessionID]*SessionLog, len(v.sessions))}
	for s, log := range v.sessions {
		out.sessions[s] = log
	}
	return out
}

// SessionLog returns the session log for sessionID, or nil if the session
// has no verified transactions.
func (v *VerifiedState) SessionLog(sessionID ids.SessionID) *SessionLog {
	return v.sessions[sessionID]
}
