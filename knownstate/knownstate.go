// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package knownstate implements the per-CoValue summary of which
// transactions each session has produced, used to negotiate deltas between
// peers without exchanging full content.
package knownstate

import "github.com/frolic/jazz/ids"

// Sessions maps a SessionID to the count of transactions known for that
// session. A count of 0 is equivalent to the session being absent from the
// map; callers should not rely on zero-valued entries being present.
type Sessions map[ids.SessionID]uint64

// KnownState is a peer's summary of what it has for one CoValue: whether it
// has the header, and how many transactions it has per session.
type KnownState struct {
	ID       ids.CoValueID `json:"id"`
	Header   bool          `json:"header"`
	Sessions Sessions      `json:"sessions"`
}

// Empty returns a KnownState for id with no header and no sessions, the
// state of a CoValue a peer has never heard of.
func Empty(id ids.CoValueID) KnownState {
	return KnownState{ID: id, Sessions: Sessions{}}
}

// Clone returns a deep copy of s so the caller can mutate it independently.
func (s Sessions) Clone() Sessions {
	out := make(Sessions, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of ks.
func (ks KnownState) Clone() KnownState {
	return KnownState{ID: ks.ID, Header: ks.Header, Sessions: ks.Sessions.Clone()}
}

// CombineSessions merges two session-count maps, taking the maximum count
// per session. It is commutative, associative, and idempotent: combining a
// map with itself, or combining in either order, yields the same result.
func CombineSessions(a, b Sessions) Sessions {
	out := make(Sessions, len(a)+len(b))
	for s, n := range a {
		out[s] = n
	}
	for s, n := range b {
		if n > out[s] {
			out[s] = n
		}
	}
	return out
}

// Combine merges two KnownState values for the same CoValueID: the header
// flag is the logical OR, and per-session counts take the maximum.
//
// Combine does not check that a.ID == b.ID; callers that merge states for
// the same id are expected to have already matched on it (e.g. while
// folding multiple peers' advertisements together).
func Combine(a, b KnownState) KnownState {
	id := a.ID
	if id == "" {
		id = b.ID
	}
	return KnownState{
		ID:       id,
		Header:   a.Header || b.Header,
		Sessions: CombineSessions(a.Sessions, b.Sessions),
	}
}

// Diff describes what differs between a local and a remote KnownState for
// the same CoValue.
type Diff struct {
	// Missing holds sessions (and the count missing) where the remote has
	// transactions the local side lacks.
	Missing Sessions
	// Newer holds sessions (and the count ahead) where the local side has
	// transactions the remote lacks.
	Newer Sessions
}

// ComputeDiff compares local and remote known states and reports, per
// session, how far each side is ahead of the other. A session present in
// only one of the two maps is treated as count 0 on the other side.
func ComputeDiff(local, remote KnownState) Diff {
	missing := Sessions{}
	newer := Sessions{}

	seen := make(map[ids.SessionID]struct{}, len(local.Sessions)+len(remote.Sessions))
	for s := range local.Sessions {
		seen[s] = struct{}{}
	}
	for s := range remote.Sessions {
		seen[s] = struct{}{}
	}

	for s := range seen {
		l := local.Sessions[s]
		r := remote.Sessions[s]
		if r > l {
			missing[s] = r - l
		}
		if l > r {
			newer[s] = l - r
		}
	}

	return Diff{Missing: missing, Newer: newer}
}
