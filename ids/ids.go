// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ids holds the engine's foundational identifiers and data model
// types: CoValueID, SessionID, CoValueHeader, and Transaction. It has no
// dependencies on any other engine package so that knownstate, verified,
// covalue, wire, peer, and sync can all depend on it without creating
// import cycles.
package ids

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CoValueID is a content-derived identifier: the hash of a CoValueHeader,
// hex-encoded. It is immutable once computed.
type CoValueID string

// AgentID identifies an account or transient agent that can author
// sessions. It is typically a hex-encoded verifying key.
type AgentID string

// SessionID is one writer's contribution stream to a CoValue: a composite
// of the authoring agent and a per-agent session counter, so a single
// account can run multiple concurrent sessions (e.g. one per device).
type SessionID struct {
	Agent   AgentID `json:"agent"`
	Counter uint64  `json:"counter"`
}

// String renders the SessionID in "<agent>/<counter>" form, used as a map
// key's string form in wire messages and logs.
func (s SessionID) String() string {
	return fmt.Sprintf("%s/%d", s.Agent, s.Counter)
}

// MarshalText implements encoding.TextMarshaler so a SessionID can be used
// as a JSON object key (Go's encoding/json only allows struct-typed map
// keys that marshal to text).
func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, parsing the
// "<agent>/<counter>" form produced by MarshalText.
func (s *SessionID) UnmarshalText(text []byte) error {
	str := string(text)
	idx := strings.LastIndexByte(str, '/')
	if idx < 0 {
		return fmt.Errorf("ids: malformed session id %q", str)
	}
	counter, err := strconv.ParseUint(str[idx+1:], 10, 64)
	if err != nil {
		return fmt.Errorf("ids: malformed session id %q: %w", str, err)
	}
	s.Agent = AgentID(str[:idx])
	s.Counter = counter
	return nil
}

// CoValueType is the closed set of CoValue kinds the engine understands.
type CoValueType string

const (
	TypeComap    CoValueType = "comap"
	TypeColist   CoValueType = "colist"
	TypeCostream CoValueType = "costream"
	TypeBinary   CoValueType = "binary"
	TypeGroup    CoValueType = "group"
	TypeAccount  CoValueType = "account"
)

// RulesetKind selects the write-authority policy embedded in a header.
type RulesetKind string

const (
	RulesetUnsafeAllowAll RulesetKind = "unsafeAllowAll"
	RulesetOwnedByGroup   RulesetKind = "ownedByGroup"
	RulesetGroup          RulesetKind = "group"
)

// Ruleset governs who may write transactions into a CoValue's sessions.
// Group is only set when Kind is RulesetOwnedByGroup, and names the
// CoValueID of the governing group.
type Ruleset struct {
	Kind  RulesetKind `json:"kind"`
	Group CoValueID   `json:"group,omitempty"`
}

// CoValueHeader is the immutable, content-hashed identity of a CoValue.
// Meta is opaque application metadata; Uniqueness is an optional nonce that
// perturbs the derived ID to permit otherwise-identical CoValues to coexist.
type CoValueHeader struct {
	Type       CoValueType     `json:"type"`
	Ruleset    Ruleset         `json:"ruleset"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	Uniqueness string          `json:"uniqueness,omitempty"`
}

// CanonicalBytes returns a deterministic encoding of the header suitable
// for hashing into a CoValueID. Struct field order in the JSON encoding is
// fixed by Go's encoding/json (source field order), which is sufficient
// determinism for a header that is never mutated after construction.
func (h CoValueHeader) CanonicalBytes() ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("ids: marshal header: %w", err)
	}
	return b, nil
}

// Transaction is one signed, hash-chained entry in a session log.
type Transaction struct {
	// Index is this transaction's position within its session, starting
	// at 0.
	Index uint64 `json:"index"`
	// PrevHash links to the hash of the previous transaction in this
	// session, or the zero hash for Index == 0.
	PrevHash [32]byte `json:"prevHash"`
	// Signature is the signing agent's signature over the transaction's
	// signable content (see signableBytes in the verified package).
	Signature []byte `json:"signature"`
	// Payload is the opaque application content of the transaction.
	Payload json.RawMessage `json:"payload"`
}
