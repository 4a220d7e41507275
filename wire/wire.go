// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package wire defines the sync protocol's message envelope. Framing,
// transport, and authentication are the concern of the transport adapter
// (transport/ws); this package only describes what goes over the wire
// once a connection is established.
package wire

import "github.com/frolic/jazz/ids"

// Action identifies which of the four sync message kinds an Envelope
// carries.
type Action string

const (
	ActionLoad    Action = "load"
	ActionKnown   Action = "known"
	ActionContent Action = "content"
	ActionDone    Action = "done"
)

// SessionDelta is the new transactions a "content" message is pushing for
// one session, starting at index After.
type SessionDelta struct {
	After uint64            `json:"after"`
	Txs   []ids.Transaction `json:"txs"`
}

// Envelope is the single message shape exchanged between peers; which
// fields are populated depends on Action, matching the discriminated single
// request/response struct convention used elsewhere for these adapters.
type Envelope struct {
	Action Action        `json:"action"`
	ID     ids.CoValueID `json:"id"`

	// Header is set (true) on "load"/"known" to advertise possession of the
	// header; HeaderValue carries the full header on "content" when sending
	// it for the first time.
	Header      bool                           `json:"header,omitempty"`
	HeaderValue *ids.CoValueHeader             `json:"headerValue,omitempty"`
	Sessions    map[ids.SessionID]uint64       `json:"sessions,omitempty"`
	New         map[ids.SessionID]SessionDelta `json:"new,omitempty"`
}

// Load builds a "load" envelope advertising the sender's known state for id.
func Load(id ids.CoValueID, header bool, sessions map[ids.SessionID]uint64) Envelope {
	return Envelope{Action: ActionLoad, ID: id, Header: header, Sessions: sessions}
}

// Known builds a "known" envelope, the same shape as Load but sent in
// response to a load rather than to initiate one.
func Known(id ids.CoValueID, header bool, sessions map[ids.SessionID]uint64) Envelope {
	return Envelope{Action: ActionKnown, ID: id, Header: header, Sessions: sessions}
}

// Content builds a "content" envelope carrying header (if non-nil, sent for
// the first time) and new transactions per session.
func Content(id ids.CoValueID, header *ids.CoValueHeader, new map[ids.SessionID]SessionDelta) Envelope {
	return Envelope{Action: ActionContent, ID: id, HeaderValue: header, New: new}
}

// Done builds a "done" envelope: the sender has nothing further for id right
// now.
func Done(id ids.CoValueID) Envelope {
	return Envelope{Action: ActionDone, ID: id}
}
