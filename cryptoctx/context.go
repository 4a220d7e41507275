// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cryptoctx defines the cryptographic collaborator the rest of the
// engine depends on only through this interface: hashing a CoValue header
// into an ID, and signing/verifying individual transactions.
//
// The engine never constructs hashes or signatures itself outside of this
// package. A production deployment may swap Context for one backed by a
// hardware key store; tests use Context freely since it has no external
// dependencies.
package cryptoctx

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrVerification is returned (wrapped) when a signature fails to verify.
var ErrVerification = errors.New("cryptoctx: signature verification failed")

// Hash is a content hash, hex-encodable, used to derive CoValueIDs and to
// link transactions into a per-session hash chain.
type Hash [sha256.Size]byte

// String renders the hash as a lowercase hex string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash (used as the hash-chain root).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// SigningKey is an opaque private key handle.
type SigningKey struct {
	raw ed25519.PrivateKey
}

// VerifyingKey is an opaque public key handle, safe to share with peers.
type VerifyingKey struct {
	raw ed25519.PublicKey
}

// String renders the verifying key as hex, suitable for embedding in an
// AgentID.
func (k VerifyingKey) String() string {
	return hex.EncodeToString(k.raw)
}

// Signature is an opaque signature over a byte payload.
type Signature struct {
	raw []byte
}

// Bytes returns the raw signature bytes.
func (s Signature) Bytes() []byte { return s.raw }

// SignatureFromBytes wraps raw signature bytes received over the wire (or
// read from storage) into a Signature suitable for Verify. It performs no
// validation of the bytes themselves; Verify reports whether they are a
// valid signature.
func SignatureFromBytes(raw []byte) Signature {
	return Signature{raw: raw}
}

// Context is the cryptographic collaborator used throughout the engine.
//
// Implementations must be safe for concurrent use; a Context is constructed
// once per LocalNode and shared read-only thereafter.
type Context interface {
	// Hash returns the content hash of data.
	Hash(data []byte) Hash

	// GenerateKey produces a fresh signing/verifying key pair for a new
	// session.
	GenerateKey() (SigningKey, VerifyingKey, error)

	// Sign produces a signature over data using key.
	Sign(key SigningKey, data []byte) (Signature, error)

	// Verify reports whether sig is a valid signature over data under key.
	// It returns a non-nil error (wrapping ErrVerification) rather than a
	// bare bool so call sites can propagate a BadSignature classification
	// without re-deriving it.
	Verify(key VerifyingKey, data []byte, sig Signature) error

	// ParseVerifyingKey decodes a hex-encoded verifying key, as produced by
	// VerifyingKey.String, back into a VerifyingKey.
	ParseVerifyingKey(s string) (VerifyingKey, error)
}

// Default returns the stdlib-backed Context used unless a caller supplies
// its own. It hashes with SHA-256 and signs with Ed25519 — see DESIGN.md for
// why no third-party library in the retrieval pack improves on these.
func Default() Context {
	return stdlibContext{}
}

type stdlibContext struct{}

func (stdlibContext) Hash(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

func (stdlibContext) GenerateKey() (SigningKey, VerifyingKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, VerifyingKey{}, fmt.Errorf("cryptoctx: generate key: %w", err)
	}
	return SigningKey{raw: priv}, VerifyingKey{raw: pub}, nil
}

func (stdlibContext) Sign(key SigningKey, data []byte) (Signature, error) {
	if len(key.raw) != ed25519.PrivateKeySize {
		return Signature{}, fmt.Errorf("cryptoctx: invalid signing key size %d", len(key.raw))
	}
	return Signature{raw: ed25519.Sign(key.raw, data)}, nil
}

func (stdlibContext) Verify(key VerifyingKey, data []byte, sig Signature) error {
	if len(key.raw) != ed25519.PublicKeySize {
		return fmt.Errorf("cryptoctx: invalid verifying key size %d", len(key.raw))
	}
	if !ed25519.Verify(key.raw, data, sig.raw) {
		return fmt.Errorf("cryptoctx: %w", ErrVerification)
	}
	return nil
}

func (stdlibContext) ParseVerifyingKey(s string) (VerifyingKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return VerifyingKey{}, fmt.Errorf("cryptoctx: parse verifying key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return VerifyingKey{}, fmt.Errorf("cryptoctx: verifying key has wrong length %d", len(raw))
	}
	return VerifyingKey{raw: ed25519.PublicKey(raw)}, nil
}
