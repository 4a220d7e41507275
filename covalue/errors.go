// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package covalue

import (
	"errors"

	"github.com/frolic/jazz/verified"
)

// ErrHeaderMismatch is shared with the verified package: a header's
// content hash doesn't match the id it was provided for, whatever state the
// core is in. A second, different header that does hash to an
// already-available core's id is ErrRegistryCollision instead.
var ErrHeaderMismatch = verified.ErrHeaderMismatch

// ErrRegistryCollision is returned by ProvideHeader when a core is already
// Available under one header and a second, different header that also
// hashes to the same CoValueID is supplied — a fatal programmer error (or a
// hash collision) that aborts the call rather than silently picking one.
// With a cryptographic hash this is not expected to occur in practice, but
// the classification stays distinct from the ordinary per-call
// ErrHeaderMismatch (a header that doesn't hash to the id it was offered
// under in the first place).
var ErrRegistryCollision = errors.New("covalue: registry collision")
