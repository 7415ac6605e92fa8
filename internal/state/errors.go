// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package state

import "errors"

// Sentinel errors of the mutation protocol.
var (
	// ErrPatchRejected wraps any invariant violation that caused a whole
	// patch to be dropped.
	ErrPatchRejected = errors.New("patch rejected")

	// ErrPathNotFound is returned when replace or remove references a
	// missing path. add auto-creates intermediate objects instead.
	ErrPathNotFound = errors.New("path not found")

	// ErrInvalidPath marks a malformed JSON-pointer path.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidIndex marks a malformed or out-of-range array index.
	// Negative indices are always invalid.
	ErrInvalidIndex = errors.New("invalid array index")

	// ErrInvalidOp marks an unknown operation tag.
	ErrInvalidOp = errors.New("invalid patch op")

	// ErrStaleTimestamp marks a measurement write whose timestamp is older
	// than the last accepted write for the same (path, source).
	ErrStaleTimestamp = errors.New("stale measurement timestamp")

	// ErrAlertConflict marks an alert id present in both the active and
	// resolved partitions.
	ErrAlertConflict = errors.New("alert id in both active and resolved")

	// ErrUnknownDevice marks a selection of a Bluetooth device that does
	// not exist in the device map.
	ErrUnknownDevice = errors.New("selected bluetooth device does not exist")

	// ErrAnchorLocation marks a retracted anchor that still carries a
	// deployment location.
	ErrAnchorLocation = errors.New("anchor location set while not deployed")
)
