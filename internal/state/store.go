// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package state

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/metrics"
)

// Update kinds emitted to store listeners.
const (
	UpdatePatch = "state:patch"
	UpdateFull  = "state:full-update"
)

// Update is delivered to every listener: either an accepted patch or, once
// per new listener, a synthetic full snapshot.
type Update struct {
	Type      string
	Ops       Patch
	Document  *Node
	Version   uint64
	Timestamp time.Time
}

// Listener receives store updates. Listeners are invoked synchronously in
// version order and must not block or call back into the store.
type Listener func(Update)

// Result reports the outcome of ApplyPatch. Emitted carries the accepted
// ops with no-ops dropped; Version is the document version after apply.
type Result struct {
	Accepted bool
	Emitted  Patch
	Version  uint64
}

// Store holds the canonical state document. All mutations serialize through
// ApplyPatch (single logical writer); Snapshot returns deep immutable
// copies, so readers never observe a half-applied patch.
type Store struct {
	mu        sync.RWMutex
	doc       *Node
	version   uint64
	lastTS    map[string]time.Time // path + "|" + source
	listeners map[int]Listener
	nextID    int
}

// NewStore creates a store with an empty document.
func NewStore() *Store {
	return &Store{
		doc:       NewObject(),
		lastTS:    map[string]time.Time{},
		listeners: map[int]Listener{},
	}
}

// ApplyPatch validates and applies the patch atomically. The whole patch is
// rejected on any invariant violation. Accepted patches are emitted to all
// listeners stamped with a monotonically increasing version; no-op
// operations are dropped from the emission.
func (s *Store) ApplyPatch(patch Patch) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.doc.Clone()
	emitted := make(Patch, 0, len(patch))
	stamps := map[string]time.Time{}

	for _, op := range patch {
		if op.Op != OpRemove {
			value := FromValue(op.Value)
			if existing, ok := working.Get(op.Path); ok && Equal(existing, value) {
				continue // no-op
			}
			if err := s.checkMeasurements(op.Path, value, stamps); err != nil {
				metrics.PatchesRejected.Inc()
				return Result{Version: s.version}, fmt.Errorf("%w: %v", ErrPatchRejected, err)
			}
			if err := s.checkSelection(op, value); err != nil {
				metrics.PatchesRejected.Inc()
				return Result{Version: s.version}, fmt.Errorf("%w: %v", ErrPatchRejected, err)
			}
		}
		if err := apply(working, op); err != nil {
			metrics.PatchesRejected.Inc()
			return Result{Version: s.version}, fmt.Errorf("%w: %v", ErrPatchRejected, err)
		}
		emitted = append(emitted, op)
	}

	if len(emitted) == 0 {
		return Result{Accepted: true, Version: s.version}, nil
	}

	if err := checkStructural(working); err != nil {
		metrics.PatchesRejected.Inc()
		return Result{Version: s.version}, fmt.Errorf("%w: %v", ErrPatchRejected, err)
	}

	s.doc = working
	s.version++
	for k, ts := range stamps {
		s.lastTS[k] = ts
	}

	update := Update{
		Type:      UpdatePatch,
		Ops:       emitted,
		Version:   s.version,
		Timestamp: time.Now().UTC(),
	}
	for _, l := range s.listeners {
		l(update)
	}

	metrics.PatchesApplied.Inc()
	metrics.StoreVersion.Set(float64(s.version))
	logging.Debug().
		Uint64("version", s.version).
		Int("ops", len(emitted)).
		Str("first_path", emitted[0].Path).
		Msg("patch applied")

	return Result{Accepted: true, Emitted: emitted, Version: s.version}, nil
}

// Snapshot returns a deep immutable view consistent with the latest applied
// version.
func (s *Store) Snapshot() (*Node, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone(), s.version
}

// View runs fn with a snapshot of the document while holding the store
// lock: no patch can be applied or emitted until fn returns. Used to hand
// a new consumer its snapshot atomically with its registration. fn must
// not call back into the store.
func (s *Store) View(fn func(doc *Node, version uint64)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.doc.Clone(), s.version)
}

// Subscribe registers a listener and synchronously delivers a synthetic
// full update carrying the snapshot at subscription time. The full update
// precedes any patch with a strictly greater version.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	listener(Update{
		Type:      UpdateFull,
		Document:  s.doc.Clone(),
		Version:   s.version,
		Timestamp: time.Now().UTC(),
	})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Version returns the current document version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// checkMeasurements enforces invariant (i): measurement timestamps are
// monotonically non-decreasing per (path, source). It walks the incoming
// subtree so nested measurements are checked at their absolute paths.
func (s *Store) checkMeasurements(base string, node *Node, stamps map[string]time.Time) error {
	if node == nil {
		return nil
	}
	switch node.Kind() {
	case KindMeasurement:
		m, _ := node.Measurement()
		key := base + "|" + m.Source
		last, seen := s.lastTS[key]
		if pending, ok := stamps[key]; ok && pending.After(last) {
			last, seen = pending, true
		}
		if seen && m.Timestamp.Before(last) {
			return fmt.Errorf("%w: %s from %q (%s < %s)",
				ErrStaleTimestamp, base, m.Source,
				m.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
		}
		stamps[key] = m.Timestamp
		return nil
	case KindObject:
		for k, child := range node.Fields() {
			if err := s.checkMeasurements(base+"/"+k, child, stamps); err != nil {
				return err
			}
		}
		return nil
	case KindArray:
		for i := 0; i < node.Len(); i++ {
			child, _ := node.Index(i)
			if err := s.checkMeasurements(fmt.Sprintf("%s/%d", base, i), child, stamps); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// checkSelection enforces invariant (iii): selecting a Bluetooth device
// requires the device record to already exist. Without this, an add with
// auto-created parents could conjure an empty device out of a selection.
func (s *Store) checkSelection(op Op, value *Node) error {
	const prefix = "/bluetooth/devices/"
	if !strings.HasPrefix(op.Path, prefix) || !strings.HasSuffix(op.Path, "/selected") {
		return nil
	}
	selected, ok := value.Bool()
	if !ok || !selected {
		return nil
	}
	devicePath := strings.TrimSuffix(op.Path, "/selected")
	if _, exists := s.doc.Get(devicePath); !exists {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, devicePath)
	}
	return nil
}

// checkStructural enforces the whole-document invariants (ii) and (iv)
// after a patch has been applied to the working copy.
func checkStructural(doc *Node) error {
	// (ii) alerts.active and alerts.resolved are disjoint by id.
	active, _ := doc.Get("/alerts/active")
	resolved, _ := doc.Get("/alerts/resolved")
	if active != nil && resolved != nil {
		for id := range active.Fields() {
			if _, dup := resolved.Field(id); dup {
				return fmt.Errorf("%w: %q", ErrAlertConflict, id)
			}
		}
	}

	// (iv) a retracted anchor carries no location.
	if deployed, ok := doc.Get("/anchor/deployed"); ok {
		if b, ok := deployed.Bool(); ok && !b {
			if loc, ok := doc.Get("/anchor/location"); ok {
				if v, isScalar := loc.Scalar(); !isScalar || v != nil {
					return ErrAnchorLocation
				}
			}
		}
	}
	return nil
}
