// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package state

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func measurement(value any, source string, ts time.Time) map[string]any {
	return map[string]any{
		"value":     value,
		"timestamp": ts.UnixMilli(),
		"source":    source,
	}
}

func mustApply(t *testing.T, s *Store, patch Patch) Result {
	t.Helper()
	res, err := s.ApplyPatch(patch)
	if err != nil {
		t.Fatalf("ApplyPatch(%v): %v", patch, err)
	}
	return res
}

func TestApplyPatchVersionsAreMonotonic(t *testing.T) {
	s := NewStore()

	var versions []uint64
	for i := 0; i < 5; i++ {
		res := mustApply(t, s, Patch{Add("/vessel/counter", float64(i))})
		versions = append(versions, res.Version)
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] != versions[i-1]+1 {
			t.Fatalf("versions not contiguous: %v", versions)
		}
	}
}

func TestApplyPatchIsAtomic(t *testing.T) {
	s := NewStore()
	mustApply(t, s, Patch{Add("/vessel/name", "Tern")})
	before, beforeVersion := s.Snapshot()

	// Second op targets a missing path; the whole patch must be dropped.
	_, err := s.ApplyPatch(Patch{
		Replace("/vessel/name", "Petrel"),
		Replace("/vessel/missing", true),
	})
	if !errors.Is(err, ErrPatchRejected) {
		t.Fatalf("err = %v, want ErrPatchRejected", err)
	}

	after, afterVersion := s.Snapshot()
	if afterVersion != beforeVersion {
		t.Errorf("version advanced on rejected patch: %d -> %d", beforeVersion, afterVersion)
	}
	if !Equal(before, after) {
		t.Error("document mutated by rejected patch")
	}
}

func TestNoOpOperationsAreDropped(t *testing.T) {
	s := NewStore()
	mustApply(t, s, Patch{Add("/vessel/name", "Tern")})
	_, version := s.Snapshot()

	res := mustApply(t, s, Patch{Replace("/vessel/name", "Tern")})
	if !res.Accepted {
		t.Fatal("no-op patch should be accepted")
	}
	if len(res.Emitted) != 0 {
		t.Errorf("emitted = %v, want empty", res.Emitted)
	}
	if res.Version != version {
		t.Errorf("version advanced on pure no-op: %d -> %d", version, res.Version)
	}

	// Mixed patch: only the effective op is emitted.
	res = mustApply(t, s, Patch{
		Replace("/vessel/name", "Tern"),
		Add("/vessel/draft", 1.8),
	})
	if len(res.Emitted) != 1 || res.Emitted[0].Path != "/vessel/draft" {
		t.Errorf("emitted = %v, want only /vessel/draft", res.Emitted)
	}
}

func TestMeasurementTimestampMonotonicPerSource(t *testing.T) {
	s := NewStore()
	base := time.UnixMilli(1700000000000).UTC()

	mustApply(t, s, Patch{Add("/navigation/speed", measurement(5.0, "gps", base))})

	// Older timestamp from the same source is rejected.
	_, err := s.ApplyPatch(Patch{
		Replace("/navigation/speed", measurement(5.1, "gps", base.Add(-time.Second))),
	})
	if !errors.Is(err, ErrPatchRejected) {
		t.Fatalf("stale same-source write: err = %v, want ErrPatchRejected", err)
	}

	// Equal timestamp is allowed (non-decreasing).
	mustApply(t, s, Patch{Replace("/navigation/speed", measurement(5.2, "gps", base))})

	// An older timestamp from a different source is independent.
	mustApply(t, s, Patch{Replace("/navigation/speed", measurement(4.9, "ais", base.Add(-time.Minute)))})

	// Stale history survives a rejected patch: the gps watermark still holds.
	_, err = s.ApplyPatch(Patch{
		Replace("/navigation/speed", measurement(6.0, "gps", base.Add(-time.Second))),
	})
	if !errors.Is(err, ErrStaleTimestamp) && !errors.Is(err, ErrPatchRejected) {
		t.Fatalf("err = %v, want rejection", err)
	}
}

func TestAlertPartitionsDisjoint(t *testing.T) {
	s := NewStore()
	mustApply(t, s, Patch{
		Add("/alerts/active/anchor-drag", map[string]any{"severity": "warning"}),
	})

	_, err := s.ApplyPatch(Patch{
		Add("/alerts/resolved/anchor-drag", map[string]any{"severity": "warning"}),
	})
	if !errors.Is(err, ErrPatchRejected) {
		t.Fatalf("duplicate alert id accepted: err = %v", err)
	}

	// Moving the alert in one atomic patch is fine.
	mustApply(t, s, Patch{
		Remove("/alerts/active/anchor-drag"),
		Add("/alerts/resolved/anchor-drag", map[string]any{"severity": "warning"}),
	})
}

func TestBluetoothSelectionRequiresDevice(t *testing.T) {
	s := NewStore()

	_, err := s.ApplyPatch(Patch{Add("/bluetooth/devices/AA:BB/selected", true)})
	if !errors.Is(err, ErrPatchRejected) {
		t.Fatalf("selection of unknown device accepted: err = %v", err)
	}

	mustApply(t, s, Patch{Add("/bluetooth/devices/AA:BB", map[string]any{"name": "Cabin Sensor"})})
	mustApply(t, s, Patch{Add("/bluetooth/devices/AA:BB/selected", true)})

	// Deselection never needs an existence check.
	mustApply(t, s, Patch{Replace("/bluetooth/devices/AA:BB/selected", false)})
}

func TestRetractedAnchorCarriesNoLocation(t *testing.T) {
	s := NewStore()
	mustApply(t, s, Patch{
		Add("/anchor/deployed", true),
		Add("/anchor/location", map[string]any{"latitude": 40.7, "longitude": -74.0}),
	})

	// Retracting without clearing the location violates the invariant.
	_, err := s.ApplyPatch(Patch{Replace("/anchor/deployed", false)})
	if !errors.Is(err, ErrPatchRejected) {
		t.Fatalf("retract with location accepted: err = %v", err)
	}

	// Retract and clear atomically.
	mustApply(t, s, Patch{
		Replace("/anchor/deployed", false),
		Replace("/anchor/location", nil),
	})
}

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	s := NewStore()
	mustApply(t, s, Patch{Add("/vessel/name", "Tern")})

	var got []Update
	unsubscribe := s.Subscribe(func(u Update) { got = append(got, u) })
	defer unsubscribe()

	mustApply(t, s, Patch{Add("/vessel/draft", 1.8)})

	if len(got) != 2 {
		t.Fatalf("updates = %d, want 2", len(got))
	}
	if got[0].Type != UpdateFull {
		t.Errorf("first update type = %q, want %q", got[0].Type, UpdateFull)
	}
	if got[0].Document == nil {
		t.Error("full update missing document")
	}
	if got[1].Type != UpdatePatch {
		t.Errorf("second update type = %q, want %q", got[1].Type, UpdatePatch)
	}
	if got[1].Version <= got[0].Version {
		t.Errorf("patch version %d not after snapshot version %d", got[1].Version, got[0].Version)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewStore()
	count := 0
	unsubscribe := s.Subscribe(func(Update) { count++ })
	unsubscribe()

	mustApply(t, s, Patch{Add("/vessel/name", "Tern")})
	if count != 1 {
		t.Errorf("updates after unsubscribe = %d, want 1 (the snapshot)", count)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	s := NewStore()
	mustApply(t, s, Patch{Add("/vessel/name", "Tern")})

	snap, _ := s.Snapshot()
	mustApply(t, s, Patch{Replace("/vessel/name", "Petrel")})

	name, _ := snap.Get("/vessel/name")
	if got, _ := name.String(); got != "Tern" {
		t.Errorf("snapshot changed underfoot: %q", got)
	}
}

func TestAddAutoCreatesIntermediateObjects(t *testing.T) {
	s := NewStore()
	mustApply(t, s, Patch{Add("/environment/inside/cabin/temperature", 19.5)})

	doc, _ := s.Snapshot()
	if _, ok := doc.Get("/environment/inside/cabin/temperature"); !ok {
		t.Error("intermediate objects not created by add")
	}
}

func TestReplaceAndRemoveRequireExistingPath(t *testing.T) {
	s := NewStore()

	tests := []struct {
		name string
		op   Op
	}{
		{"replace missing", Replace("/vessel/name", "Tern")},
		{"remove missing", Remove("/vessel/name")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.ApplyPatch(Patch{tt.op}); !errors.Is(err, ErrPatchRejected) {
				t.Errorf("err = %v, want ErrPatchRejected", err)
			}
		})
	}
}

func TestListenersObserveContiguousVersions(t *testing.T) {
	s := NewStore()
	var seen []uint64
	defer s.Subscribe(func(u Update) { seen = append(seen, u.Version) })()

	for i := 0; i < 10; i++ {
		mustApply(t, s, Patch{Replace("/vessel/counter", float64(i))})
	}

	if len(seen) < 2 {
		t.Fatal("expected snapshot plus patches")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] != seen[i-1]+1 {
			t.Fatalf("version gap in listener stream: %v", seen)
		}
	}
}

func TestListenersObserveContiguousVersionsFirstWrite(t *testing.T) {
	s := NewStore()
	// The counter path does not exist yet; the first write must be an add.
	if _, err := s.ApplyPatch(Patch{Add("/vessel/counter", float64(0))}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var bad error
	last := s.Version()
	defer s.Subscribe(func(u Update) {
		if u.Type == UpdatePatch && u.Version != last+1 {
			bad = fmt.Errorf("version %d after %d", u.Version, last)
		}
		last = u.Version
	})()
	for i := 1; i < 5; i++ {
		mustApply(t, s, Patch{Replace("/vessel/counter", float64(i))})
	}
	if bad != nil {
		t.Error(bad)
	}
}
