// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package state

import (
	"errors"
	"testing"
)

func TestMergeOps(t *testing.T) {
	tests := []struct {
		name      string
		pending   []Op
		incoming  []Op
		wantPaths []string
		wantLast  map[string]any // path -> surviving value
	}{
		{
			name:      "later op wins per path",
			pending:   []Op{Replace("/navigation/speed", 5.0)},
			incoming:  []Op{Replace("/navigation/speed", 5.5)},
			wantPaths: []string{"/navigation/speed"},
			wantLast:  map[string]any{"/navigation/speed": 5.5},
		},
		{
			name:      "distinct paths accumulate in order",
			pending:   []Op{Replace("/a", 1.0)},
			incoming:  []Op{Replace("/b", 2.0)},
			wantPaths: []string{"/a", "/b"},
		},
		{
			name:      "remove supersedes pending write",
			pending:   []Op{Replace("/a", 1.0), Replace("/b", 2.0)},
			incoming:  []Op{Remove("/a")},
			wantPaths: []string{"/b", "/a"},
			wantLast:  map[string]any{"/a": nil},
		},
		{
			name:      "empty pending",
			pending:   nil,
			incoming:  []Op{Add("/a", 1.0)},
			wantPaths: []string{"/a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := MergeOps(tt.pending, tt.incoming)
			if got := Paths(merged); !equalStrings(got, tt.wantPaths) {
				t.Fatalf("paths = %v, want %v", got, tt.wantPaths)
			}
			for path, want := range tt.wantLast {
				for _, op := range merged {
					if op.Path == path && op.Value != want {
						t.Errorf("surviving value for %s = %v, want %v", path, op.Value, want)
					}
				}
			}
		})
	}
}

func TestApplyArraySemantics(t *testing.T) {
	doc := NewObject()
	doc.obj["route"] = NewArray()

	// "-" appends.
	for _, name := range []string{"a", "b", "c"} {
		if err := apply(doc, Add("/route/-", name)); err != nil {
			t.Fatalf("append %q: %v", name, err)
		}
	}
	// Insert shifts elements right.
	if err := apply(doc, Add("/route/1", "x")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	route, _ := doc.Get("/route")
	want := []string{"a", "x", "b", "c"}
	if route.Len() != len(want) {
		t.Fatalf("len = %d, want %d", route.Len(), len(want))
	}
	for i, w := range want {
		el, _ := route.Index(i)
		if s, _ := el.String(); s != w {
			t.Errorf("route[%d] = %q, want %q", i, s, w)
		}
	}

	// Remove compacts.
	if err := apply(doc, Remove("/route/1")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	route, _ = doc.Get("/route")
	if route.Len() != 3 {
		t.Errorf("len after remove = %d, want 3", route.Len())
	}

	// Replace never extends.
	if err := apply(doc, Replace("/route/3", "z")); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("replace past end: err = %v, want ErrPathNotFound", err)
	}
	if err := apply(doc, Add("/route/9", "z")); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("add far past end: err = %v, want ErrInvalidIndex", err)
	}
}

func TestApplyRejectsMalformedOps(t *testing.T) {
	tests := []struct {
		name string
		op   Op
		want error
	}{
		{"unknown op tag", Op{Op: "move", Path: "/a"}, ErrInvalidOp},
		{"relative path", Add("a/b", 1.0), ErrInvalidPath},
		{"whole document", Add("", 1.0), ErrInvalidPath},
		{"negative index", Add("/route/-1", 1.0), ErrInvalidIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewObject()
			doc.obj["route"] = NewArray()
			if err := apply(doc, tt.op); !errors.Is(err, tt.want) {
				t.Errorf("apply(%v) = %v, want %v", tt.op, err, tt.want)
			}
		})
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
