// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package state implements the canonical vessel state document and its sole
// mutation protocol: RFC 6902 style patches applied through the Store.
//
// The document is a tree of tagged sum nodes (object, array, scalar,
// measurement) so path resolution and patch operations share one pattern
// match. Measurement records {value, units, timestamp, source} are a
// distinct node kind with their own invariants.
package state

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Kind tags the node variants of the state document tree.
type Kind uint8

// Node kinds.
const (
	KindObject Kind = iota
	KindArray
	KindScalar
	KindMeasurement
)

// Measurement is a timestamped sensor reading attributed to a source.
type Measurement struct {
	Value     any       `json:"value"`
	Units     string    `json:"units,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// Node is one vertex of the state document tree. Exactly one of the variant
// fields is populated, selected by kind.
type Node struct {
	kind Kind
	obj  map[string]*Node
	arr  []*Node
	val  any
	meas Measurement
}

// NewObject returns an empty object node.
func NewObject() *Node {
	return &Node{kind: KindObject, obj: map[string]*Node{}}
}

// NewArray returns an empty array node.
func NewArray() *Node {
	return &Node{kind: KindArray}
}

// Scalar wraps a JSON scalar (nil, bool, float64, string) as a node.
func Scalar(v any) *Node {
	return &Node{kind: KindScalar, val: v}
}

// NewMeasurement wraps a measurement record as a node.
func NewMeasurement(m Measurement) *Node {
	return &Node{kind: KindMeasurement, meas: m}
}

// Kind returns the variant tag of the node.
func (n *Node) Kind() Kind { return n.kind }

// Measurement returns the measurement record of a measurement node.
func (n *Node) Measurement() (Measurement, bool) {
	if n == nil || n.kind != KindMeasurement {
		return Measurement{}, false
	}
	return n.meas, true
}

// Scalar returns the value of a scalar node.
func (n *Node) Scalar() (any, bool) {
	if n == nil || n.kind != KindScalar {
		return nil, false
	}
	return n.val, true
}

// Bool returns the node's value as a bool.
func (n *Node) Bool() (bool, bool) {
	v, ok := n.Scalar()
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Float returns the node's numeric value. Measurement nodes yield their
// inner value when it is numeric.
func (n *Node) Float() (float64, bool) {
	if n == nil {
		return 0, false
	}
	var v any
	switch n.kind {
	case KindScalar:
		v = n.val
	case KindMeasurement:
		v = n.meas.Value
	default:
		return 0, false
	}
	switch num := v.(type) {
	case float64:
		return num, true
	case int:
		return float64(num), true
	case int64:
		return float64(num), true
	case json.Number:
		f, err := num.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// String returns the node's value as a string.
func (n *Node) String() (string, bool) {
	v, ok := n.Scalar()
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Field returns the named child of an object node.
func (n *Node) Field(name string) (*Node, bool) {
	if n == nil || n.kind != KindObject {
		return nil, false
	}
	child, ok := n.obj[name]
	return child, ok
}

// Fields returns the key set of an object node. The map must not be
// mutated by the caller.
func (n *Node) Fields() map[string]*Node {
	if n == nil || n.kind != KindObject {
		return nil
	}
	return n.obj
}

// Len returns the element count of an array node.
func (n *Node) Len() int {
	if n == nil || n.kind != KindArray {
		return 0
	}
	return len(n.arr)
}

// Index returns the i-th element of an array node.
func (n *Node) Index(i int) (*Node, bool) {
	if n == nil || n.kind != KindArray || i < 0 || i >= len(n.arr) {
		return nil, false
	}
	return n.arr[i], true
}

// Get resolves a JSON-pointer path ("/navigation/position") against the
// subtree rooted at n.
func (n *Node) Get(path string) (*Node, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	cur := n
	for _, seg := range segs {
		switch cur.Kind() {
		case KindObject:
			child, ok := cur.Field(seg)
			if !ok {
				return nil, false
			}
			cur = child
		case KindArray:
			idx, err := arrayIndex(seg, cur.Len())
			if err != nil || idx == cur.Len() {
				return nil, false
			}
			cur = cur.arr[idx]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// Clone returns a deep copy of the subtree rooted at n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	switch n.kind {
	case KindObject:
		obj := make(map[string]*Node, len(n.obj))
		for k, v := range n.obj {
			obj[k] = v.Clone()
		}
		return &Node{kind: KindObject, obj: obj}
	case KindArray:
		arr := make([]*Node, len(n.arr))
		for i, v := range n.arr {
			arr[i] = v.Clone()
		}
		return &Node{kind: KindArray, arr: arr}
	case KindMeasurement:
		return &Node{kind: KindMeasurement, meas: n.meas}
	default:
		return &Node{kind: KindScalar, val: n.val}
	}
}

// Equal reports deep equality of two subtrees. Used to drop no-op patch
// operations before emission.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindMeasurement:
		return a.meas.Units == b.meas.Units &&
			a.meas.Source == b.meas.Source &&
			a.meas.Timestamp.Equal(b.meas.Timestamp) &&
			scalarEqual(a.meas.Value, b.meas.Value)
	default:
		return scalarEqual(a.val, b.val)
	}
}

func scalarEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	// Measurement values may be composite (position {latitude, longitude}),
	// which == cannot compare.
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch num := v.(type) {
	case float64:
		return num, true
	case int:
		return float64(num), true
	case int64:
		return float64(num), true
	case json.Number:
		f, err := num.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// measurementKeys is the closed key set that identifies a measurement
// record in decoded JSON.
var measurementKeys = map[string]bool{
	"value": true, "units": true, "timestamp": true, "source": true,
}

// FromValue converts decoded JSON (map[string]any, []any, scalars) into a
// node tree. Objects matching the measurement shape {value, timestamp,
// units?, source?} become measurement nodes.
func FromValue(v any) *Node {
	switch tv := v.(type) {
	case map[string]any:
		if m, ok := measurementFromMap(tv); ok {
			return NewMeasurement(m)
		}
		obj := make(map[string]*Node, len(tv))
		for k, cv := range tv {
			obj[k] = FromValue(cv)
		}
		return &Node{kind: KindObject, obj: obj}
	case []any:
		arr := make([]*Node, len(tv))
		for i, cv := range tv {
			arr[i] = FromValue(cv)
		}
		return &Node{kind: KindArray, arr: arr}
	case *Node:
		return tv.Clone()
	case Measurement:
		return NewMeasurement(tv)
	default:
		return Scalar(v)
	}
}

func measurementFromMap(m map[string]any) (Measurement, bool) {
	if _, ok := m["value"]; !ok {
		return Measurement{}, false
	}
	if _, ok := m["timestamp"]; !ok {
		return Measurement{}, false
	}
	for k := range m {
		if !measurementKeys[k] {
			return Measurement{}, false
		}
	}
	ts, ok := parseTimestamp(m["timestamp"])
	if !ok {
		return Measurement{}, false
	}
	meas := Measurement{Value: m["value"], Timestamp: ts}
	if u, ok := m["units"].(string); ok {
		meas.Units = u
	}
	if s, ok := m["source"].(string); ok {
		meas.Source = s
	}
	return meas, true
}

// parseTimestamp accepts epoch milliseconds or an RFC 3339 string.
func parseTimestamp(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case float64:
		return time.UnixMilli(int64(tv)).UTC(), true
	case int64:
		return time.UnixMilli(tv).UTC(), true
	case json.Number:
		ms, err := tv.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, tv)
		if err != nil {
			return time.Time{}, false
		}
		return ts.UTC(), true
	case time.Time:
		return tv.UTC(), true
	default:
		return time.Time{}, false
	}
}

// ToValue converts the subtree back into plain JSON-encodable values.
// Measurement timestamps are rendered as epoch milliseconds.
func (n *Node) ToValue() any {
	if n == nil {
		return nil
	}
	switch n.kind {
	case KindObject:
		out := make(map[string]any, len(n.obj))
		for k, v := range n.obj {
			out[k] = v.ToValue()
		}
		return out
	case KindArray:
		out := make([]any, len(n.arr))
		for i, v := range n.arr {
			out[i] = v.ToValue()
		}
		return out
	case KindMeasurement:
		out := map[string]any{
			"value":     n.meas.Value,
			"timestamp": n.meas.Timestamp.UnixMilli(),
		}
		if n.meas.Units != "" {
			out["units"] = n.meas.Units
		}
		if n.meas.Source != "" {
			out["source"] = n.meas.Source
		}
		return out
	default:
		return n.val
	}
}

// MarshalJSON encodes the subtree as plain JSON.
func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.ToValue())
}

// UnmarshalJSON decodes plain JSON into a node tree via FromValue.
func (n *Node) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = *FromValue(v)
	return nil
}

// splitPath splits a JSON-pointer path into unescaped segments.
func splitPath(path string) ([]string, error) {
	if path == "" || path == "/" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	raw := strings.Split(path[1:], "/")
	segs := make([]string, len(raw))
	for i, s := range raw {
		s = strings.ReplaceAll(s, "~1", "/")
		s = strings.ReplaceAll(s, "~0", "~")
		segs[i] = s
	}
	return segs, nil
}

// arrayIndex parses an array segment. "-" resolves to length (append
// position). Negative indices are invalid.
func arrayIndex(seg string, length int) (int, error) {
	if seg == "-" {
		return length, nil
	}
	if seg == "" {
		return 0, fmt.Errorf("%w: empty segment", ErrInvalidIndex)
	}
	idx := 0
	for _, r := range seg {
		// Digits only; this also rejects negative indices.
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidIndex, seg)
		}
		idx = idx*10 + int(r-'0')
		if idx > length {
			return 0, fmt.Errorf("%w: %q out of range", ErrInvalidIndex, seg)
		}
	}
	return idx, nil
}
