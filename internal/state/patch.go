// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package state

import (
	"fmt"
)

// Patch operation tags, RFC 6902 semantics.
const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
)

// Op is a single path-scoped mutation. Value is the decoded JSON value for
// add and replace; nil for remove.
type Op struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Patch is an ordered sequence of operations applied atomically.
type Patch []Op

// Add builds an add operation.
func Add(path string, value any) Op {
	return Op{Op: OpAdd, Path: path, Value: value}
}

// Replace builds a replace operation.
func Replace(path string, value any) Op {
	return Op{Op: OpReplace, Path: path, Value: value}
}

// Remove builds a remove operation.
func Remove(path string) Op {
	return Op{Op: OpRemove, Path: path}
}

// apply mutates doc in place according to op. The caller works on a private
// clone; atomicity is the Store's concern.
func apply(doc *Node, op Op) error {
	segs, err := splitPath(op.Path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("%w: whole-document ops are not supported", ErrInvalidPath)
	}

	switch op.Op {
	case OpAdd:
		parent, err := ensureParents(doc, segs)
		if err != nil {
			return err
		}
		return setChild(parent, segs[len(segs)-1], FromValue(op.Value), true)
	case OpReplace:
		parent, err := resolveParent(doc, segs)
		if err != nil {
			return err
		}
		return setChild(parent, segs[len(segs)-1], FromValue(op.Value), false)
	case OpRemove:
		parent, err := resolveParent(doc, segs)
		if err != nil {
			return err
		}
		return removeChild(parent, segs[len(segs)-1])
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOp, op.Op)
	}
}

// resolveParent walks to the parent of the addressed node, failing with
// ErrPathNotFound on any missing segment.
func resolveParent(doc *Node, segs []string) (*Node, error) {
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		switch cur.Kind() {
		case KindObject:
			child, ok := cur.Field(seg)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrPathNotFound, seg)
			}
			cur = child
		case KindArray:
			idx, err := arrayIndex(seg, cur.Len())
			if err != nil {
				return nil, err
			}
			if idx == cur.Len() {
				return nil, fmt.Errorf("%w: index %d", ErrPathNotFound, idx)
			}
			cur = cur.arr[idx]
		default:
			return nil, fmt.Errorf("%w: %q is not a container", ErrPathNotFound, seg)
		}
	}
	return cur, nil
}

// ensureParents walks to the parent of the addressed node, auto-creating
// missing intermediate objects (add semantics). Arrays are never created
// implicitly.
func ensureParents(doc *Node, segs []string) (*Node, error) {
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		switch cur.Kind() {
		case KindObject:
			child, ok := cur.Field(seg)
			if !ok {
				child = NewObject()
				cur.obj[seg] = child
			}
			cur = child
		case KindArray:
			idx, err := arrayIndex(seg, cur.Len())
			if err != nil {
				return nil, err
			}
			if idx == cur.Len() {
				return nil, fmt.Errorf("%w: index %d", ErrPathNotFound, idx)
			}
			cur = cur.arr[idx]
		default:
			return nil, fmt.Errorf("%w: %q is not a container", ErrPathNotFound, seg)
		}
	}
	return cur, nil
}

// setChild writes the final segment. insert selects add semantics: array
// elements are inserted, "-" appends, and object keys may be created.
func setChild(parent *Node, seg string, value *Node, insert bool) error {
	switch parent.Kind() {
	case KindObject:
		if !insert {
			if _, ok := parent.Field(seg); !ok {
				return fmt.Errorf("%w: %q", ErrPathNotFound, seg)
			}
		}
		parent.obj[seg] = value
		return nil
	case KindArray:
		idx, err := arrayIndex(seg, parent.Len())
		if err != nil {
			return err
		}
		if insert {
			parent.arr = append(parent.arr, nil)
			copy(parent.arr[idx+1:], parent.arr[idx:])
			parent.arr[idx] = value
			return nil
		}
		if idx == parent.Len() {
			return fmt.Errorf("%w: index %d", ErrPathNotFound, idx)
		}
		parent.arr[idx] = value
		return nil
	default:
		return fmt.Errorf("%w: parent is not a container", ErrPathNotFound)
	}
}

func removeChild(parent *Node, seg string) error {
	switch parent.Kind() {
	case KindObject:
		if _, ok := parent.Field(seg); !ok {
			return fmt.Errorf("%w: %q", ErrPathNotFound, seg)
		}
		delete(parent.obj, seg)
		return nil
	case KindArray:
		idx, err := arrayIndex(seg, parent.Len())
		if err != nil {
			return err
		}
		if idx == parent.Len() {
			return fmt.Errorf("%w: index %d", ErrPathNotFound, idx)
		}
		parent.arr = append(parent.arr[:idx], parent.arr[idx+1:]...)
		return nil
	default:
		return fmt.Errorf("%w: parent is not a container", ErrPathNotFound)
	}
}

// MergeOps coalesces patch operations by path: a later op on a path
// overrides the earlier one, and remove cancels a prior add/replace.
// Relative order of surviving ops is preserved.
func MergeOps(pending, incoming []Op) []Op {
	merged := make([]Op, 0, len(pending)+len(incoming))
	merged = append(merged, pending...)
	for _, op := range incoming {
		kept := merged[:0]
		for _, prev := range merged {
			if prev.Path != op.Path {
				kept = append(kept, prev)
			}
		}
		merged = append(kept, op)
	}
	return merged
}

// Paths returns the set of paths a patch touches.
func Paths(ops []Op) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Path
	}
	return out
}
