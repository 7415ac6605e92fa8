// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package recording persists accepted patches to an embedded Badger store
// and reads them back for playback. Keys are the store version, big-endian,
// so iteration order is acceptance order.
package recording

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/state"
)

type record struct {
	Ops        []bus.PlaybackOp `json:"ops"`
	RecordedAt time.Time        `json:"recordedAt"`
}

// Recorder writes every accepted patch to disk, keeping at most Retention
// entries.
type Recorder struct {
	db        *badger.DB
	store     *state.Store
	retention uint64

	mu      sync.Mutex
	minKept uint64
}

// Options tunes the recorder.
type Options struct {
	Dir string

	// Retention caps the number of stored patches; zero means 100000.
	Retention uint64
}

// Open opens (or creates) the recording store.
func Open(opts Options) (*Recorder, error) {
	if opts.Retention == 0 {
		opts.Retention = 100000
	}
	db, err := badger.Open(badger.DefaultOptions(opts.Dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open recording store: %w", err)
	}
	return &Recorder{db: db, retention: opts.Retention}, nil
}

// Attach subscribes the recorder to a store. Must be called before the
// supervisor starts fan-out if a complete recording is wanted.
func (r *Recorder) Attach(store *state.Store) func() {
	r.store = store
	return store.Subscribe(r.onUpdate)
}

// Serve implements suture.Service: the recorder is passive but runs value
// log GC on a slow tick.
func (r *Recorder) Serve(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// ErrNoRewrite just means nothing to collect.
			if err := r.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				logging.Warn().Err(err).Msg("recording gc failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (r *Recorder) String() string { return "patch-recorder" }

// Close flushes and closes the store.
func (r *Recorder) Close() error { return r.db.Close() }

func (r *Recorder) onUpdate(update state.Update) {
	if update.Type != state.UpdatePatch || len(update.Ops) == 0 {
		return
	}

	ops := make([]bus.PlaybackOp, len(update.Ops))
	for i, op := range update.Ops {
		ops[i] = bus.PlaybackOp{Op: op.Op, Path: op.Path, Value: op.Value}
	}
	data, err := json.Marshal(record{Ops: ops, RecordedAt: update.Timestamp})
	if err != nil {
		logging.Warn().Err(err).Msg("recording encode failed")
		return
	}

	key := versionKey(update.Version)
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return r.trimLocked(txn, update.Version)
	})
	if err != nil {
		logging.Warn().Err(err).Uint64("version", update.Version).Msg("recording write failed")
	}
}

// trimLocked drops entries older than the retention window.
func (r *Recorder) trimLocked(txn *badger.Txn, latest uint64) error {
	if latest <= r.retention {
		return nil
	}
	cutoff := latest - r.retention

	r.mu.Lock()
	from := r.minKept
	r.minKept = cutoff
	r.mu.Unlock()

	for v := from; v < cutoff; v++ {
		if err := txn.Delete(versionKey(v)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}
	return nil
}

func versionKey(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}

// Source reads a recording back in version order. Implements the playback
// producer's PatchSource.
type Source struct {
	db *badger.DB

	mu      sync.Mutex
	nextKey []byte
}

// NewSource opens a recording directory read-only for playback.
func NewSource(dir string) (*Source, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithReadOnly(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open recording for playback: %w", err)
	}
	return &Source{db: db}, nil
}

// Next returns the next recorded patch, or io.EOF at the end.
func (s *Source) Next(ctx context.Context) (*bus.PlaybackPatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	seek := s.nextKey
	s.mu.Unlock()

	var patch *bus.PlaybackPatch
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		if seek == nil {
			it.Rewind()
		} else {
			it.Seek(seek)
		}
		if !it.Valid() {
			return io.EOF
		}

		item := it.Item()
		var rec record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("decode recording entry: %w", err)
		}
		patch = &bus.PlaybackPatch{Ops: rec.Ops, RecordedAt: rec.RecordedAt}

		version := binary.BigEndian.Uint64(item.Key())
		s.mu.Lock()
		s.nextKey = versionKey(version + 1)
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return patch, nil
}

// Reset rewinds to the start of the recording.
func (s *Source) Reset() error {
	s.mu.Lock()
	s.nextKey = nil
	s.mu.Unlock()
	return nil
}

// Close closes the underlying store.
func (s *Source) Close() error { return s.db.Close() }
