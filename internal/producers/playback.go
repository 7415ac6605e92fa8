// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package producers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/logging"
)

// PatchSource yields recorded patches in recording order. Next returns
// io.EOF at the end of the recording.
type PatchSource interface {
	Next(ctx context.Context) (*bus.PlaybackPatch, error)
	Reset() error
	Close() error
}

// PlaybackConfig tunes the playback producer.
type PlaybackConfig struct {
	// Speed scales replay time: 2.0 plays twice as fast. Zero means 1.0.
	Speed float64

	// Loop restarts the source at EOF.
	Loop bool

	// Ready is called once replay starts.
	Ready func()
}

// PlaybackProducer replays a recorded patch stream with original timing.
type PlaybackProducer struct {
	bus    *bus.Bus
	source PatchSource
	cfg    PlaybackConfig
}

// NewPlaybackProducer creates the producer around a patch source.
func NewPlaybackProducer(b *bus.Bus, source PatchSource, cfg PlaybackConfig) *PlaybackProducer {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	return &PlaybackProducer{bus: b, source: source, cfg: cfg}
}

// Serve implements suture.Service: replay until EOF (or forever when
// looping) or until the context is canceled.
func (p *PlaybackProducer) Serve(ctx context.Context) error {
	defer p.source.Close()

	if p.cfg.Ready != nil {
		p.cfg.Ready()
	}

	var prev time.Time
	for {
		patch, err := p.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			if !p.cfg.Loop {
				logging.Info().Msg("playback finished")
				<-ctx.Done()
				return ctx.Err()
			}
			if err := p.source.Reset(); err != nil {
				return fmt.Errorf("playback reset: %w", err)
			}
			prev = time.Time{}
			continue
		}
		if err != nil {
			return fmt.Errorf("playback read: %w", err)
		}

		if !prev.IsZero() && patch.RecordedAt.After(prev) {
			wait := time.Duration(float64(patch.RecordedAt.Sub(prev)) / p.cfg.Speed)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		prev = patch.RecordedAt

		if err := p.bus.Publish(bus.TopicPlaybackPatch, restamp(patch, time.Now().UTC())); err != nil {
			logging.Warn().Err(err).Msg("playback publish failed")
		}
	}
}

// restamp rewrites a recorded patch onto the replay clock. Recorded
// measurement timestamps repeat on every loop iteration; republished
// verbatim they would read as stale after the first pass and every
// subsequent cycle would be dropped.
func restamp(patch *bus.PlaybackPatch, now time.Time) *bus.PlaybackPatch {
	out := &bus.PlaybackPatch{
		RecordedAt: now,
		Ops:        make([]bus.PlaybackOp, len(patch.Ops)),
	}
	millis := now.UnixMilli()
	for i, op := range patch.Ops {
		out.Ops[i] = op
		m, ok := op.Value.(map[string]any)
		if !ok {
			continue
		}
		if _, has := m["timestamp"]; !has {
			continue
		}
		fresh := make(map[string]any, len(m))
		for k, v := range m {
			fresh[k] = v
		}
		fresh["timestamp"] = millis
		out.Ops[i].Value = fresh
	}
	return out
}

// String implements fmt.Stringer for supervisor logging.
func (p *PlaybackProducer) String() string { return "playback-producer" }

// DemoVoyage is a built-in patch source tracing a short run out of New York
// harbor. Used when no recording exists.
func DemoVoyage() PatchSource {
	start := time.Now().UTC().Add(-10 * time.Minute)
	fix := func(offset time.Duration, lat, lon, sog float64) *bus.PlaybackPatch {
		at := start.Add(offset)
		return &bus.PlaybackPatch{
			RecordedAt: at,
			Ops: []bus.PlaybackOp{
				{Op: "add", Path: "/navigation/position", Value: map[string]any{
					"value":     map[string]any{"latitude": lat, "longitude": lon},
					"units":     "deg",
					"timestamp": at.UnixMilli(),
					"source":    "playback",
				}},
				{Op: "add", Path: "/navigation/speedOverGround", Value: map[string]any{
					"value":     sog,
					"units":     "kn",
					"timestamp": at.UnixMilli(),
					"source":    "playback",
				}},
			},
		}
	}

	return &memorySource{patches: []*bus.PlaybackPatch{
		fix(0, 40.7002, -74.0210, 0.0),
		fix(30*time.Second, 40.6991, -74.0236, 3.1),
		fix(60*time.Second, 40.6964, -74.0282, 5.4),
		fix(90*time.Second, 40.6930, -74.0331, 6.2),
		fix(120*time.Second, 40.6888, -74.0370, 6.8),
		fix(150*time.Second, 40.6841, -74.0399, 7.1),
		fix(180*time.Second, 40.6790, -74.0417, 7.0),
		fix(210*time.Second, 40.6737, -74.0424, 6.9),
	}}
}

type memorySource struct {
	patches []*bus.PlaybackPatch
	pos     int
}

func (m *memorySource) Next(ctx context.Context) (*bus.PlaybackPatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.pos >= len(m.patches) {
		return nil, io.EOF
	}
	patch := m.patches[m.pos]
	m.pos++
	return patch, nil
}

func (m *memorySource) Reset() error {
	m.pos = 0
	return nil
}

func (m *memorySource) Close() error { return nil }
