// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package producers

import (
	"context"
	"math"
	"time"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/logging"
)

// Source priorities for position arbitration. Higher wins while fresh.
var sourcePriority = map[string]int{
	"gps":     3,
	"ais":     2,
	"default": 1,
}

const (
	// positionEpsilonDeg is the minimum coordinate change worth emitting.
	positionEpsilonDeg = 1e-6

	// positionLiveness forces an emission even without movement.
	positionLiveness = 10 * time.Second
)

// PositionReading is one fix reported by a position source.
type PositionReading struct {
	Latitude  float64
	Longitude float64
	SOG       *float64
	COG       *float64
	Heading   *float64
	Source    string
	Timestamp time.Time
}

// PositionConfig tunes the position producer.
type PositionConfig struct {
	// TTL is how long a source's reading stays fresh.
	TTL time.Duration

	// Ready is called once the producer is accepting reports.
	Ready func()
}

// PositionProducer arbitrates between position sources and publishes the
// winning fix. Sources (NMEA listeners, AIS decoders) call Report from
// their own loops.
type PositionProducer struct {
	bus *bus.Bus
	cfg PositionConfig

	reports chan PositionReading

	latest   map[string]PositionReading
	lastEmit PositionReading
	lastSent time.Time
	emitted  bool

	now func() time.Time
}

// NewPositionProducer creates the producer. A zero TTL defaults to 30s.
func NewPositionProducer(b *bus.Bus, cfg PositionConfig) *PositionProducer {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	return &PositionProducer{
		bus:     b,
		cfg:     cfg,
		reports: make(chan PositionReading, 64),
		latest:  map[string]PositionReading{},
		now:     time.Now,
	}
}

// Report feeds one reading into the arbiter. Safe from any goroutine; drops
// the reading if the producer is saturated rather than blocking a source.
func (p *PositionProducer) Report(r PositionReading) {
	if r.Timestamp.IsZero() {
		r.Timestamp = p.now().UTC()
	}
	select {
	case p.reports <- r:
	default:
		logging.Warn().Str("source", r.Source).Msg("position report dropped, arbiter saturated")
	}
}

// Serve implements suture.Service: consume reports and re-arbitrate on each
// report and on a liveness tick.
func (p *PositionProducer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	if p.cfg.Ready != nil {
		p.cfg.Ready()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-p.reports:
			p.latest[r.Source] = r
			p.arbitrate()
		case <-ticker.C:
			p.arbitrate()
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (p *PositionProducer) String() string { return "position-producer" }

// arbitrate picks the highest-priority fresh source and emits when the fix
// moved beyond epsilon or the liveness window elapsed.
func (p *PositionProducer) arbitrate() {
	now := p.now()
	winner, ok := p.winner(now)
	if !ok {
		return
	}

	moved := !p.emitted ||
		math.Abs(winner.Latitude-p.lastEmit.Latitude) > positionEpsilonDeg ||
		math.Abs(winner.Longitude-p.lastEmit.Longitude) > positionEpsilonDeg ||
		winner.Source != p.lastEmit.Source
	stale := p.emitted && now.Sub(p.lastSent) >= positionLiveness

	if !moved && !stale {
		return
	}

	err := p.bus.Publish(bus.TopicPositionUpdate, bus.PositionUpdate{
		Latitude:  winner.Latitude,
		Longitude: winner.Longitude,
		SOG:       winner.SOG,
		COG:       winner.COG,
		Heading:   winner.Heading,
		Source:    winner.Source,
		Timestamp: winner.Timestamp,
	})
	if err != nil {
		logging.Warn().Err(err).Msg("position publish failed")
		return
	}
	p.lastEmit = winner
	p.lastSent = now
	p.emitted = true
}

func (p *PositionProducer) winner(now time.Time) (PositionReading, bool) {
	best := PositionReading{}
	bestPriority := -1
	found := false
	for source, r := range p.latest {
		if now.Sub(r.Timestamp) > p.cfg.TTL {
			continue
		}
		priority := sourcePriority[source]
		if priority > bestPriority {
			best, bestPriority, found = r, priority, true
		}
	}
	return best, found
}
