// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package producers holds the services that feed the state store: position
// arbitration, weather and tide fetchers, Bluetooth sensing, Modbus systems
// polling, and recorded playback. Producers never touch the store; they
// publish typed events on the bus and the state manager does the rest.
package producers

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/logging"
)

// ErrSkipRun tells the scheduler to skip this tick without logging an error.
var ErrSkipRun = errors.New("run skipped")

// Scheduled runs a callback on a fixed interval. It implements
// suture.Service so each scheduled producer is one supervised leaf.
type Scheduled struct {
	Name     string
	Interval time.Duration

	// Immediate runs once before the first tick.
	Immediate bool

	// Run does one unit of work. Returning ErrSkipRun skips quietly; any
	// other error is logged and the schedule continues.
	Run func(ctx context.Context) error

	// Ready, when set, is called once the schedule is running.
	Ready func()

	// Kick, when non-nil, triggers an extra run between ticks.
	Kick <-chan struct{}
}

// Serve implements suture.Service.
func (s *Scheduled) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	if s.Ready != nil {
		s.Ready()
	}
	if s.Immediate {
		s.runOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.Kick:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduled) runOnce(ctx context.Context) {
	err := s.Run(ctx)
	switch {
	case err == nil, errors.Is(err, ErrSkipRun), errors.Is(err, context.Canceled):
	default:
		logging.Warn().Err(err).Str("producer", s.Name).Msg("scheduled run failed")
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *Scheduled) String() string { return s.Name }

// Backoff is an explicit retry policy: Base, doubled per attempt, up to
// MaxAttempts tries.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
}

// DefaultBackoff matches the external-fetch retry contract: 1s base,
// factor 2, 3 attempts.
var DefaultBackoff = Backoff{Base: time.Second, Factor: 2, MaxAttempts: 3}

// Do runs fn until it succeeds, the attempts are exhausted, or the context
// is canceled. The last error is returned.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := b.Base
	var err error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == b.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * b.Factor)
	}
	return err
}

// reportError publishes a producer failure on the bus. Safety-relevant
// failures become alerts downstream.
func reportError(b *bus.Bus, producer, detail string, safety bool) {
	err := b.Publish(bus.TopicProducerError, bus.ProducerError{
		Producer:  producer,
		Message:   detail,
		Safety:    safety,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logging.Warn().Err(err).Str("producer", producer).Msg("error event publish failed")
	}
}
