// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package orchestrator implements the adaptive send throttle. Effective
// intervals are computed per (dataType, priority, profile, linkQuality):
//
//	interval = base[dataType] × profile.multiplier × profile.boost[priority]
//	           × (link == POOR ? poorMultiplier : 1)
//
// clamped to a floor. Sends inside the interval are coalesced by path and
// flushed when the interval elapses. HIGH-priority data (alerts, anchor)
// bypasses coalescing entirely.
package orchestrator

import (
	"sync"
	"time"

	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/metrics"
	"github.com/tomtom215/pelorus/internal/models"
	"github.com/tomtom215/pelorus/internal/state"
)

// Config holds throttle tuning.
type Config struct {
	// Base intervals per data type. Types absent from the map use
	// DefaultThrottle.
	Base map[models.DataType]time.Duration

	// DefaultThrottle is the base interval for unlisted data types.
	DefaultThrottle time.Duration

	// Floor clamps the effective interval from below.
	Floor time.Duration

	// PoorMultiplier stretches intervals when the hub link is POOR.
	PoorMultiplier float64

	// Link classification thresholds.
	LatencyFairMs float64
	LatencyPoorMs float64
	LossPoorPct   float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Base: map[models.DataType]time.Duration{
			models.DataNavigation:  1 * time.Second,
			models.DataEnvironment: 30 * time.Second,
			models.DataVessel:      5 * time.Second,
			models.DataBluetooth:   5 * time.Second,
			models.DataAlerts:      100 * time.Millisecond,
			models.DataAnchor:      100 * time.Millisecond,
		},
		DefaultThrottle: 2 * time.Second,
		Floor:           100 * time.Millisecond,
		PoorMultiplier:  3.0,
		LatencyFairMs:   150,
		LatencyPoorMs:   500,
		LossPoorPct:     10,
	}
}

// SendFunc delivers a released patch to one subscriber.
type SendFunc func(ops state.Patch)

type entry struct {
	lastSent time.Time
	pending  state.Patch
	timer    *time.Timer
	send     SendFunc
}

// Orchestrator owns per-(subscriber, dataType) send state.
type Orchestrator struct {
	mu      sync.Mutex
	cfg     Config
	profile models.Profile
	link    models.LinkQuality
	entries map[string]*entry

	// now is a test seam.
	now func() time.Time
}

// New creates an orchestrator with the NORMAL profile and a GOOD link.
func New(cfg Config) *Orchestrator {
	if cfg.Floor <= 0 {
		cfg.Floor = 100 * time.Millisecond
	}
	if cfg.DefaultThrottle <= 0 {
		cfg.DefaultThrottle = 2 * time.Second
	}
	if cfg.PoorMultiplier <= 0 {
		cfg.PoorMultiplier = 3.0
	}
	return &Orchestrator{
		cfg:     cfg,
		profile: models.DefaultProfile(),
		link:    models.LinkQuality{Status: models.LinkGood},
		entries: map[string]*entry{},
		now:     time.Now,
	}
}

// SetProfile switches the vessel-mode profile. Takes effect on the next
// publish; pending flush timers keep their schedule.
func (o *Orchestrator) SetProfile(p models.Profile) {
	o.mu.Lock()
	o.profile = p
	o.mu.Unlock()
	logging.Info().Str("profile", string(p.Name)).Msg("sync profile changed")
}

// Profile returns the active profile.
func (o *Orchestrator) Profile() models.Profile {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.profile
}

// ObserveLink records a smoothed link measurement and classifies it.
func (o *Orchestrator) ObserveLink(latencyMs, lossPct float64) {
	status := models.LinkGood
	switch {
	case latencyMs >= o.cfg.LatencyPoorMs || lossPct >= o.cfg.LossPoorPct:
		status = models.LinkPoor
	case latencyMs >= o.cfg.LatencyFairMs:
		status = models.LinkFair
	}

	o.mu.Lock()
	o.link = models.LinkQuality{LatencyMs: latencyMs, PacketLossPct: lossPct, Status: status}
	o.mu.Unlock()
	metrics.HubLatencyMs.Set(latencyMs)
}

// LinkQuality returns the last observed link quality.
func (o *Orchestrator) LinkQuality() models.LinkQuality {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.link
}

// EffectiveInterval computes the current send interval for a data type.
func (o *Orchestrator) EffectiveInterval(dt models.DataType) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.effectiveIntervalLocked(dt)
}

func (o *Orchestrator) effectiveIntervalLocked(dt models.DataType) time.Duration {
	base, ok := o.cfg.Base[dt]
	if !ok {
		base = o.cfg.DefaultThrottle
	}
	prio := models.PriorityFor(dt)
	boost, ok := o.profile.PriorityBoost[prio]
	if !ok {
		boost = 1.0
	}
	interval := time.Duration(float64(base) * o.profile.Multiplier * boost)
	if o.link.Status == models.LinkPoor {
		interval = time.Duration(float64(interval) * o.cfg.PoorMultiplier)
	}
	if interval < o.cfg.Floor {
		interval = o.cfg.Floor
	}
	return interval
}

// Publish hands a patch to the throttle for one subscriber. It is either
// sent immediately (interval elapsed, or HIGH priority) or merged into the
// pending buffer and flushed when the interval expires.
func (o *Orchestrator) Publish(subscriberID string, dt models.DataType, ops state.Patch, send SendFunc) {
	if models.PriorityFor(dt) == models.PriorityHigh {
		send(ops)
		return
	}

	key := subscriberID + "|" + string(dt)

	o.mu.Lock()
	e, ok := o.entries[key]
	if !ok {
		e = &entry{}
		o.entries[key] = e
	}
	e.send = send

	now := o.now()
	interval := o.effectiveIntervalLocked(dt)

	if now.Sub(e.lastSent) >= interval {
		release := state.MergeOps(e.pending, ops)
		e.pending = nil
		e.lastSent = now
		o.stopTimerLocked(e)
		o.mu.Unlock()
		send(release)
		return
	}

	e.pending = state.MergeOps(e.pending, ops)
	if e.timer == nil {
		delay := e.lastSent.Add(interval).Sub(now)
		e.timer = time.AfterFunc(delay, func() { o.flush(key) })
	}
	o.mu.Unlock()
}

// flush releases a pending coalesced buffer.
func (o *Orchestrator) flush(key string) {
	o.mu.Lock()
	e, ok := o.entries[key]
	if !ok || len(e.pending) == 0 {
		if ok {
			e.timer = nil
		}
		o.mu.Unlock()
		return
	}
	release := e.pending
	send := e.send
	e.pending = nil
	e.timer = nil
	e.lastSent = o.now()
	o.mu.Unlock()

	metrics.CoalescedFlushes.Inc()
	send(release)
}

// Forget clears all throttle state for a subscriber, canceling any pending
// flush timers. Called on disconnect.
func (o *Orchestrator) Forget(subscriberID string) {
	prefix := subscriberID + "|"
	o.mu.Lock()
	for key, e := range o.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			o.stopTimerLocked(e)
			delete(o.entries, key)
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
