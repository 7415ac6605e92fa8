// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package supervisor

import (
	"fmt"
	"sync"
	"time"
)

// Readiness tracks per-service ready signals so bootstrap can sequence
// dependent services.
type Readiness struct {
	mu    sync.Mutex
	ready map[string]chan struct{}
}

// NewReadiness creates an empty registry.
func NewReadiness() *Readiness {
	return &Readiness{ready: map[string]chan struct{}{}}
}

func (r *Readiness) channel(name string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.ready[name]
	if !ok {
		ch = make(chan struct{})
		r.ready[name] = ch
	}
	return ch
}

// MarkReady signals that a service is ready. Safe to call more than once.
func (r *Readiness) MarkReady(name string) {
	ch := r.channel(name)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// MarkFunc returns a closure that marks the named service ready. Handy as a
// producer's Ready callback.
func (r *Readiness) MarkFunc(name string) func() {
	return func() { r.MarkReady(name) }
}

// WaitForServiceReady blocks until the named service is ready or the
// timeout elapses.
func (r *Readiness) WaitForServiceReady(name string, timeout time.Duration) error {
	select {
	case <-r.channel(name):
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("service %q not ready after %s", name, timeout)
	}
}
