// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package coordinator

import (
	"sync"
	"time"

	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/metrics"
	"github.com/tomtom215/pelorus/internal/models"
)

// DefaultQueueSize bounds each subscriber's outgoing queue.
const DefaultQueueSize = 100

// Subscriber is one connected consumer. Owned exclusively by the
// Coordinator; transports only ever see the subscriber id.
type Subscriber struct {
	ID            string
	Transport     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	Subscriptions map[models.DataType]bool

	// Backpressure counts messages evicted from the queue.
	Backpressure uint64

	mu     sync.Mutex
	queue  []*models.ServerMessage
	limit  int
	wake   chan struct{}
	closed bool
}

func newSubscriber(id, transport string, subs []string) *Subscriber {
	now := time.Now().UTC()
	s := &Subscriber{
		ID:            id,
		Transport:     transport,
		ConnectedAt:   now,
		LastActivity:  now,
		Subscriptions: map[models.DataType]bool{},
		limit:         DefaultQueueSize,
		wake:          make(chan struct{}, 1),
	}
	s.setSubscriptions(subs)
	return s
}

// setSubscriptions replaces the subscription set. An empty list subscribes
// to every top-level group.
func (s *Subscriber) setSubscriptions(groups []string) {
	subs := map[models.DataType]bool{}
	if len(groups) == 0 {
		for _, dt := range models.AllDataTypes {
			subs[dt] = true
		}
	} else {
		for _, g := range groups {
			subs[models.DataType(g)] = true
		}
	}
	s.mu.Lock()
	s.Subscriptions = subs
	s.mu.Unlock()
}

func (s *Subscriber) subscribedTo(dt models.DataType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Subscriptions[dt]
}

func (s *Subscriber) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// enqueue appends a message to the bounded queue. On overflow the oldest
// non-snapshot message is evicted (FIFO) and the backpressure counter is
// incremented; snapshot frames are never evicted.
func (s *Subscriber) enqueue(msg *models.ServerMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit {
		evicted := false
		for i, queued := range s.queue {
			if !queued.IsSnapshot() {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			// Queue full of snapshots; drop the incoming message instead.
			s.Backpressure++
			s.mu.Unlock()
			metrics.MessagesDropped.WithLabelValues(s.Transport).Inc()
			return
		}
		s.Backpressure++
		metrics.MessagesDropped.WithLabelValues(s.Transport).Inc()
		logging.Warn().
			Str("client_id", s.ID).
			Uint64("backpressure", s.Backpressure).
			Msg("subscriber queue overflow, evicted oldest message")
	}
	s.queue = append(s.queue, msg)
	// Wake while still holding the lock; close() closes the channel under
	// the same lock, so the send can never hit a closed channel.
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

// backpressure returns the eviction count.
func (s *Subscriber) backpressure() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Backpressure
}

// drain pops all queued messages in order.
func (s *Subscriber) drain() []*models.ServerMessage {
	s.mu.Lock()
	out := s.queue
	s.queue = nil
	s.mu.Unlock()
	return out
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.wake)
}
