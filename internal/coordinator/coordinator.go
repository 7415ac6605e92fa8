// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package coordinator is the single point of contact between transports and
// the state core. It owns Subscribers, fans accepted patches out through
// the sync orchestrator, and routes inbound command messages to the
// registered handlers.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/metrics"
	"github.com/tomtom215/pelorus/internal/models"
	"github.com/tomtom215/pelorus/internal/orchestrator"
	"github.com/tomtom215/pelorus/internal/state"
)

// Transport is the send surface a transport registers with the coordinator.
type Transport struct {
	// Name identifies the transport ("direct", "hub") in logs and metrics.
	Name string

	// Send delivers one frame to one client. A send error terminates the
	// subscriber.
	Send func(clientID string, msg *models.ServerMessage) error

	// ShouldSend optionally vetoes a data type for a client (e.g. hub
	// suppression at zero remote clients). Nil means always send.
	ShouldSend func(clientID string, dt models.DataType) bool
}

// CommandHandler processes one inbound command message.
type CommandHandler func(msg *models.ClientMessage) models.CommandResult

// Responder delivers a reply to the message's originator.
type Responder func(msg *models.ServerMessage) error

// Coordinator tracks connected consumers and their send policy.
type Coordinator struct {
	store *state.Store
	orch  *orchestrator.Orchestrator

	mu          sync.RWMutex
	transports  map[string]*Transport
	subscribers map[string]*Subscriber
	commands    map[string]CommandHandler

	wg sync.WaitGroup
}

// New creates a coordinator bound to the store and orchestrator.
func New(store *state.Store, orch *orchestrator.Orchestrator) *Coordinator {
	return &Coordinator{
		store:       store,
		orch:        orch,
		transports:  map[string]*Transport{},
		subscribers: map[string]*Subscriber{},
		commands:    map[string]CommandHandler{},
	}
}

// Serve implements suture.Service: subscribe to the store, fan out until
// the context is canceled, then disconnect every subscriber.
func (c *Coordinator) Serve(ctx context.Context) error {
	unsubscribe := c.store.Subscribe(c.onUpdate)
	defer unsubscribe()

	<-ctx.Done()

	c.mu.Lock()
	ids := make([]string, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.HandleClientDisconnection(id)
	}
	c.wg.Wait()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (c *Coordinator) String() string { return "client-sync-coordinator" }

// RegisterTransport registers a named transport and returns an unregister
// handle that also disconnects the transport's subscribers.
func (c *Coordinator) RegisterTransport(t *Transport) (func(), error) {
	c.mu.Lock()
	if _, dup := c.transports[t.Name]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("transport %q already registered", t.Name)
	}
	c.transports[t.Name] = t
	c.mu.Unlock()
	logging.Info().Str("transport", t.Name).Msg("transport registered")

	return func() {
		c.mu.Lock()
		delete(c.transports, t.Name)
		var ids []string
		for id, sub := range c.subscribers {
			if sub.Transport == t.Name {
				ids = append(ids, id)
			}
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.HandleClientDisconnection(id)
		}
	}, nil
}

// RegisterCommand binds a handler to a command kind. The state manager
// registers one handler per kind at bootstrap.
func (c *Coordinator) RegisterCommand(kind string, handler CommandHandler) {
	c.mu.Lock()
	c.commands[kind] = handler
	c.mu.Unlock()
}

// HandleClientConnection creates a Subscriber and queues the current
// snapshot as its first frame. Registration and snapshot happen under the
// store lock, so a patch emitted by a concurrent write can only reach the
// new subscriber after its snapshot is queued.
func (c *Coordinator) HandleClientConnection(clientID, transport string, subscriptions []string) error {
	sub := newSubscriber(clientID, transport, subscriptions)

	var (
		t       *Transport
		version uint64
		regErr  error
	)
	c.store.View(func(doc *state.Node, v uint64) {
		c.mu.Lock()
		defer c.mu.Unlock()
		var ok bool
		t, ok = c.transports[transport]
		if !ok {
			regErr = fmt.Errorf("unknown transport %q", transport)
			return
		}
		if _, dup := c.subscribers[clientID]; dup {
			regErr = fmt.Errorf("client %q already connected", clientID)
			return
		}
		c.subscribers[clientID] = sub
		version = v
		sub.enqueue(&models.ServerMessage{
			Type:      models.TypeFullUpdate,
			Data:      doc,
			Version:   v,
			Timestamp: time.Now().UnixMilli(),
		})
	})
	if regErr != nil {
		return regErr
	}

	metrics.Subscribers.WithLabelValues(transport).Inc()

	c.wg.Add(1)
	go c.writeLoop(sub, t)

	logging.Info().
		Str("client_id", clientID).
		Str("transport", transport).
		Uint64("snapshot_version", version).
		Msg("client connected")
	return nil
}

// HandleClientDisconnection destroys the Subscriber and clears its throttle
// state.
func (c *Coordinator) HandleClientDisconnection(clientID string) {
	c.mu.Lock()
	sub, ok := c.subscribers[clientID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subscribers, clientID)
	c.mu.Unlock()

	sub.close()
	c.orch.Forget(clientID)
	metrics.Subscribers.WithLabelValues(sub.Transport).Dec()
	logging.Info().
		Str("client_id", clientID).
		Str("transport", sub.Transport).
		Uint64("backpressure", sub.backpressure()).
		Msg("client disconnected")
}

// ClientCount returns the number of connected subscribers on a transport.
// An empty name counts all subscribers.
func (c *Coordinator) ClientCount(transport string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if transport == "" {
		return len(c.subscribers)
	}
	n := 0
	for _, sub := range c.subscribers {
		if sub.Transport == transport {
			n++
		}
	}
	return n
}

// HandleClientMessage routes a message of a known kind and reports whether
// it was consumed. respond is bound to the originating connection;
// broadcast fans a frame out to local subscribers.
func (c *Coordinator) HandleClientMessage(msg *models.ClientMessage, respond Responder, broadcast func(*models.ServerMessage)) bool {
	kind := msg.Kind()
	if kind == "" {
		return false
	}
	if sub := c.subscriber(msg.ClientID); sub != nil {
		sub.touch()
	}

	switch kind {
	case models.TypePing:
		_ = respond(&models.ServerMessage{
			Type:      models.TypePong,
			Echo:      msg.Timestamp,
			Timestamp: time.Now().UnixMilli(),
		})
		return true

	case models.TypeGetFullState:
		doc, version := c.store.Snapshot()
		_ = respond(&models.ServerMessage{
			Type:      models.TypeFullUpdate,
			Data:      doc,
			Version:   version,
			Timestamp: time.Now().UnixMilli(),
			RequestID: msg.RequestID,
			ClientID:  msg.ClientID,
		})
		return true

	case models.TypeSubscription:
		return c.handleSubscription(msg)
	}

	if action, ok := models.IsBluetoothCommand(kind); ok {
		handler := c.command("bluetooth")
		if handler == nil {
			return false
		}
		normalized := *msg
		normalized.Action = action
		result := handler(&normalized)
		_ = respond(&models.ServerMessage{
			Type:      models.TypeBluetoothResp,
			Success:   &result.Success,
			Detail:    result.Detail,
			RequestID: msg.RequestID,
			Timestamp: time.Now().UnixMilli(),
		})
		return true
	}

	if handler := c.command(kind); handler != nil {
		result := handler(msg)
		if ack := ackTypeFor(kind); ack != "" {
			_ = respond(&models.ServerMessage{
				Type:      ack,
				Success:   &result.Success,
				Detail:    result.Detail,
				RequestID: msg.RequestID,
				Timestamp: time.Now().UnixMilli(),
			})
		}
		return true
	}
	return false
}

func ackTypeFor(kind string) string {
	switch kind {
	case models.TypeAnchorUpdate:
		return models.TypeAnchorAck
	case models.TypeAlertUpdate:
		return models.TypeAlertAck
	default:
		return ""
	}
}

func (c *Coordinator) handleSubscription(msg *models.ClientMessage) bool {
	if msg.Action != "update" {
		return false
	}
	var groups []string
	if err := unmarshalData(msg.Data, &groups); err != nil {
		logging.Warn().Err(err).Str("client_id", msg.ClientID).Msg("bad subscription payload")
		return true
	}
	if sub := c.subscriber(msg.ClientID); sub != nil {
		sub.setSubscriptions(groups)
		logging.Debug().
			Str("client_id", msg.ClientID).
			Strs("groups", groups).
			Msg("subscriptions updated")
	}
	return true
}

func (c *Coordinator) subscriber(id string) *Subscriber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribers[id]
}

func (c *Coordinator) command(kind string) CommandHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commands[kind]
}

// Broadcast queues a frame for every subscriber subscribed to the data
// type, bypassing the orchestrator. Used for domain events (weather:update,
// tide:update) that already ride their own schedule.
func (c *Coordinator) Broadcast(dt models.DataType, msg *models.ServerMessage) {
	c.mu.RLock()
	subs := make([]*Subscriber, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		subs = append(subs, sub)
	}
	c.mu.RUnlock()
	for _, sub := range subs {
		if sub.subscribedTo(dt) {
			sub.enqueue(msg)
		}
	}
}

// onUpdate fans an accepted patch out to every subscriber whose
// subscriptions intersect the patch's paths. Delivery timing is the
// orchestrator's decision.
func (c *Coordinator) onUpdate(update state.Update) {
	if update.Type != state.UpdatePatch {
		return
	}

	// A vessel-mode write switches the throttle profile for everyone.
	for _, op := range update.Ops {
		if op.Path == "/vessel/mode" {
			if name, ok := op.Value.(string); ok {
				if profile, known := models.ProfileByName(name); known {
					c.orch.SetProfile(profile)
				}
			}
		}
	}

	grouped := map[models.DataType]state.Patch{}
	for _, op := range update.Ops {
		dt := models.DataTypeForPath(op.Path)
		grouped[dt] = append(grouped[dt], op)
	}

	c.mu.RLock()
	subs := make([]*Subscriber, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		subs = append(subs, sub)
	}
	transports := make(map[string]*Transport, len(c.transports))
	for name, t := range c.transports {
		transports[name] = t
	}
	c.mu.RUnlock()

	version := update.Version
	stamp := update.Timestamp.UnixMilli()

	for dt, ops := range grouped {
		for _, sub := range subs {
			if !sub.subscribedTo(dt) {
				continue
			}
			t := transports[sub.Transport]
			if t == nil {
				continue
			}
			if t.ShouldSend != nil && !t.ShouldSend(sub.ID, dt) {
				continue
			}
			target := sub
			c.orch.Publish(sub.ID, dt, ops, func(release state.Patch) {
				target.enqueue(&models.ServerMessage{
					Type:      models.TypePatch,
					Data:      release,
					Version:   version,
					Timestamp: stamp,
				})
			})
		}
	}
}

// writeLoop drains one subscriber's queue to its transport. Messages leave
// in the order the orchestrator released them; the initial snapshot is
// queued first and therefore precedes every patch.
func (c *Coordinator) writeLoop(sub *Subscriber, t *Transport) {
	defer c.wg.Done()
	for range sub.wake {
		for _, msg := range sub.drain() {
			if err := t.Send(sub.ID, msg); err != nil {
				logging.Warn().
					Err(err).
					Str("client_id", sub.ID).
					Str("transport", t.Name).
					Msg("send failed, terminating subscriber")
				c.HandleClientDisconnection(sub.ID)
				return
			}
			metrics.MessagesSent.WithLabelValues(t.Name, msg.Type).Inc()
		}
	}
}
