// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package natsbridge mirrors accepted patches to an external NATS subject
// so shoreside consumers can tail the state stream without a hub session.
// The bridge is optional; without a configured URL nothing is wired.
package natsbridge

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	nc "github.com/nats-io/nats.go"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/state"
)

// SubjectStatePatch is the NATS subject patches are mirrored to.
const SubjectStatePatch = "pelorus.state.patch"

// Config tunes the bridge.
type Config struct {
	URL     string
	BoatID  string
	Subject string
}

type patchFrame struct {
	BoatID    string           `json:"boatId"`
	Version   uint64           `json:"version"`
	Timestamp int64            `json:"timestamp"`
	Ops       []bus.PlaybackOp `json:"ops"`
}

// Bridge forwards store updates to NATS.
type Bridge struct {
	cfg       Config
	store     *state.Store
	publisher message.Publisher
}

// New connects to NATS and prepares the publisher.
func New(store *state.Store, cfg Config) (*Bridge, error) {
	if cfg.Subject == "" {
		cfg.Subject = SubjectStatePatch
	}
	publisher, err := nats.NewPublisher(nats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: []nc.Option{nc.RetryOnFailedConnect(true), nc.MaxReconnects(-1)},
		Marshaler:   &nats.NATSMarshaler{},
		JetStream:   nats.JetStreamConfig{Disabled: true},
	}, bus.NewWatermillLogger())
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return &Bridge{cfg: cfg, store: store, publisher: publisher}, nil
}

// Serve implements suture.Service: subscribe to the store and forward until
// canceled.
func (b *Bridge) Serve(ctx context.Context) error {
	unsubscribe := b.store.Subscribe(b.onUpdate)
	defer unsubscribe()
	defer b.publisher.Close()

	logging.Info().Str("subject", b.cfg.Subject).Msg("nats bridge running")
	<-ctx.Done()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (b *Bridge) String() string { return "nats-bridge" }

func (b *Bridge) onUpdate(update state.Update) {
	if update.Type != state.UpdatePatch || len(update.Ops) == 0 {
		return
	}

	ops := make([]bus.PlaybackOp, len(update.Ops))
	for i, op := range update.Ops {
		ops[i] = bus.PlaybackOp{Op: op.Op, Path: op.Path, Value: op.Value}
	}
	data, err := json.Marshal(patchFrame{
		BoatID:    b.cfg.BoatID,
		Version:   update.Version,
		Timestamp: update.Timestamp.UnixMilli(),
		Ops:       ops,
	})
	if err != nil {
		logging.Warn().Err(err).Msg("nats frame encode failed")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.publisher.Publish(b.cfg.Subject, msg); err != nil {
		logging.Warn().Err(err).Uint64("version", update.Version).Msg("nats publish failed")
	}
}
