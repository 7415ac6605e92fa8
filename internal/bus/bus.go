// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package bus is the typed in-process pub/sub between producer services and
// the state manager. It wraps a Watermill gochannel so producers publish a
// small, closed set of named topics and never touch the state store
// directly.
package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/pelorus/internal/metrics"
)

// Topic names published by producers and consumed by the state manager.
const (
	TopicPositionUpdate   = "position.update"
	TopicWeatherUpdate    = "weather.update"
	TopicTideUpdate       = "tide.update"
	TopicDeviceData       = "device.data"
	TopicDeviceDiscovered = "device.discovered"
	TopicDeviceUpdated    = "device.updated"
	TopicScanStatus       = "bluetooth.scan"
	TopicSystemsUpdate    = "systems.update"
	TopicPlaybackPatch    = "playback.patch"
	TopicProducerError    = "producer.error"

	// TopicBluetoothCommand flows the other way: command handlers instruct
	// the Bluetooth producer (scan start/stop, toggle).
	TopicBluetoothCommand = "bluetooth.command"
)

// Bus is the process-local event surface.
type Bus struct {
	pubSub *gochannel.GoChannel
}

// New creates the bus. Output channels are buffered so a slow consumer
// cannot stall a producer's publish path.
func New() *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, NewWatermillLogger()),
	}
}

// Publish marshals the payload and publishes it on the topic.
func (b *Bus) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubSub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	metrics.ProducerEvents.WithLabelValues(topic).Inc()
	return nil
}

// Subscribe returns the message stream for a topic. The stream closes when
// the context is canceled.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return ch, nil
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}

// Decode unmarshals a message payload into T and acks the message.
func Decode[T any](msg *message.Message) (T, error) {
	var payload T
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		msg.Nack()
		return payload, fmt.Errorf("decode event: %w", err)
	}
	msg.Ack()
	return payload, nil
}
