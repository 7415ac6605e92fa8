// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package statemanager mediates between producer events and the state
// store. It owns no primary state: every domain event becomes a patch, and
// a registry of pure rules derives safety alerts (anchor drag, AIS
// proximity) from accepted patches in a single bounded pass.
package statemanager

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/coordinator"
	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/models"
	"github.com/tomtom215/pelorus/internal/state"
)

// Manager translates producer events into patches and handles client
// commands.
type Manager struct {
	store *state.Store
	bus   *bus.Bus
	coord *coordinator.Coordinator
	rules []Rule
}

// New creates the manager and registers its command handlers with the
// coordinator.
func New(store *state.Store, b *bus.Bus, coord *coordinator.Coordinator) *Manager {
	m := &Manager{
		store: store,
		bus:   b,
		coord: coord,
		rules: []Rule{AnchorDragRule, ProximityRule},
	}
	coord.RegisterCommand(models.TypeAnchorUpdate, m.handleAnchorCommand)
	coord.RegisterCommand(models.TypeAlertUpdate, m.handleAlertCommand)
	coord.RegisterCommand("bluetooth", m.handleBluetoothCommand)
	return m
}

// Serve implements suture.Service: subscribe to every producer topic and
// translate events until the context is canceled.
func (m *Manager) Serve(ctx context.Context) error {
	handlers := map[string]func(*message.Message){
		bus.TopicPositionUpdate:   m.onPosition,
		bus.TopicWeatherUpdate:    m.onWeather,
		bus.TopicTideUpdate:       m.onTide,
		bus.TopicDeviceDiscovered: m.onDeviceDiscovered,
		bus.TopicDeviceUpdated:    m.onDeviceUpdated,
		bus.TopicDeviceData:       m.onDeviceData,
		bus.TopicScanStatus:       m.onScanStatus,
		bus.TopicSystemsUpdate:    m.onSystems,
		bus.TopicPlaybackPatch:    m.onPlayback,
		bus.TopicProducerError:    m.onProducerError,
	}

	for topic, handler := range handlers {
		ch, err := m.bus.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("state manager subscribe: %w", err)
		}
		go func(ch <-chan *message.Message, handle func(*message.Message)) {
			for msg := range ch {
				handle(msg)
			}
		}(ch, handler)
	}

	<-ctx.Done()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (m *Manager) String() string { return "state-manager" }

// apply pushes a patch into the store and runs the rule registry once on
// acceptance. Rule-produced patches are applied in a second pass that does
// not re-run the rules, bounding feedback to a single iteration.
func (m *Manager) apply(patch state.Patch) error {
	result, err := m.store.ApplyPatch(patch)
	if err != nil {
		logging.Warn().Err(err).Msg("patch rejected")
		return err
	}
	if !result.Accepted || len(result.Emitted) == 0 {
		return nil
	}

	doc, _ := m.store.Snapshot()
	var derived state.Patch
	for _, rule := range m.rules {
		derived = append(derived, rule(doc, result.Emitted)...)
	}
	if len(derived) > 0 {
		if _, err := m.store.ApplyPatch(derived); err != nil {
			logging.Error().Err(err).Msg("rule-derived patch rejected")
		}
	}
	return nil
}

func (m *Manager) onPosition(msg *message.Message) {
	event, err := bus.Decode[bus.PositionUpdate](msg)
	if err != nil {
		logging.Warn().Err(err).Msg("bad position event")
		return
	}

	patch := state.Patch{state.Add("/navigation/position", state.Measurement{
		Value: map[string]any{
			"latitude":  event.Latitude,
			"longitude": event.Longitude,
		},
		Units:     "deg",
		Timestamp: event.Timestamp,
		Source:    event.Source,
	})}
	if event.SOG != nil {
		patch = append(patch, state.Add("/navigation/speedOverGround", state.Measurement{
			Value: *event.SOG, Units: "kn", Timestamp: event.Timestamp, Source: event.Source,
		}))
	}
	if event.COG != nil {
		patch = append(patch, state.Add("/navigation/courseOverGround", state.Measurement{
			Value: *event.COG, Units: "deg", Timestamp: event.Timestamp, Source: event.Source,
		}))
	}
	if event.Heading != nil {
		patch = append(patch, state.Add("/navigation/headingTrue", state.Measurement{
			Value: *event.Heading, Units: "deg", Timestamp: event.Timestamp, Source: event.Source,
		}))
	}
	_ = m.apply(patch)
}

func (m *Manager) onWeather(msg *message.Message) {
	event, err := bus.Decode[bus.WeatherUpdate](msg)
	if err != nil {
		logging.Warn().Err(err).Msg("bad weather event")
		return
	}

	hourly := make([]any, len(event.Hourly))
	for i, h := range event.Hourly {
		hourly[i] = map[string]any{
			"time":          h.Time.UnixMilli(),
			"temperatureC":  h.TemperatureC,
			"windSpeedKts":  h.WindSpeedKts,
			"windDirDeg":    h.WindDirDeg,
			"gustKts":       h.GustKts,
			"pressureHPa":   h.PressureHPa,
			"precipitation": h.Precipitation,
		}
	}
	forecast := map[string]any{
		"latitude":  event.Latitude,
		"longitude": event.Longitude,
		"hourly":    hourly,
		"fetchedAt": event.FetchedAt.UnixMilli(),
		"source":    event.Source,
	}
	if err := m.apply(state.Patch{state.Add("/environment/weather", forecast)}); err != nil {
		return
	}
	m.coord.Broadcast(models.DataEnvironment, &models.ServerMessage{
		Type:      models.TypeWeatherUpdate,
		Data:      forecast,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (m *Manager) onTide(msg *message.Message) {
	event, err := bus.Decode[bus.TideUpdate](msg)
	if err != nil {
		logging.Warn().Err(err).Msg("bad tide event")
		return
	}

	extremes := make([]any, len(event.Extremes))
	for i, e := range event.Extremes {
		extremes[i] = map[string]any{
			"type":    e.Type,
			"heightM": e.HeightM,
			"time":    e.Time.UnixMilli(),
		}
	}
	tides := map[string]any{
		"station":   event.Station,
		"extremes":  extremes,
		"fetchedAt": event.FetchedAt.UnixMilli(),
		"source":    event.Source,
	}
	if err := m.apply(state.Patch{state.Add("/environment/tides", tides)}); err != nil {
		return
	}
	m.coord.Broadcast(models.DataEnvironment, &models.ServerMessage{
		Type:      models.TypeTideUpdate,
		Data:      tides,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (m *Manager) onDeviceDiscovered(msg *message.Message) {
	event, err := bus.Decode[bus.DeviceDiscovered](msg)
	if err != nil {
		logging.Warn().Err(err).Msg("bad device discovery event")
		return
	}
	_ = m.apply(state.Patch{state.Add("/bluetooth/devices/"+escapeSegment(event.ID), map[string]any{
		"id":           event.ID,
		"name":         event.Name,
		"manufacturer": event.Manufacturer,
		"rssi":         float64(event.RSSI),
		"selected":     false,
		"lastSeen":     event.Timestamp.UnixMilli(),
		"sensorData":   map[string]any{},
	})})
}

func (m *Manager) onDeviceUpdated(msg *message.Message) {
	event, err := bus.Decode[bus.DeviceUpdated](msg)
	if err != nil {
		logging.Warn().Err(err).Msg("bad device update event")
		return
	}
	base := "/bluetooth/devices/" + escapeSegment(event.ID)
	patch := state.Patch{
		state.Add(base+"/rssi", float64(event.RSSI)),
		state.Add(base+"/lastSeen", event.Timestamp.UnixMilli()),
	}
	if event.Name != "" {
		patch = append(patch, state.Add(base+"/name", event.Name))
	}
	_ = m.apply(patch)
}

func (m *Manager) onDeviceData(msg *message.Message) {
	event, err := bus.Decode[bus.DeviceData](msg)
	if err != nil {
		logging.Warn().Err(err).Msg("bad device data event")
		return
	}
	base := "/bluetooth/devices/" + escapeSegment(event.ID) + "/sensorData/"
	patch := make(state.Patch, 0, len(event.Readings))
	for _, r := range event.Readings {
		patch = append(patch, state.Add(base+escapeSegment(r.Name), state.Measurement{
			Value: r.Value, Units: r.Units, Timestamp: r.Timestamp, Source: r.Source,
		}))
	}
	_ = m.apply(patch)
}

func (m *Manager) onScanStatus(msg *message.Message) {
	event, err := bus.Decode[bus.ScanStatus](msg)
	if err != nil {
		logging.Warn().Err(err).Msg("bad scan status event")
		return
	}
	_ = m.apply(state.Patch{state.Add("/bluetooth/scanning", event.Active)})
}

func (m *Manager) onSystems(msg *message.Message) {
	event, err := bus.Decode[bus.SystemsUpdate](msg)
	if err != nil {
		logging.Warn().Err(err).Msg("bad systems event")
		return
	}
	base := "/vessel/systems/" + escapeSegment(event.Kind) + "/" + escapeSegment(event.ID) + "/"
	patch := make(state.Patch, 0, len(event.Readings))
	for _, r := range event.Readings {
		patch = append(patch, state.Add(base+escapeSegment(r.Name), state.Measurement{
			Value: r.Value, Units: r.Units, Timestamp: r.Timestamp, Source: r.Source,
		}))
	}
	_ = m.apply(patch)
}

func (m *Manager) onPlayback(msg *message.Message) {
	event, err := bus.Decode[bus.PlaybackPatch](msg)
	if err != nil {
		logging.Warn().Err(err).Msg("bad playback event")
		return
	}
	patch := make(state.Patch, 0, len(event.Ops))
	for _, op := range event.Ops {
		patch = append(patch, state.Op{Op: op.Op, Path: op.Path, Value: op.Value})
	}
	_ = m.apply(patch)
}

func (m *Manager) onProducerError(msg *message.Message) {
	event, err := bus.Decode[bus.ProducerError](msg)
	if err != nil {
		logging.Warn().Err(err).Msg("bad producer error event")
		return
	}
	logging.Error().
		Str("producer", event.Producer).
		Str("detail", event.Message).
		Msg("producer error")

	// Safety-relevant failures surface as alerts.
	if event.Safety {
		id := "producer-" + event.Producer
		_ = m.apply(state.Patch{state.Add("/alerts/active/"+id, map[string]any{
			"id":        id,
			"level":     "warning",
			"trigger":   "producer_failure",
			"message":   event.Message,
			"createdAt": event.Timestamp.UnixMilli(),
		})})
	}
}
