// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package statemanager

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/coordinator"
	"github.com/tomtom215/pelorus/internal/models"
	"github.com/tomtom215/pelorus/internal/orchestrator"
	"github.com/tomtom215/pelorus/internal/state"
)

func newTestManager(t *testing.T) (*Manager, *state.Store, *bus.Bus) {
	t.Helper()
	store := state.NewStore()
	b := bus.New()
	t.Cleanup(func() { _ = b.Close() })
	coord := coordinator.New(store, orchestrator.New(orchestrator.DefaultConfig()))
	return New(store, b, coord), store, b
}

func event(t *testing.T, payload any) *message.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return message.NewMessage(watermill.NewUUID(), data)
}

func command(t *testing.T, payload any) *models.ClientMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return &models.ClientMessage{Data: data}
}

func TestOnPositionWritesNavigation(t *testing.T) {
	m, store, _ := newTestManager(t)

	sog := 6.2
	m.onPosition(event(t, bus.PositionUpdate{
		Latitude:  40.7128,
		Longitude: -74.0060,
		SOG:       &sog,
		Source:    "gps",
		Timestamp: time.Now().UTC(),
	}))

	doc, _ := store.Snapshot()
	pos, ok := doc.Get("/navigation/position")
	if !ok {
		t.Fatal("/navigation/position not written")
	}
	meas, ok := pos.Measurement()
	if !ok {
		t.Fatal("position is not a measurement")
	}
	if meas.Source != "gps" {
		t.Errorf("source = %q", meas.Source)
	}
	speed, ok := doc.Get("/navigation/speedOverGround")
	if !ok {
		t.Fatal("/navigation/speedOverGround not written")
	}
	if v, _ := speed.Float(); v != 6.2 {
		t.Errorf("sog = %v, want 6.2", v)
	}
	// Optional fields absent in the event stay absent in the document.
	if _, ok := doc.Get("/navigation/courseOverGround"); ok {
		t.Error("cog written without event data")
	}
}

func TestPositionTriggersAnchorDragAlert(t *testing.T) {
	m, store, _ := newTestManager(t)

	// Anchor deployed at the origin point with a 100m critical range.
	res := m.handleAnchorCommand(command(t, map[string]any{
		"deployed":      true,
		"criticalRange": 100.0,
		"location":      map[string]any{"latitude": 40.7128, "longitude": -74.0060},
	}))
	if !res.Success {
		t.Fatalf("anchor deploy failed: %s", res.Detail)
	}

	// Vessel drifts ~133m; one position event must raise the alert.
	m.onPosition(event(t, bus.PositionUpdate{
		Latitude: 40.7140, Longitude: -74.0060,
		Source: "gps", Timestamp: time.Now().UTC(),
	}))

	doc, _ := store.Snapshot()
	if _, ok := doc.Get("/alerts/active/anchor-drag"); !ok {
		t.Fatal("anchor drag alert not raised")
	}
	dragging, _ := doc.Get("/anchor/dragging")
	if b, _ := dragging.Bool(); !b {
		t.Error("/anchor/dragging not set")
	}

	// Drifting back inside 0.9 × range resolves it.
	m.onPosition(event(t, bus.PositionUpdate{
		Latitude: 40.7129, Longitude: -74.0060,
		Source: "gps", Timestamp: time.Now().UTC().Add(time.Second),
	}))

	doc, _ = store.Snapshot()
	if _, ok := doc.Get("/alerts/active/anchor-drag"); ok {
		t.Error("alert still active after returning inside range")
	}
	if _, ok := doc.Get("/alerts/resolved/anchor-drag"); !ok {
		t.Error("alert not moved to resolved")
	}
}

func TestAnchorRaiseClearsLocation(t *testing.T) {
	m, store, _ := newTestManager(t)

	res := m.handleAnchorCommand(command(t, map[string]any{
		"deployed": true,
		"location": map[string]any{"latitude": 40.7128, "longitude": -74.0060},
	}))
	if !res.Success {
		t.Fatalf("deploy failed: %s", res.Detail)
	}

	res = m.handleAnchorCommand(command(t, map[string]any{"deployed": false}))
	if !res.Success {
		t.Fatalf("raise failed: %s", res.Detail)
	}

	doc, _ := store.Snapshot()
	deployed, _ := doc.Get("/anchor/deployed")
	if b, _ := deployed.Bool(); b {
		t.Error("anchor still deployed")
	}
	loc, ok := doc.Get("/anchor/location")
	if !ok {
		t.Fatal("/anchor/location missing")
	}
	if v, isScalar := loc.Scalar(); !isScalar || v != nil {
		t.Errorf("location = %v, want null", v)
	}
}

func TestAnchorDeployFallsBackToCurrentPosition(t *testing.T) {
	m, store, _ := newTestManager(t)

	// Without a fix, deployment has nowhere to anchor.
	res := m.handleAnchorCommand(command(t, map[string]any{"deployed": true}))
	if res.Success {
		t.Fatal("deploy without position succeeded")
	}

	m.onPosition(event(t, bus.PositionUpdate{
		Latitude: 40.7128, Longitude: -74.0060,
		Source: "gps", Timestamp: time.Now().UTC(),
	}))

	res = m.handleAnchorCommand(command(t, map[string]any{"deployed": true}))
	if !res.Success {
		t.Fatalf("deploy with fix failed: %s", res.Detail)
	}
	doc, _ := store.Snapshot()
	loc, _ := doc.Get("/anchor/location")
	lat, _ := loc.Field("latitude")
	if v, _ := lat.Float(); v != 40.7128 {
		t.Errorf("anchor latitude = %v, want vessel position", v)
	}
}

func TestAlertCommandLifecycle(t *testing.T) {
	m, store, _ := newTestManager(t)

	// Seed an active alert.
	if _, err := store.ApplyPatch(state.Patch{state.Add("/alerts/active/test-alert", map[string]any{
		"id": "test-alert", "level": "warning", "acknowledged": false,
	})}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res := m.handleAlertCommand(command(t, map[string]any{"id": "test-alert", "action": "acknowledge"}))
	if !res.Success {
		t.Fatalf("acknowledge failed: %s", res.Detail)
	}
	doc, _ := store.Snapshot()
	acked, _ := doc.Get("/alerts/active/test-alert/acknowledged")
	if b, _ := acked.Bool(); !b {
		t.Error("alert not acknowledged")
	}

	res = m.handleAlertCommand(command(t, map[string]any{"id": "test-alert", "action": "resolve"}))
	if !res.Success {
		t.Fatalf("resolve failed: %s", res.Detail)
	}
	doc, _ = store.Snapshot()
	if _, ok := doc.Get("/alerts/active/test-alert"); ok {
		t.Error("alert still active after resolve")
	}
	if _, ok := doc.Get("/alerts/resolved/test-alert"); !ok {
		t.Error("alert not in resolved")
	}
}

func TestAlertCommandValidation(t *testing.T) {
	m, _, _ := newTestManager(t)

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing id", map[string]any{"action": "acknowledge"}},
		{"unknown alert", map[string]any{"id": "ghost", "action": "acknowledge"}},
		{"unknown action", map[string]any{"id": "ghost", "action": "defenestrate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := m.handleAlertCommand(command(t, tt.payload)); res.Success {
				t.Error("expected failure")
			}
		})
	}
}

func TestBluetoothToggleFlipsAndPublishes(t *testing.T) {
	m, store, b := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	commands, err := b.Subscribe(ctx, bus.TopicBluetoothCommand)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msg := command(t, map[string]any{})
	msg.Action = "toggle"
	if res := m.handleBluetoothCommand(msg); !res.Success {
		t.Fatalf("toggle failed: %s", res.Detail)
	}

	doc, _ := store.Snapshot()
	enabled, _ := doc.Get("/bluetooth/enabled")
	if v, _ := enabled.Bool(); !v {
		t.Error("first toggle should enable")
	}

	select {
	case raw := <-commands:
		cmd, err := bus.Decode[bus.BluetoothCommand](raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if cmd.Action != "toggle" || !cmd.Enabled {
			t.Errorf("command = %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("no bluetooth command published")
	}

	// Second toggle flips back.
	if res := m.handleBluetoothCommand(msg); !res.Success {
		t.Fatalf("second toggle failed: %s", res.Detail)
	}
	doc, _ = store.Snapshot()
	enabled, _ = doc.Get("/bluetooth/enabled")
	if v, _ := enabled.Bool(); v {
		t.Error("second toggle should disable")
	}
}

func TestBluetoothSelectRequiresKnownDevice(t *testing.T) {
	m, store, _ := newTestManager(t)

	msg := command(t, map[string]any{"deviceId": "AA:BB"})
	msg.Action = "select-device"
	if res := m.handleBluetoothCommand(msg); res.Success {
		t.Error("selected a device that does not exist")
	}

	m.onDeviceDiscovered(event(t, bus.DeviceDiscovered{
		ID: "AA:BB", Name: "Cabin Sensor", RSSI: -60, Timestamp: time.Now().UTC(),
	}))
	if res := m.handleBluetoothCommand(msg); !res.Success {
		t.Fatalf("select failed: %s", res.Detail)
	}

	doc, _ := store.Snapshot()
	selected, _ := doc.Get("/bluetooth/devices/AA:BB/selected")
	if v, _ := selected.Bool(); !v {
		t.Error("device not selected")
	}
}

func TestBluetoothRename(t *testing.T) {
	m, store, _ := newTestManager(t)

	m.onDeviceDiscovered(event(t, bus.DeviceDiscovered{
		ID: "AA:BB", Name: "Cabin Sensor", RSSI: -60, Timestamp: time.Now().UTC(),
	}))

	msg := command(t, map[string]any{"deviceId": "AA:BB", "name": "Galley Sensor"})
	msg.Action = "rename-device"
	if res := m.handleBluetoothCommand(msg); !res.Success {
		t.Fatalf("rename failed: %s", res.Detail)
	}

	doc, _ := store.Snapshot()
	name, _ := doc.Get("/bluetooth/devices/AA:BB/name")
	if s, _ := name.String(); s != "Galley Sensor" {
		t.Errorf("name = %q", s)
	}

	// Renaming an unknown device fails.
	ghost := command(t, map[string]any{"deviceId": "ZZ:ZZ", "name": "Ghost"})
	ghost.Action = "rename-device"
	if res := m.handleBluetoothCommand(ghost); res.Success {
		t.Error("renamed an unknown device")
	}
}

func TestOnDeviceDataWritesMeasurements(t *testing.T) {
	m, store, _ := newTestManager(t)
	now := time.Now().UTC()

	m.onDeviceData(event(t, bus.DeviceData{
		ID: "AA:BB",
		Readings: []bus.SensorReading{
			{Name: "temperature", Value: 19.5, Units: "degC", Timestamp: now, Source: "ruuvi:AA:BB"},
			{Name: "humidity", Value: 54.0, Units: "%", Timestamp: now, Source: "ruuvi:AA:BB"},
		},
	}))

	doc, _ := store.Snapshot()
	temp, ok := doc.Get("/bluetooth/devices/AA:BB/sensorData/temperature")
	if !ok {
		t.Fatal("temperature reading not written")
	}
	if v, _ := temp.Float(); v != 19.5 {
		t.Errorf("temperature = %v", v)
	}
}

func TestOnSystemsWritesVesselSubtree(t *testing.T) {
	m, store, _ := newTestManager(t)
	now := time.Now().UTC()

	m.onSystems(event(t, bus.SystemsUpdate{
		Kind: "batteries",
		ID:   "house",
		Readings: []bus.SensorReading{
			{Name: "voltage", Value: 12.8, Units: "V", Timestamp: now, Source: "modbus:house"},
		},
	}))

	doc, _ := store.Snapshot()
	v, ok := doc.Get("/vessel/systems/batteries/house/voltage")
	if !ok {
		t.Fatal("battery voltage not written")
	}
	if f, _ := v.Float(); f != 12.8 {
		t.Errorf("voltage = %v", f)
	}
}

func TestOnProducerErrorSafetyAlert(t *testing.T) {
	m, store, _ := newTestManager(t)

	m.onProducerError(event(t, bus.ProducerError{
		Producer: "position", Message: "no fix for 10s", Safety: true, Timestamp: time.Now().UTC(),
	}))
	doc, _ := store.Snapshot()
	if _, ok := doc.Get("/alerts/active/producer-position"); !ok {
		t.Error("safety failure did not raise an alert")
	}

	// Non-safety errors only log.
	m.onProducerError(event(t, bus.ProducerError{
		Producer: "weather", Message: "fetch failed", Safety: false, Timestamp: time.Now().UTC(),
	}))
	doc, _ = store.Snapshot()
	if _, ok := doc.Get("/alerts/active/producer-weather"); ok {
		t.Error("non-safety failure raised an alert")
	}
}

func TestOnPlaybackReplaysOps(t *testing.T) {
	m, store, _ := newTestManager(t)

	m.onPlayback(event(t, bus.PlaybackPatch{
		Ops: []bus.PlaybackOp{
			{Op: "add", Path: "/vessel/name", Value: "Tern"},
			{Op: "add", Path: "/navigation/headingTrue", Value: 182.0},
		},
		RecordedAt: time.Now().UTC(),
	}))

	doc, _ := store.Snapshot()
	if _, ok := doc.Get("/vessel/name"); !ok {
		t.Error("playback op not applied")
	}
	if _, ok := doc.Get("/navigation/headingTrue"); !ok {
		t.Error("second playback op not applied")
	}
}
