// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package statemanager

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/models"
	"github.com/tomtom215/pelorus/internal/state"
)

type anchorPayload struct {
	Deployed      bool     `json:"deployed"`
	CriticalRange *float64 `json:"criticalRange,omitempty"`
	Location      *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location,omitempty"`
}

// handleAnchorCommand processes anchor:update. Raising the anchor
// (deployed=false) nulls the drop location and clears any drag state in the
// same atomic patch.
func (m *Manager) handleAnchorCommand(msg *models.ClientMessage) models.CommandResult {
	var payload anchorPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return models.CommandResult{Success: false, Detail: "invalid anchor payload"}
	}

	patch := state.Patch{state.Add("/anchor/deployed", payload.Deployed)}
	if payload.Deployed {
		location := any(nil)
		if payload.Location != nil {
			location = map[string]any{
				"latitude":  payload.Location.Latitude,
				"longitude": payload.Location.Longitude,
			}
		} else if lat, lon, ok := position(m.snapshot(), "/navigation/position"); ok {
			// No explicit drop point: anchor where the vessel is.
			location = map[string]any{"latitude": lat, "longitude": lon}
		}
		if location == nil {
			return models.CommandResult{Success: false, Detail: "anchor location unknown"}
		}
		patch = append(patch, state.Add("/anchor/location", location))
		if payload.CriticalRange != nil {
			patch = append(patch, state.Add("/anchor/criticalRange", *payload.CriticalRange))
		}
		patch = append(patch, state.Add("/anchor/dragging", false))
	} else {
		patch = append(patch,
			state.Add("/anchor/location", nil),
			state.Add("/anchor/dragging", false),
		)
		patch = append(patch, resolveAlertOps(m.snapshot(), anchorDragAlertID)...)
	}

	if err := m.apply(patch); err != nil {
		return models.CommandResult{Success: false, Detail: err.Error()}
	}
	return models.CommandResult{Success: true}
}

type alertPayload struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// handleAlertCommand processes alert:update: acknowledge, resolve, or mute
// an active alert.
func (m *Manager) handleAlertCommand(msg *models.ClientMessage) models.CommandResult {
	var payload alertPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return models.CommandResult{Success: false, Detail: "invalid alert payload"}
	}
	if payload.ID == "" {
		return models.CommandResult{Success: false, Detail: "alert id required"}
	}

	doc := m.snapshot()
	base := "/alerts/active/" + escapeSegment(payload.ID)
	if _, ok := doc.Get(base); !ok {
		return models.CommandResult{Success: false, Detail: "unknown alert " + payload.ID}
	}

	var patch state.Patch
	switch payload.Action {
	case "acknowledge":
		patch = state.Patch{
			state.Add(base+"/acknowledged", true),
			state.Add(base+"/acknowledgedAt", time.Now().UnixMilli()),
		}
	case "mute":
		patch = state.Patch{state.Add(base+"/muted", true)}
	case "resolve":
		patch = resolveAlertOps(doc, payload.ID)
	default:
		return models.CommandResult{Success: false, Detail: "unknown alert action " + payload.Action}
	}

	if err := m.apply(patch); err != nil {
		return models.CommandResult{Success: false, Detail: err.Error()}
	}
	return models.CommandResult{Success: true}
}

type bluetoothPayload struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Name     string `json:"name,omitempty"`
}

// handleBluetoothCommand processes the bluetooth:<action> family. State
// changes go through the store; hardware-facing actions are forwarded to the
// bluetooth producer over the bus.
func (m *Manager) handleBluetoothCommand(msg *models.ClientMessage) models.CommandResult {
	var payload bluetoothPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return models.CommandResult{Success: false, Detail: "invalid bluetooth payload"}
		}
	}

	switch msg.Action {
	case "toggle":
		enabled := true
		if payload.Enabled != nil {
			enabled = *payload.Enabled
		} else if node, ok := m.snapshot().Get("/bluetooth/enabled"); ok {
			if current, isBool := node.Bool(); isBool {
				enabled = !current
			}
		}
		if err := m.apply(state.Patch{state.Add("/bluetooth/enabled", enabled)}); err != nil {
			return models.CommandResult{Success: false, Detail: err.Error()}
		}
		m.publishBluetooth(bus.BluetoothCommand{Action: "toggle", Enabled: enabled})
		return models.CommandResult{Success: true}

	case "scan":
		action := "scan-start"
		if payload.Enabled != nil && !*payload.Enabled {
			action = "scan-stop"
		}
		m.publishBluetooth(bus.BluetoothCommand{Action: action})
		return models.CommandResult{Success: true}

	case "select-device", "deselect-device":
		if payload.DeviceID == "" {
			return models.CommandResult{Success: false, Detail: "deviceId required"}
		}
		selected := msg.Action == "select-device"
		path := "/bluetooth/devices/" + escapeSegment(payload.DeviceID) + "/selected"
		if err := m.apply(state.Patch{state.Add(path, selected)}); err != nil {
			return models.CommandResult{Success: false, Detail: err.Error()}
		}
		m.publishBluetooth(bus.BluetoothCommand{Action: msg.Action, DeviceID: payload.DeviceID})
		return models.CommandResult{Success: true}

	case "rename-device":
		if payload.DeviceID == "" || payload.Name == "" {
			return models.CommandResult{Success: false, Detail: "deviceId and name required"}
		}
		doc := m.snapshot()
		base := "/bluetooth/devices/" + escapeSegment(payload.DeviceID)
		if _, ok := doc.Get(base); !ok {
			return models.CommandResult{Success: false, Detail: "unknown device " + payload.DeviceID}
		}
		if err := m.apply(state.Patch{state.Add(base+"/name", payload.Name)}); err != nil {
			return models.CommandResult{Success: false, Detail: err.Error()}
		}
		return models.CommandResult{Success: true}

	default:
		return models.CommandResult{Success: false, Detail: "unknown bluetooth action " + msg.Action}
	}
}

func (m *Manager) snapshot() *state.Node {
	doc, _ := m.store.Snapshot()
	return doc
}

func (m *Manager) publishBluetooth(cmd bus.BluetoothCommand) {
	if err := m.bus.Publish(bus.TopicBluetoothCommand, cmd); err != nil {
		logging.Warn().Err(err).Str("action", cmd.Action).Msg("bluetooth command publish failed")
	}
}
