// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package models

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestDataTypeForPath(t *testing.T) {
	tests := []struct {
		path string
		want DataType
	}{
		{"/navigation/position", DataNavigation},
		{"/navigation", DataNavigation},
		{"/environment/outside/temperature", DataEnvironment},
		{"/bluetooth/devices/AA:BB", DataBluetooth},
		{"/alerts/active/anchor-drag", DataAlerts},
		{"/anchor/deployed", DataAnchor},
		{"/vessel/name", DataVessel},
		{"/systems/battery-1/voltage", DataVessel}, // unknown root is catch-all
		{"/", DataVessel},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := DataTypeForPath(tt.path); got != tt.want {
				t.Errorf("DataTypeForPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		dt   DataType
		want Priority
	}{
		{DataAlerts, PriorityHigh},
		{DataAnchor, PriorityHigh},
		{DataEnvironment, PriorityLow},
		{DataNavigation, PriorityNormal},
		{DataVessel, PriorityNormal},
		{DataBluetooth, PriorityNormal},
	}
	for _, tt := range tests {
		if got := PriorityFor(tt.dt); got != tt.want {
			t.Errorf("PriorityFor(%s) = %v, want %v", tt.dt, got, tt.want)
		}
	}
}

func TestProfileByName(t *testing.T) {
	tests := []struct {
		name   string
		wantOK bool
		mult   float64
	}{
		{"NORMAL", true, 1.0},
		{"normal", true, 1.0}, // case-insensitive
		{"HIGH_SPEED", true, 0.5},
		{"ANCHORED", true, 2.0},
		{"POWER_SAVING", true, 4.0},
		{"RACING", false, 0},
		{"", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := ProfileByName(tt.name)
			if ok != tt.wantOK {
				t.Fatalf("ProfileByName(%q) ok = %v, want %v", tt.name, ok, tt.wantOK)
			}
			if ok && p.Multiplier != tt.mult {
				t.Errorf("multiplier = %v, want %v", p.Multiplier, tt.mult)
			}
		})
	}
}

func TestClientMessageKind(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"type field", `{"type":"ping"}`, "ping"},
		{"service action encoding", `{"serviceName":"state","action":"anchor:update"}`, "anchor:update"},
		{"type wins over action", `{"type":"ping","serviceName":"state","action":"anchor:update"}`, "ping"},
		{"foreign service ignored", `{"serviceName":"media","action":"play"}`, ""},
		{"empty frame", `{}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg ClientMessage
			if err := json.Unmarshal([]byte(tt.raw), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.Kind(); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsBluetoothCommand(t *testing.T) {
	tests := []struct {
		kind       string
		wantAction string
		wantOK     bool
	}{
		{"bluetooth:toggle", "toggle", true},
		{"bluetooth:scan", "scan", true},
		{"bluetooth:select-device", "select-device", true},
		{"bluetooth:deselect-device", "deselect-device", true},
		{"bluetooth:rename-device", "rename-device", true},
		{"bluetooth:explode", "explode", false},
		{"anchor:update", "", false},
		{"bluetooth:", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			action, ok := IsBluetoothCommand(tt.kind)
			if ok != tt.wantOK {
				t.Fatalf("IsBluetoothCommand(%q) ok = %v, want %v", tt.kind, ok, tt.wantOK)
			}
			if ok && action != tt.wantAction {
				t.Errorf("action = %q, want %q", action, tt.wantAction)
			}
		})
	}
}

func TestServerMessageEncoding(t *testing.T) {
	yes := true
	msg := ServerMessage{Type: TypePatch, Version: 7, Success: &yes}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != TypePatch {
		t.Errorf("type = %v", decoded["type"])
	}
	if _, present := decoded["boatId"]; present {
		t.Error("empty boatId should be omitted from the wire")
	}
	if decoded["success"] != true {
		t.Errorf("success = %v, want true", decoded["success"])
	}
	if !(&ServerMessage{Type: TypeFullUpdate}).IsSnapshot() {
		t.Error("full update should be a snapshot frame")
	}
	if (&ServerMessage{Type: TypePatch}).IsSnapshot() {
		t.Error("patch is not a snapshot frame")
	}
}
