// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package models holds the wire message types shared by both transports and
// the throttling vocabulary (data types, priorities, profiles, link quality).
package models

import (
	"strings"

	"github.com/goccy/go-json"
)

// Server-to-client and hub frame types.
const (
	TypeFullUpdate       = "state:full-update"
	TypePatch            = "state:patch"
	TypeTideUpdate       = "tide:update"
	TypeWeatherUpdate    = "weather:update"
	TypeAnchorAck        = "anchor:update:ack"
	TypeAlertAck         = "alert:update:ack"
	TypeBluetoothResp    = "bluetooth:response"
	TypePong             = "pong"
	TypeRegister         = "register"
	TypeIdentity         = "identity"
	TypeRegisterKey      = "register-key"
	TypePing             = "ping"
	TypeConnectionStatus = "connectionStatus"
	TypeClientConnected  = "client-connected"
	TypeClientDisconnect = "client-disconnected"
	TypeGetFullState     = "get-full-state"
	TypeSubscription     = "subscription"
	TypeAnchorUpdate     = "anchor:update"
	TypeAlertUpdate      = "alert:update"
)

// BluetoothActions enumerates the accepted bluetooth:<action> suffixes.
var BluetoothActions = map[string]bool{
	"toggle":          true,
	"scan":            true,
	"select-device":   true,
	"deselect-device": true,
	"rename-device":   true,
}

// ServerMessage is an outbound JSON frame. One struct covers both the LAN
// and hub wire formats; unused fields are omitted from the encoding.
type ServerMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Version   uint64 `json:"version,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// Hub handshake and routing fields.
	BoatID    string   `json:"boatId,omitempty"`
	BoatIDs   []string `json:"boatIds,omitempty"`
	Role      string   `json:"role,omitempty"`
	Signature string   `json:"signature,omitempty"`
	PublicKey string   `json:"publicKey,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	ClientID  string   `json:"clientId,omitempty"`
	Echo      int64    `json:"echo,omitempty"`
	Success   *bool    `json:"success,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

// IsSnapshot reports whether the frame carries a full state snapshot.
// Snapshot frames are exempt from queue eviction.
func (m *ServerMessage) IsSnapshot() bool {
	return m.Type == TypeFullUpdate
}

// ClientMessage is an inbound JSON frame from a local or remote client, or a
// control frame from the hub itself.
type ClientMessage struct {
	Type        string          `json:"type"`
	Action      string          `json:"action,omitempty"`
	ServiceName string          `json:"serviceName,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
	ClientID    string          `json:"clientId,omitempty"`
	BoatID      string          `json:"boatId,omitempty"`
	ClientCount *int            `json:"clientCount,omitempty"`
	Echo        int64           `json:"echo,omitempty"`
}

// Kind normalizes the two accepted command encodings. A frame may carry the
// command in `type`, or as `{serviceName: "state", action: "..."}`.
func (m *ClientMessage) Kind() string {
	if m.Type != "" {
		return m.Type
	}
	if m.ServiceName == "state" {
		return m.Action
	}
	return ""
}

// IsBluetoothCommand reports whether the kind is a known bluetooth:<action>
// command, returning the action suffix.
func IsBluetoothCommand(kind string) (string, bool) {
	action, found := strings.CutPrefix(kind, "bluetooth:")
	if !found {
		return "", false
	}
	return action, BluetoothActions[action]
}

// CommandResult is returned by StateManager command handlers.
type CommandResult struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}
