// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package models

import "strings"

// DataType identifies a top-level group of the state document. Throttling
// intervals and client subscriptions are keyed by data type.
type DataType string

// Top-level groups of the state document.
const (
	DataNavigation  DataType = "navigation"
	DataEnvironment DataType = "environment"
	DataVessel      DataType = "vessel"
	DataBluetooth   DataType = "bluetooth"
	DataAlerts      DataType = "alerts"
	DataAnchor      DataType = "anchor"
)

// AllDataTypes lists every top-level group. A subscriber with no explicit
// subscription set receives all of them.
var AllDataTypes = []DataType{
	DataNavigation, DataEnvironment, DataVessel,
	DataBluetooth, DataAlerts, DataAnchor,
}

// DataTypeForPath maps a JSON-pointer path to its top-level group.
// Unknown roots map onto DataVessel, the catch-all group.
func DataTypeForPath(path string) DataType {
	trimmed := strings.TrimPrefix(path, "/")
	root, _, _ := strings.Cut(trimmed, "/")
	switch DataType(root) {
	case DataNavigation, DataEnvironment, DataBluetooth, DataAlerts, DataAnchor:
		return DataType(root)
	default:
		return DataVessel
	}
}

// Priority orders send urgency. HIGH bypasses coalescing entirely.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// PriorityFor returns the send priority of a data type. Alerts and anchor
// state are safety-relevant and always go out immediately.
func PriorityFor(dt DataType) Priority {
	switch dt {
	case DataAlerts, DataAnchor:
		return PriorityHigh
	case DataEnvironment:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ProfileName is a vessel-mode profile identifier.
type ProfileName string

// Vessel-mode profiles.
const (
	ProfileNormal      ProfileName = "NORMAL"
	ProfileHighSpeed   ProfileName = "HIGH_SPEED"
	ProfileAnchored    ProfileName = "ANCHORED"
	ProfilePowerSaving ProfileName = "POWER_SAVING"
)

// Profile names a base-interval multiplier and per-priority boost factors.
type Profile struct {
	Name          ProfileName
	Multiplier    float64
	PriorityBoost map[Priority]float64
}

var profiles = map[ProfileName]Profile{
	ProfileNormal: {
		Name:          ProfileNormal,
		Multiplier:    1.0,
		PriorityBoost: map[Priority]float64{PriorityHigh: 0.25, PriorityNormal: 1.0, PriorityLow: 2.0},
	},
	ProfileHighSpeed: {
		Name:          ProfileHighSpeed,
		Multiplier:    0.5,
		PriorityBoost: map[Priority]float64{PriorityHigh: 0.25, PriorityNormal: 1.0, PriorityLow: 2.0},
	},
	ProfileAnchored: {
		Name:          ProfileAnchored,
		Multiplier:    2.0,
		PriorityBoost: map[Priority]float64{PriorityHigh: 0.25, PriorityNormal: 1.0, PriorityLow: 1.5},
	},
	ProfilePowerSaving: {
		Name:          ProfilePowerSaving,
		Multiplier:    4.0,
		PriorityBoost: map[Priority]float64{PriorityHigh: 0.5, PriorityNormal: 1.5, PriorityLow: 2.0},
	},
}

// ProfileByName resolves a profile, reporting whether the name is known.
func ProfileByName(name string) (Profile, bool) {
	p, ok := profiles[ProfileName(strings.ToUpper(name))]
	return p, ok
}

// DefaultProfile is the profile in effect before any vessel-mode selection.
func DefaultProfile() Profile {
	return profiles[ProfileNormal]
}

// LinkStatus classifies measured link quality.
type LinkStatus string

// Link quality classes.
const (
	LinkGood LinkStatus = "GOOD"
	LinkFair LinkStatus = "FAIR"
	LinkPoor LinkStatus = "POOR"
)

// LinkQuality is the exponentially-smoothed measurement of the hub link,
// refreshed from ping/pong round trips.
type LinkQuality struct {
	LatencyMs     float64    `json:"latencyMs"`
	PacketLossPct float64    `json:"packetLossPct"`
	Status        LinkStatus `json:"status"`
}
