// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package hub

// State is the hub connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakeSent
	StateAuthenticated
	StateLive
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake-sent"
	case StateAuthenticated:
		return "authenticated"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
