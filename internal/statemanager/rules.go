// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package statemanager

import (
	"math"
	"strings"
	"time"

	"github.com/tomtom215/pelorus/internal/metrics"
	"github.com/tomtom215/pelorus/internal/state"
)

// Rule derives additional patches from the current document and the last
// accepted patch. Rules are pure: same inputs, same output. The manager
// runs them once per accepted patch and never on their own output.
type Rule func(doc *state.Node, applied state.Patch) state.Patch

const (
	anchorDragAlertID = "anchor-drag"

	// Proximity alerting radius for AIS targets, meters.
	defaultProximityRangeM = 500.0

	// Hysteresis: a drag alert resolves below criticalRange × resolveRatio.
	resolveRatio = 0.9
)

// AnchorDragRule raises an anchor_dragging alert when the vessel moves
// beyond criticalRange from the recorded drop location, and resolves it
// once the distance falls below criticalRange × 0.9.
func AnchorDragRule(doc *state.Node, applied state.Patch) state.Patch {
	if !touchesAny(applied, "/navigation/position", "/anchor") {
		return nil
	}

	deployed, ok := docBool(doc, "/anchor/deployed")
	if !ok || !deployed {
		return nil
	}
	anchorLat, anchorLon, ok := position(doc, "/anchor/location")
	if !ok {
		return nil
	}
	lat, lon, ok := position(doc, "/navigation/position")
	if !ok {
		return nil
	}
	criticalRange, ok := docFloat(doc, "/anchor/criticalRange")
	if !ok || criticalRange <= 0 {
		return nil
	}

	distance := haversineM(lat, lon, anchorLat, anchorLon)
	_, alertActive := doc.Get("/alerts/active/" + anchorDragAlertID)

	switch {
	case distance > criticalRange && !alertActive:
		metrics.RuleAlerts.WithLabelValues("anchor_dragging").Inc()
		patch := state.Patch{
			state.Add("/alerts/active/"+anchorDragAlertID, alertBody(
				anchorDragAlertID, "warning", "anchor_dragging",
				"vessel has moved beyond the anchor critical range",
			)),
			state.Add("/anchor/dragging", true),
		}
		// Stale resolution entry from an earlier drag episode clears out so
		// active/resolved stay disjoint.
		if _, resolved := doc.Get("/alerts/resolved/" + anchorDragAlertID); resolved {
			patch = append(state.Patch{state.Remove("/alerts/resolved/" + anchorDragAlertID)}, patch...)
		}
		return patch

	case distance < criticalRange*resolveRatio && alertActive:
		return resolveAlertOps(doc, anchorDragAlertID)
	}
	return nil
}

// ProximityRule raises ais_proximity alerts for AIS targets inside the
// proximity range and resolves them with 10% hysteresis.
func ProximityRule(doc *state.Node, applied state.Patch) state.Patch {
	if !touchesAny(applied, "/navigation/position", "/navigation/ais") {
		return nil
	}
	lat, lon, ok := position(doc, "/navigation/position")
	if !ok {
		return nil
	}
	targets, ok := doc.Get("/navigation/ais/targets")
	if !ok {
		return nil
	}

	rangeM := defaultProximityRangeM
	if configured, ok := docFloat(doc, "/navigation/ais/proximityRange"); ok && configured > 0 {
		rangeM = configured
	}

	var out state.Patch
	for id, target := range targets.Fields() {
		tLat, tLon, ok := nodePosition(target)
		if !ok {
			continue
		}
		distance := haversineM(lat, lon, tLat, tLon)
		alertID := "ais-proximity-" + id
		seg := escapeSegment(alertID)
		_, alertActive := doc.Get("/alerts/active/" + seg)

		switch {
		case distance < rangeM && !alertActive:
			metrics.RuleAlerts.WithLabelValues("ais_proximity").Inc()
			if _, resolved := doc.Get("/alerts/resolved/" + seg); resolved {
				out = append(out, state.Remove("/alerts/resolved/"+seg))
			}
			out = append(out, state.Add("/alerts/active/"+seg, alertBody(
				alertID, "warning", "ais_proximity",
				"AIS target "+id+" inside proximity range",
			)))
		case distance > rangeM*1.1 && alertActive:
			out = append(out, resolveAlertOps(doc, alertID)...)
		}
	}
	return out
}

// resolveAlertOps migrates an alert from active to resolved.
func resolveAlertOps(doc *state.Node, id string) state.Patch {
	seg := escapeSegment(id)
	active, ok := doc.Get("/alerts/active/" + seg)
	if !ok {
		return nil
	}
	resolved := active.ToValue()
	if body, isMap := resolved.(map[string]any); isMap {
		body["resolvedAt"] = time.Now().UnixMilli()
	}
	patch := state.Patch{
		state.Remove("/alerts/active/" + seg),
		state.Add("/alerts/resolved/"+seg, resolved),
	}
	if id == anchorDragAlertID {
		patch = append(patch, state.Add("/anchor/dragging", false))
	}
	return patch
}

func alertBody(id, level, trigger, message string) map[string]any {
	return map[string]any{
		"id":           id,
		"level":        level,
		"trigger":      trigger,
		"message":      message,
		"createdAt":    time.Now().UnixMilli(),
		"acknowledged": false,
	}
}

// touchesAny reports whether any applied op falls under one of the
// prefixes.
func touchesAny(applied state.Patch, prefixes ...string) bool {
	for _, op := range applied {
		for _, prefix := range prefixes {
			if op.Path == prefix || strings.HasPrefix(op.Path, prefix+"/") {
				return true
			}
		}
	}
	return false
}

// position extracts {latitude, longitude} from a measurement or plain
// object at the path.
func position(doc *state.Node, path string) (lat, lon float64, ok bool) {
	node, found := doc.Get(path)
	if !found {
		return 0, 0, false
	}
	return nodePosition(node)
}

func nodePosition(node *state.Node) (lat, lon float64, ok bool) {
	if m, isMeas := node.Measurement(); isMeas {
		coords, isMap := m.Value.(map[string]any)
		if !isMap {
			return 0, 0, false
		}
		lat, latOK := asFloat(coords["latitude"])
		lon, lonOK := asFloat(coords["longitude"])
		return lat, lon, latOK && lonOK
	}
	latNode, _ := node.Field("latitude")
	lonNode, _ := node.Field("longitude")
	lat, latOK := latNode.Float()
	lon, lonOK := lonNode.Float()
	return lat, lon, latOK && lonOK
}

func asFloat(v any) (float64, bool) {
	switch num := v.(type) {
	case float64:
		return num, true
	case int:
		return float64(num), true
	case int64:
		return float64(num), true
	default:
		return 0, false
	}
}

func docBool(doc *state.Node, path string) (bool, bool) {
	node, ok := doc.Get(path)
	if !ok {
		return false, false
	}
	return node.Bool()
}

func docFloat(doc *state.Node, path string) (float64, bool) {
	node, ok := doc.Get(path)
	if !ok {
		return 0, false
	}
	return node.Float()
}

const earthRadiusM = 6371000.0

// haversineM computes the great-circle distance between two coordinates in
// meters.
func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// escapeSegment applies RFC 6901 escaping to a path segment.
func escapeSegment(seg string) string {
	seg = strings.ReplaceAll(seg, "~", "~0")
	return strings.ReplaceAll(seg, "/", "~1")
}
