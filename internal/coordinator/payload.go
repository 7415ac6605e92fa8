// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package coordinator

import (
	"fmt"

	"github.com/goccy/go-json"
)

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty command payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode command payload: %w", err)
	}
	return nil
}
