// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package bus

import (
	"io"

	"github.com/tomtom215/pelorus/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}
