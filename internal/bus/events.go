// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package bus

import "time"

// PositionUpdate is published on TopicPositionUpdate by the position
// producer after source arbitration.
type PositionUpdate struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SOG       *float64  `json:"sog,omitempty"`     // knots
	COG       *float64  `json:"cog,omitempty"`     // degrees true
	Heading   *float64  `json:"heading,omitempty"` // degrees true
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// HourlyForecast is one hour of a weather forecast.
type HourlyForecast struct {
	Time          time.Time `json:"time"`
	TemperatureC  float64   `json:"temperatureC"`
	WindSpeedKts  float64   `json:"windSpeedKts"`
	WindDirDeg    float64   `json:"windDirDeg"`
	GustKts       float64   `json:"gustKts,omitempty"`
	PressureHPa   float64   `json:"pressureHPa,omitempty"`
	Precipitation float64   `json:"precipitation,omitempty"`
}

// WeatherUpdate is published on TopicWeatherUpdate after a successful
// forecast fetch.
type WeatherUpdate struct {
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
	Hourly    []HourlyForecast `json:"hourly"`
	FetchedAt time.Time        `json:"fetchedAt"`
	Source    string           `json:"source"`
}

// TideExtreme is a single predicted high or low water.
type TideExtreme struct {
	Type    string    `json:"type"` // "high" | "low"
	HeightM float64   `json:"heightM"`
	Time    time.Time `json:"time"`
}

// TideUpdate is published on TopicTideUpdate.
type TideUpdate struct {
	Station   string        `json:"station,omitempty"`
	Extremes  []TideExtreme `json:"extremes"`
	FetchedAt time.Time     `json:"fetchedAt"`
	Source    string        `json:"source"`
}

// SensorReading is one named measurement from a device or system.
type SensorReading struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Units     string    `json:"units,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// DeviceDiscovered is published once per unique Bluetooth device.
type DeviceDiscovered struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	RSSI         int       `json:"rssi"`
	Timestamp    time.Time `json:"timestamp"`
}

// DeviceUpdated is published when device metadata changes.
type DeviceUpdated struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	RSSI      int       `json:"rssi"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceData carries new sensor readings from a Bluetooth device.
type DeviceData struct {
	ID       string          `json:"id"`
	Readings []SensorReading `json:"readings"`
}

// ScanStatus reports Bluetooth scan start/stop.
type ScanStatus struct {
	Active    bool      `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemsUpdate carries tank, battery, or engine readings from the Modbus
// producer. Kind selects the vessel.systems subtree.
type SystemsUpdate struct {
	Kind     string          `json:"kind"` // "tanks" | "batteries" | "engines"
	ID       string          `json:"id"`
	Readings []SensorReading `json:"readings"`
}

// PlaybackPatch replays a recorded patch verbatim.
type PlaybackPatch struct {
	Ops        []PlaybackOp `json:"ops"`
	RecordedAt time.Time    `json:"recordedAt"`
}

// PlaybackOp mirrors a state patch operation in recorded form.
type PlaybackOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// ProducerError surfaces a producer failure. Safety-relevant errors are
// carried into alerts.active by the state manager.
type ProducerError struct {
	Producer  string    `json:"producer"`
	Message   string    `json:"message"`
	Safety    bool      `json:"safety"`
	Timestamp time.Time `json:"timestamp"`
}

// BluetoothCommand instructs the Bluetooth producer.
type BluetoothCommand struct {
	Action   string `json:"action"` // "toggle" | "scan-start" | "scan-stop"
	Enabled  bool   `json:"enabled,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}
