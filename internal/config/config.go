// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package config holds all application configuration loaded from defaults,
// an optional YAML file, and environment variables, in that precedence
// order (env wins).
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all optional settings
//  2. Config File: Optional YAML config file (config.yaml)
//  3. Environment Variables: Override any setting
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/pelorus/internal/producers"
)

// Config is the full application configuration.
type Config struct {
	Hub       HubConfig       `koanf:"hub"`
	Direct    DirectConfig    `koanf:"direct"`
	Throttle  ThrottleConfig  `koanf:"throttle"`
	Producers ProducersConfig `koanf:"producers"`
	Identity  IdentityConfig  `koanf:"identity"`
	Recording RecordingConfig `koanf:"recording"`
	NATS      NATSConfig      `koanf:"nats"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// HubConfig configures the outbound hub connection.
type HubConfig struct {
	Enabled bool `koanf:"enabled"`

	// URL wins over Host/Port/Path composition when set.
	URL    string `koanf:"url" validate:"omitempty,uri"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port" validate:"gte=0,lte=65535"`
	Path   string `koanf:"path"`
	Secure bool   `koanf:"secure"` // wss when true

	ReconnectInterval    time.Duration `koanf:"reconnect_interval"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts" validate:"gte=1"`
	PingInterval         time.Duration `koanf:"ping_interval"`
	ConnectionTimeout    time.Duration `koanf:"connection_timeout"`
	InsecureLegacy       bool          `koanf:"insecure_legacy"`
}

// WebSocketURL composes the hub WebSocket URL.
func (h HubConfig) WebSocketURL() string {
	if h.URL != "" {
		return h.URL
	}
	scheme := "ws"
	if h.Secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", h.Host, h.Port),
		Path:   h.Path,
	}
	return u.String()
}

// DirectConfig configures the LAN endpoint.
type DirectConfig struct {
	Host            string  `koanf:"host"`
	Port            int     `koanf:"port" validate:"gte=1,lte=65535"`
	MaxPayloadBytes int64   `koanf:"max_payload_bytes" validate:"gte=1024"`
	RatePerSecond   float64 `koanf:"rate_per_second" validate:"gt=0"`
	RateBurst       int     `koanf:"rate_burst" validate:"gte=1"`
}

// ThrottleConfig configures the sync orchestrator.
type ThrottleConfig struct {
	DefaultThrottle  time.Duration `koanf:"default_throttle"`
	NavigationBase   time.Duration `koanf:"navigation_base"`
	EnvironmentBase  time.Duration `koanf:"environment_base"`
	VesselBase       time.Duration `koanf:"vessel_base"`
	BluetoothBase    time.Duration `koanf:"bluetooth_base"`
	PoorMultiplier   float64       `koanf:"poor_multiplier" validate:"gte=1"`
	LatencyFairMs    float64       `koanf:"latency_fair_ms" validate:"gt=0"`
	LatencyPoorMs    float64       `koanf:"latency_poor_ms" validate:"gt=0"`
	PacketLossPoorPc float64       `koanf:"packet_loss_poor_pct" validate:"gte=0,lte=100"`
}

// ProducersConfig configures the producer services.
type ProducersConfig struct {
	Position  PositionConfig  `koanf:"position"`
	Weather   WeatherConfig   `koanf:"weather"`
	Tidal     TidalConfig     `koanf:"tidal"`
	Bluetooth BluetoothConfig `koanf:"bluetooth"`
	Modbus    ModbusConfig    `koanf:"modbus"`
	Playback  PlaybackConfig  `koanf:"playback"`
}

// PositionConfig configures position arbitration.
type PositionConfig struct {
	SourceTTL time.Duration `koanf:"source_ttl"`
}

// WeatherConfig configures the weather fetcher.
type WeatherConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// TidalConfig configures the tide fetcher.
type TidalConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
	Station  string        `koanf:"station"`
}

// BluetoothConfig configures the Bluetooth producer. With Simulate set the
// producer runs against a synthetic scanner instead of hardware.
type BluetoothConfig struct {
	Enabled  bool `koanf:"enabled"`
	Simulate bool `koanf:"simulate"`
}

// ModbusConfig configures vessel systems polling.
type ModbusConfig struct {
	Enabled  bool                     `koanf:"enabled"`
	Simulate bool                     `koanf:"simulate"`
	Interval time.Duration            `koanf:"interval"`
	Devices  []producers.ModbusDevice `koanf:"devices"`
}

// PlaybackConfig configures recorded playback / demo mode.
type PlaybackConfig struct {
	Enabled bool    `koanf:"enabled"`
	Source  string  `koanf:"source"` // recording directory, or "demo"
	Speed   float64 `koanf:"speed" validate:"gte=0"`
	Loop    bool    `koanf:"loop"`
}

// IdentityConfig locates the boat credential.
type IdentityConfig struct {
	Dir string `koanf:"dir" validate:"required"`
}

// RecordingConfig configures patch recording.
type RecordingConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Dir       string `koanf:"dir"`
	Retention uint64 `koanf:"retention"`
}

// NATSConfig configures the optional shoreside patch mirror.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks structural constraints plus a few cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Hub.Enabled && c.Hub.URL == "" && c.Hub.Host == "" {
		return fmt.Errorf("hub enabled but neither HUB_URL nor HUB_HOST is set")
	}
	if c.Producers.Tidal.Enabled && c.Producers.Tidal.Station == "" {
		return fmt.Errorf("tidal producer enabled but no TIDAL_STATION is set")
	}
	if c.Recording.Enabled && c.Recording.Dir == "" {
		return fmt.Errorf("recording enabled but no RECORDING_DIR is set")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats bridge enabled but no NATS_URL is set")
	}
	if c.Producers.Playback.Enabled && c.Producers.Playback.Source == "" {
		return fmt.Errorf("playback enabled but no PLAYBACK_SOURCE is set")
	}
	return nil
}
