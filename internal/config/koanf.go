// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first found
// wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/pelorus/config.yaml",
	"/etc/pelorus/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. Defaults are
// layered first, then file, then environment.
func defaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			Enabled:              false,
			Host:                 "",
			Port:                 443,
			Path:                 "/boat",
			Secure:               true,
			ReconnectInterval:    5 * time.Second,
			MaxReconnectAttempts: 10,
			PingInterval:         25 * time.Second,
			ConnectionTimeout:    30 * time.Second,
			InsecureLegacy:       false,
		},
		Direct: DirectConfig{
			Host:            "0.0.0.0",
			Port:            8180,
			MaxPayloadBytes: 1 << 20,
			RatePerSecond:   20,
			RateBurst:       40,
		},
		Throttle: ThrottleConfig{
			DefaultThrottle:  2 * time.Second,
			NavigationBase:   time.Second,
			EnvironmentBase:  30 * time.Second,
			VesselBase:       5 * time.Second,
			BluetoothBase:    5 * time.Second,
			PoorMultiplier:   3,
			LatencyFairMs:    150,
			LatencyPoorMs:    500,
			PacketLossPoorPc: 10,
		},
		Producers: ProducersConfig{
			Position:  PositionConfig{SourceTTL: 30 * time.Second},
			Weather:   WeatherConfig{Enabled: true, Interval: 30 * time.Minute},
			Tidal:     TidalConfig{Enabled: false, Interval: 2 * time.Hour},
			Bluetooth: BluetoothConfig{Enabled: false, Simulate: false},
			Modbus:    ModbusConfig{Enabled: false, Simulate: false, Interval: 5 * time.Second},
			Playback:  PlaybackConfig{Enabled: false, Source: "demo", Speed: 1, Loop: true},
		},
		Identity:  IdentityConfig{Dir: "/data/identity"},
		Recording: RecordingConfig{Enabled: false, Dir: "/data/recording", Retention: 100000},
		NATS:      NATSConfig{Enabled: false, URL: "", Subject: "pelorus.state.patch"},
		Logging:   LoggingConfig{Level: "info", Format: "json", Caller: false},
	}
}

// Load builds the configuration from defaults, file, and environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	normalizeMillisecondFields(k)

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps flat environment variable names to koanf paths.
// Unknown variables map to nothing so unrelated environment noise is
// ignored.
func envTransformFunc(key string) string {
	mappings := map[string]string{
		"HUB_ENABLED":              "hub.enabled",
		"HUB_URL":                  "hub.url",
		"HUB_HOST":                 "hub.host",
		"HUB_PORT":                 "hub.port",
		"HUB_PATH":                 "hub.path",
		"HUB_SECURE":               "hub.secure",
		"RECONNECT_INTERVAL_MS":    "hub.reconnect_interval",
		"MAX_RECONNECT_ATTEMPTS":   "hub.max_reconnect_attempts",
		"PING_INTERVAL_MS":         "hub.ping_interval",
		"CONNECTION_TIMEOUT_MS":    "hub.connection_timeout",
		"HUB_INSECURE_LEGACY":      "hub.insecure_legacy",
		"DIRECT_HOST":              "direct.host",
		"DIRECT_PORT":              "direct.port",
		"MAX_PAYLOAD_BYTES":        "direct.max_payload_bytes",
		"DIRECT_RATE_PER_SECOND":   "direct.rate_per_second",
		"DIRECT_RATE_BURST":        "direct.rate_burst",
		"DEFAULT_THROTTLE_MS":      "throttle.default_throttle",
		"SIGNALK_REFRESH_MS":       "throttle.navigation_base",
		"ENVIRONMENT_BASE_MS":      "throttle.environment_base",
		"VESSEL_BASE_MS":           "throttle.vessel_base",
		"BLUETOOTH_BASE_MS":        "throttle.bluetooth_base",
		"POOR_LINK_MULTIPLIER":     "throttle.poor_multiplier",
		"LATENCY_FAIR_MS":          "throttle.latency_fair_ms",
		"LATENCY_POOR_MS":          "throttle.latency_poor_ms",
		"PACKET_LOSS_POOR_PCT":     "throttle.packet_loss_poor_pct",
		"POSITION_SOURCE_TTL_MS":   "producers.position.source_ttl",
		"WEATHER_ENABLED":          "producers.weather.enabled",
		"WEATHER_INTERVAL":         "producers.weather.interval",
		"TIDAL_ENABLED":            "producers.tidal.enabled",
		"TIDAL_INTERVAL":           "producers.tidal.interval",
		"TIDAL_STATION":            "producers.tidal.station",
		"BLUETOOTH_ENABLED":        "producers.bluetooth.enabled",
		"BLUETOOTH_SIMULATE":       "producers.bluetooth.simulate",
		"MODBUS_ENABLED":           "producers.modbus.enabled",
		"MODBUS_SIMULATE":          "producers.modbus.simulate",
		"MODBUS_INTERVAL":          "producers.modbus.interval",
		"PLAYBACK_ENABLED":         "producers.playback.enabled",
		"PLAYBACK_SOURCE":          "producers.playback.source",
		"PLAYBACK_SPEED":           "producers.playback.speed",
		"PLAYBACK_LOOP":            "producers.playback.loop",
		"IDENTITY_DIR":             "identity.dir",
		"RECORDING_ENABLED":        "recording.enabled",
		"RECORDING_DIR":            "recording.dir",
		"RECORDING_RETENTION":      "recording.retention",
		"NATS_ENABLED":             "nats.enabled",
		"NATS_URL":                 "nats.url",
		"NATS_SUBJECT":             "nats.subject",
		"LOG_LEVEL":                "logging.level",
		"LOG_FORMAT":               "logging.format",
		"LOG_CALLER":               "logging.caller",
	}
	if path, ok := mappings[strings.ToUpper(key)]; ok {
		return path
	}
	return ""
}

// millisecondKeys are duration fields whose environment variables carry a
// bare millisecond count (RECONNECT_INTERVAL_MS=5000).
var millisecondKeys = []string{
	"hub.reconnect_interval",
	"hub.ping_interval",
	"hub.connection_timeout",
	"throttle.default_throttle",
	"throttle.navigation_base",
	"throttle.environment_base",
	"throttle.vessel_base",
	"throttle.bluetooth_base",
	"producers.position.source_ttl",
}

// normalizeMillisecondFields rewrites bare numeric values into duration
// strings so they unmarshal as milliseconds rather than nanoseconds.
func normalizeMillisecondFields(k *koanf.Koanf) {
	for _, key := range millisecondKeys {
		raw, ok := k.Get(key).(string)
		if !ok || raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err == nil {
			continue
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			_ = k.Set(key, fmt.Sprintf("%dms", n))
		}
	}
}
