// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package main is the entry point for the Pelorus boat server.
//
// Pelorus maintains a single canonical document describing the vessel's live
// state and multiplexes it to LAN WebSocket clients and to remote clients
// reached through an outbound tunnel to a rendezvous hub.
//
// # Application Architecture
//
// Components start under a Suture supervisor tree in dependency order:
//
//  1. Configuration: Koanf v2 layered load (defaults, config.yaml, env)
//  2. Identity: stable boat id plus RSA keypair, generated on first boot
//  3. State core: store, orchestrator, coordinator, state manager
//  4. Producers: position, weather, tidal, bluetooth, modbus, playback
//  5. Transports: LAN direct endpoint, outbound hub connector
//  6. Optional: patch recorder (Badger), NATS patch mirror
//
// # Exit Codes
//
//	0  normal shutdown (SIGINT/SIGTERM)
//	1  startup failure (bad config, port in use, identity bootstrap)
//	2  unrecoverable runtime error (supervisor tree died)
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/config"
	"github.com/tomtom215/pelorus/internal/coordinator"
	"github.com/tomtom215/pelorus/internal/identity"
	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/models"
	"github.com/tomtom215/pelorus/internal/natsbridge"
	"github.com/tomtom215/pelorus/internal/orchestrator"
	"github.com/tomtom215/pelorus/internal/producers"
	"github.com/tomtom215/pelorus/internal/recording"
	"github.com/tomtom215/pelorus/internal/state"
	"github.com/tomtom215/pelorus/internal/statemanager"
	"github.com/tomtom215/pelorus/internal/supervisor"
	"github.com/tomtom215/pelorus/internal/transport/direct"
	"github.com/tomtom215/pelorus/internal/transport/hub"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2

	version = "1.0.0"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("failed to load configuration")
		return exitStartup
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("version", version).Msg("starting pelorus")

	ident, err := identity.Load(cfg.Identity.Dir)
	if err != nil {
		logging.Error().Err(err).Msg("identity bootstrap failed")
		return exitStartup
	}
	logging.Info().Str("boat_id", ident.BoatID()).Msg("identity loaded")

	// State core.
	store := state.NewStore()
	orch := orchestrator.New(orchestrator.Config{
		Base: map[models.DataType]time.Duration{
			models.DataNavigation:  cfg.Throttle.NavigationBase,
			models.DataEnvironment: cfg.Throttle.EnvironmentBase,
			models.DataVessel:      cfg.Throttle.VesselBase,
			models.DataBluetooth:   cfg.Throttle.BluetoothBase,
			models.DataAlerts:      100 * time.Millisecond,
			models.DataAnchor:      100 * time.Millisecond,
		},
		DefaultThrottle: cfg.Throttle.DefaultThrottle,
		Floor:           100 * time.Millisecond,
		PoorMultiplier:  cfg.Throttle.PoorMultiplier,
		LatencyFairMs:   cfg.Throttle.LatencyFairMs,
		LatencyPoorMs:   cfg.Throttle.LatencyPoorMs,
		LossPoorPct:     cfg.Throttle.PacketLossPoorPc,
	})
	coord := coordinator.New(store, orch)
	eventBus := bus.New()
	defer eventBus.Close()
	manager := statemanager.New(store, eventBus, coord)

	ready := supervisor.NewReadiness()
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	// Recording attaches before fan-out starts so the log is complete.
	var recorder *recording.Recorder
	if cfg.Recording.Enabled {
		recorder, err = recording.Open(recording.Options{
			Dir:       cfg.Recording.Dir,
			Retention: cfg.Recording.Retention,
		})
		if err != nil {
			logging.Error().Err(err).Msg("recording store open failed")
			return exitStartup
		}
		defer recorder.Close()
		defer recorder.Attach(store)()
		tree.AddCoreService(recorder)
	}

	tree.AddCoreService(coord)
	tree.AddCoreService(manager)

	if cfg.NATS.Enabled {
		bridge, err := natsbridge.New(store, natsbridge.Config{
			URL:     cfg.NATS.URL,
			BoatID:  ident.BoatID(),
			Subject: cfg.NATS.Subject,
		})
		if err != nil {
			logging.Error().Err(err).Msg("nats bridge setup failed")
			return exitStartup
		}
		tree.AddCoreService(bridge)
	}

	// Producers.
	position := producers.NewPositionProducer(eventBus, producers.PositionConfig{
		TTL:   cfg.Producers.Position.SourceTTL,
		Ready: ready.MarkFunc("position-producer"),
	})
	tree.AddProducerService(position)

	if cfg.Producers.Weather.Enabled {
		tree.AddProducerService(producers.NewWeatherProducer(
			eventBus,
			producers.NewOpenMeteoClient(),
			producers.WeatherConfig{
				Interval: cfg.Producers.Weather.Interval,
				Ready:    ready.MarkFunc("weather-producer"),
			},
		))
	}
	if cfg.Producers.Tidal.Enabled {
		tree.AddProducerService(producers.NewTidalProducer(
			eventBus,
			producers.NewNOAAClient(cfg.Producers.Tidal.Station),
			producers.TidalConfig{
				Interval: cfg.Producers.Tidal.Interval,
				Ready:    ready.MarkFunc("tidal-producer"),
			},
		))
	}
	if cfg.Producers.Bluetooth.Enabled {
		if cfg.Producers.Bluetooth.Simulate {
			tree.AddProducerService(producers.NewBluetoothProducer(
				eventBus,
				&producers.SimulatedScanner{},
				producers.NewParserRegistry(),
				producers.BluetoothConfig{
					Enabled: true,
					Ready:   ready.MarkFunc("bluetooth-producer"),
				},
			))
		} else {
			// A hardware scanner adapter is injected by platform-specific
			// builds; without one only simulation is available.
			logging.Warn().Msg("bluetooth enabled without a scanner adapter, set BLUETOOTH_SIMULATE=true")
		}
	}
	if cfg.Producers.Modbus.Enabled {
		if cfg.Producers.Modbus.Simulate {
			tree.AddProducerService(producers.NewModbusProducer(
				eventBus,
				&producers.SimulatedRegisterReader{},
				producers.ModbusConfig{
					Interval: cfg.Producers.Modbus.Interval,
					Devices:  cfg.Producers.Modbus.Devices,
					Ready:    ready.MarkFunc("modbus-producer"),
				},
			))
		} else {
			logging.Warn().Msg("modbus enabled without a register adapter, set MODBUS_SIMULATE=true")
		}
	}
	if cfg.Producers.Playback.Enabled {
		source, err := playbackSource(cfg.Producers.Playback.Source)
		if err != nil {
			logging.Error().Err(err).Msg("playback source open failed")
			return exitStartup
		}
		tree.AddProducerService(producers.NewPlaybackProducer(eventBus, source, producers.PlaybackConfig{
			Speed: cfg.Producers.Playback.Speed,
			Loop:  cfg.Producers.Playback.Loop,
			Ready: ready.MarkFunc("playback-producer"),
		}))
	}

	// Transports.
	endpoint, err := direct.New(coord, direct.BoatInfo{
		BoatID:    ident.BoatID(),
		PublicKey: ident.PublicKeyPEM(),
		Version:   version,
	}, direct.Config{
		Host:            cfg.Direct.Host,
		Port:            cfg.Direct.Port,
		MaxPayloadBytes: cfg.Direct.MaxPayloadBytes,
		RatePerSecond:   cfg.Direct.RatePerSecond,
		RateBurst:       cfg.Direct.RateBurst,
		Ready:           ready.MarkFunc("direct-endpoint"),
	})
	if err != nil {
		logging.Error().Err(err).Msg("direct endpoint bind failed")
		return exitStartup
	}
	tree.AddTransportService(endpoint)

	if cfg.Hub.Enabled {
		connector, err := hub.New(coord, orch, ident, hub.Config{
			URL:                  cfg.Hub.WebSocketURL(),
			ReconnectInterval:    cfg.Hub.ReconnectInterval,
			MaxReconnectAttempts: cfg.Hub.MaxReconnectAttempts,
			ConnectTimeout:       cfg.Hub.ConnectionTimeout,
			PingInterval:         cfg.Hub.PingInterval,
			InsecureLegacy:       cfg.Hub.InsecureLegacy,
			LocalBroadcast:       endpoint.Broadcast,
			Ready:                ready.MarkFunc("hub-connector"),
		})
		if err != nil {
			logging.Error().Err(err).Msg("hub connector setup failed")
			return exitStartup
		}
		tree.AddTransportService(connector)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := tree.ServeBackground(ctx)

	if err := ready.WaitForServiceReady("direct-endpoint", 10*time.Second); err != nil {
		logging.Error().Err(err).Msg("startup did not converge")
		cancel()
		<-errCh
		return exitStartup
	}
	logging.Info().Str("addr", endpoint.Addr()).Msg("pelorus ready")

	err = <-errCh
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree terminated")
		return exitRuntime
	}
	logging.Info().Msg("pelorus stopped")
	return exitOK
}

// playbackSource opens the configured playback source; "demo" uses the
// built-in voyage.
func playbackSource(name string) (producers.PatchSource, error) {
	if name == "demo" {
		return producers.DemoVoyage(), nil
	}
	return recording.NewSource(name)
}
