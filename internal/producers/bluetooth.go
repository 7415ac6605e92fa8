// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package producers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/logging"
)

// Advertisement is one BLE advertise frame as seen by the scanner adapter.
type Advertisement struct {
	Address          string
	Name             string
	ManufacturerID   uint16
	ManufacturerData []byte
	RSSI             int
	Timestamp        time.Time
}

// Scanner abstracts the BLE hardware. Scan blocks until the context is
// canceled, invoking found for every advertise frame.
type Scanner interface {
	Scan(ctx context.Context, found func(Advertisement)) error
}

// Parser decodes a vendor-specific manufacturer payload into sensor
// readings.
type Parser func(data []byte, at time.Time, source string) []bus.SensorReading

// ParserRegistry maps Bluetooth manufacturer ids to payload parsers.
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers map[uint16]Parser
	names   map[uint16]string
}

// NewParserRegistry creates a registry preloaded with the built-in parsers.
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{
		parsers: map[uint16]Parser{},
		names:   map[uint16]string{},
	}
	r.Register(ruuviManufacturerID, "Ruuvi", ParseRuuviRAWv2)
	return r
}

// Register binds a parser to a manufacturer id.
func (r *ParserRegistry) Register(id uint16, name string, p Parser) {
	r.mu.Lock()
	r.parsers[id] = p
	r.names[id] = name
	r.mu.Unlock()
}

// Lookup returns the parser and vendor name for a manufacturer id.
func (r *ParserRegistry) Lookup(id uint16) (Parser, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[id]
	return p, r.names[id], ok
}

// scanStopDebounce suppresses flapping scan-stop reports.
const scanStopDebounce = 500 * time.Millisecond

// BluetoothConfig tunes the Bluetooth producer.
type BluetoothConfig struct {
	// Enabled starts the producer with scanning active.
	Enabled bool

	// Ready is called once command handling is live.
	Ready func()
}

// BluetoothProducer drives the scanner adapter, parses vendor payloads via
// the registry, and reacts to bluetooth commands from the state manager.
type BluetoothProducer struct {
	bus     *bus.Bus
	scanner Scanner
	parsers *ParserRegistry
	cfg     BluetoothConfig

	mu        sync.Mutex
	known     map[string]deviceSeen
	scanning  bool
	cancel    context.CancelFunc
	stopTimer *time.Timer
}

type deviceSeen struct {
	name string
	rssi int
}

// NewBluetoothProducer creates the producer around a scanner adapter.
func NewBluetoothProducer(b *bus.Bus, scanner Scanner, parsers *ParserRegistry, cfg BluetoothConfig) *BluetoothProducer {
	return &BluetoothProducer{
		bus:     b,
		scanner: scanner,
		parsers: parsers,
		cfg:     cfg,
		known:   map[string]deviceSeen{},
	}
}

// Serve implements suture.Service: handle commands and run the scanner
// while scanning is active.
func (p *BluetoothProducer) Serve(ctx context.Context) error {
	commands, err := p.bus.Subscribe(ctx, bus.TopicBluetoothCommand)
	if err != nil {
		return fmt.Errorf("bluetooth producer subscribe: %w", err)
	}

	if p.cfg.Ready != nil {
		p.cfg.Ready()
	}
	if p.cfg.Enabled {
		p.startScan(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			p.stopScanNow()
			return ctx.Err()
		case msg, ok := <-commands:
			if !ok {
				return nil
			}
			p.onCommand(ctx, msg)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (p *BluetoothProducer) String() string { return "bluetooth-producer" }

func (p *BluetoothProducer) onCommand(ctx context.Context, msg *message.Message) {
	cmd, err := bus.Decode[bus.BluetoothCommand](msg)
	if err != nil {
		logging.Warn().Err(err).Msg("bad bluetooth command")
		return
	}
	switch cmd.Action {
	case "toggle":
		if cmd.Enabled {
			p.startScan(ctx)
		} else {
			p.stopScanNow()
		}
	case "scan-start":
		p.startScan(ctx)
	case "scan-stop":
		p.stopScanDebounced()
	case "select-device", "deselect-device":
		// Selection only gates which sensorData the UI surfaces; the
		// scanner keeps reporting regardless.
	default:
		logging.Debug().Str("action", cmd.Action).Msg("ignored bluetooth command")
	}
}

func (p *BluetoothProducer) startScan(parent context.Context) {
	p.mu.Lock()
	if p.stopTimer != nil {
		p.stopTimer.Stop()
		p.stopTimer = nil
	}
	if p.scanning {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	p.scanning = true
	p.cancel = cancel
	p.mu.Unlock()

	p.publishScanStatus(true)
	go func() {
		if err := p.scanner.Scan(ctx, p.onAdvertisement); err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("bluetooth scan failed")
			reportError(p.bus, "bluetooth", err.Error(), false)
			p.stopScanNow()
		}
	}()
}

// stopScanDebounced delays the stop by 500ms so a stop/start flap does not
// report twice.
func (p *BluetoothProducer) stopScanDebounced() {
	p.mu.Lock()
	if !p.scanning || p.stopTimer != nil {
		p.mu.Unlock()
		return
	}
	p.stopTimer = time.AfterFunc(scanStopDebounce, p.stopScanNow)
	p.mu.Unlock()
}

func (p *BluetoothProducer) stopScanNow() {
	p.mu.Lock()
	if p.stopTimer != nil {
		p.stopTimer.Stop()
		p.stopTimer = nil
	}
	if !p.scanning {
		p.mu.Unlock()
		return
	}
	p.scanning = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.publishScanStatus(false)
}

func (p *BluetoothProducer) publishScanStatus(active bool) {
	err := p.bus.Publish(bus.TopicScanStatus, bus.ScanStatus{
		Active:    active,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logging.Warn().Err(err).Msg("scan status publish failed")
	}
}

// onAdvertisement emits discovered/updated events and routes the payload
// through the parser registry.
func (p *BluetoothProducer) onAdvertisement(adv Advertisement) {
	if adv.Timestamp.IsZero() {
		adv.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	seen, knownBefore := p.known[adv.Address]
	p.known[adv.Address] = deviceSeen{name: adv.Name, rssi: adv.RSSI}
	p.mu.Unlock()

	parser, vendor, hasParser := p.parsers.Lookup(adv.ManufacturerID)

	if !knownBefore {
		err := p.bus.Publish(bus.TopicDeviceDiscovered, bus.DeviceDiscovered{
			ID:           adv.Address,
			Name:         adv.Name,
			Manufacturer: vendor,
			RSSI:         adv.RSSI,
			Timestamp:    adv.Timestamp,
		})
		if err != nil {
			logging.Warn().Err(err).Msg("device discovery publish failed")
		}
	} else if seen.name != adv.Name || seen.rssi != adv.RSSI {
		err := p.bus.Publish(bus.TopicDeviceUpdated, bus.DeviceUpdated{
			ID:        adv.Address,
			Name:      adv.Name,
			RSSI:      adv.RSSI,
			Timestamp: adv.Timestamp,
		})
		if err != nil {
			logging.Warn().Err(err).Msg("device update publish failed")
		}
	}

	if !hasParser || len(adv.ManufacturerData) == 0 {
		return
	}
	readings := parser(adv.ManufacturerData, adv.Timestamp, adv.Address)
	if len(readings) == 0 {
		return
	}
	err := p.bus.Publish(bus.TopicDeviceData, bus.DeviceData{
		ID:       adv.Address,
		Readings: readings,
	})
	if err != nil {
		logging.Warn().Err(err).Msg("device data publish failed")
	}
}

const ruuviManufacturerID = 0x0499

// ParseRuuviRAWv2 decodes a RuuviTag data format 5 payload into temperature,
// humidity, pressure, and battery readings.
func ParseRuuviRAWv2(data []byte, at time.Time, source string) []bus.SensorReading {
	if len(data) < 15 || data[0] != 0x05 {
		return nil
	}

	var out []bus.SensorReading
	add := func(name string, value float64, units string) {
		out = append(out, bus.SensorReading{
			Name:      name,
			Value:     value,
			Units:     units,
			Timestamp: at,
			Source:    source,
		})
	}

	if raw := int16(uint16(data[1])<<8 | uint16(data[2])); raw != -32768 {
		add("temperature", float64(raw)*0.005, "degC")
	}
	if raw := uint16(data[3])<<8 | uint16(data[4]); raw != 0xFFFF {
		add("humidity", float64(raw)*0.0025, "%")
	}
	if raw := uint16(data[5])<<8 | uint16(data[6]); raw != 0xFFFF {
		add("pressure", (float64(raw)+50000)/100, "hPa")
	}
	if raw := uint16(data[13])<<8 | uint16(data[14]); raw>>5 != 0x7FF {
		add("battery", float64(raw>>5)/1000+1.6, "V")
	}
	return out
}
