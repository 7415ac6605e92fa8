// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package producers

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/logging"
)

// RegisterReader abstracts the Modbus transport: the producer only reads
// holding registers.
type RegisterReader interface {
	ReadHolding(ctx context.Context, unitID uint8, addr, count uint16) ([]uint16, error)
}

// RegisterMap binds one named reading to a holding register.
type RegisterMap struct {
	Name  string  `koanf:"name"`
	Addr  uint16  `koanf:"addr"`
	Scale float64 `koanf:"scale"`
	Units string  `koanf:"units"`
}

// ModbusDevice describes one polled unit (a tank sender, a battery monitor,
// an engine gateway).
type ModbusDevice struct {
	Kind      string        `koanf:"kind"` // "tanks" | "batteries" | "engines"
	ID        string        `koanf:"id"`
	UnitID    uint8         `koanf:"unit_id"`
	Registers []RegisterMap `koanf:"registers"`
}

// ModbusConfig tunes the systems producer.
type ModbusConfig struct {
	Interval time.Duration
	Devices  []ModbusDevice
	Ready    func()
}

// ModbusProducer polls vessel systems over Modbus and publishes systems
// updates.
type ModbusProducer struct {
	bus    *bus.Bus
	reader RegisterReader
	cfg    ModbusConfig
}

// NewModbusProducer creates the producer around a register transport.
func NewModbusProducer(b *bus.Bus, reader RegisterReader, cfg ModbusConfig) *ModbusProducer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &ModbusProducer{bus: b, reader: reader, cfg: cfg}
}

// Serve implements suture.Service.
func (p *ModbusProducer) Serve(ctx context.Context) error {
	sched := &Scheduled{
		Name:      "modbus-producer",
		Interval:  p.cfg.Interval,
		Immediate: true,
		Run:       p.poll,
		Ready:     p.cfg.Ready,
	}
	return sched.Serve(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (p *ModbusProducer) String() string { return "modbus-producer" }

func (p *ModbusProducer) poll(ctx context.Context) error {
	if len(p.cfg.Devices) == 0 {
		return ErrSkipRun
	}
	now := time.Now().UTC()

	var lastErr error
	for _, device := range p.cfg.Devices {
		readings := make([]bus.SensorReading, 0, len(device.Registers))
		for _, reg := range device.Registers {
			values, err := p.reader.ReadHolding(ctx, device.UnitID, reg.Addr, 1)
			if err != nil {
				logging.Warn().
					Err(err).
					Str("device", device.ID).
					Uint16("addr", reg.Addr).
					Msg("register read failed")
				lastErr = err
				continue
			}
			if len(values) == 0 {
				continue
			}
			scale := reg.Scale
			if scale == 0 {
				scale = 1
			}
			readings = append(readings, bus.SensorReading{
				Name:      reg.Name,
				Value:     float64(values[0]) * scale,
				Units:     reg.Units,
				Timestamp: now,
				Source:    "modbus:" + device.ID,
			})
		}
		if len(readings) == 0 {
			continue
		}
		err := p.bus.Publish(bus.TopicSystemsUpdate, bus.SystemsUpdate{
			Kind:     device.Kind,
			ID:       device.ID,
			Readings: readings,
		})
		if err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("modbus poll: %w", lastErr)
	}
	return nil
}
