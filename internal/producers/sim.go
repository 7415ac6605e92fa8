// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package producers

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimulatedScanner emits synthetic RuuviTag advertisements. Used in demo
// deployments and tests; real installations inject a hardware adapter.
type SimulatedScanner struct {
	// Interval between advertisements; zero defaults to 5s.
	Interval time.Duration
}

// Scan implements Scanner.
func (s *SimulatedScanner) Scan(ctx context.Context, found func(Advertisement)) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick++
			found(Advertisement{
				Address:          "C8:F1:05:AA:51:02",
				Name:             "Cabin Sensor",
				ManufacturerID:   ruuviManufacturerID,
				ManufacturerData: simulatedRuuviPayload(tick),
				RSSI:             -55 - rand.Intn(10),
				Timestamp:        time.Now().UTC(),
			})
		}
	}
}

// simulatedRuuviPayload builds a data-format-5 frame with a slow diurnal
// temperature swing.
func simulatedRuuviPayload(tick int) []byte {
	tempC := 19.0 + 3.0*math.Sin(float64(tick)/20)
	humidity := 55.0 + 5.0*math.Cos(float64(tick)/30)
	pressureHPa := 1013.0

	rawTemp := int16(tempC / 0.005)
	rawHum := uint16(humidity / 0.0025)
	rawPres := uint16(pressureHPa*100 - 50000)
	rawBatt := uint16(1400) << 5 // ~3.0V

	payload := make([]byte, 15)
	payload[0] = 0x05
	payload[1] = byte(uint16(rawTemp) >> 8)
	payload[2] = byte(uint16(rawTemp))
	payload[3] = byte(rawHum >> 8)
	payload[4] = byte(rawHum)
	payload[5] = byte(rawPres >> 8)
	payload[6] = byte(rawPres)
	payload[13] = byte(rawBatt >> 8)
	payload[14] = byte(rawBatt)
	return payload
}

// SimulatedRegisterReader serves drifting register values keyed by
// (unit, address). Used in demo deployments and tests.
type SimulatedRegisterReader struct {
	mu     sync.Mutex
	values map[uint32]uint16
}

// ReadHolding implements RegisterReader.
func (r *SimulatedRegisterReader) ReadHolding(_ context.Context, unitID uint8, addr, count uint16) ([]uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		r.values = map[uint32]uint16{}
	}

	out := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		key := uint32(unitID)<<16 | uint32(addr+i)
		v, ok := r.values[key]
		if !ok {
			v = 500 + uint16(rand.Intn(100))
		}
		// Random walk, clamped away from zero.
		delta := uint16(rand.Intn(5))
		if rand.Intn(2) == 0 && v > delta {
			v -= delta
		} else {
			v += delta
		}
		r.values[key] = v
		out[i] = v
	}
	return out, nil
}
