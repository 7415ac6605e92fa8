// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package producers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/pelorus/internal/bus"
	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/metrics"
)

// TideClient fetches tide extreme predictions near a coordinate.
type TideClient interface {
	Fetch(ctx context.Context, lat, lon float64) (*bus.TideUpdate, error)
}

// TidalConfig tunes the tidal producer.
type TidalConfig struct {
	// Interval between fetches; zero defaults to 2h.
	Interval time.Duration

	// Ready is called once the schedule is running.
	Ready func()
}

// TidalProducer fetches tide predictions on a slow schedule, gated on a
// known position like the weather producer.
type TidalProducer struct {
	bus     *bus.Bus
	client  TideClient
	cfg     TidalConfig
	breaker *gobreaker.CircuitBreaker[*bus.TideUpdate]
	retry   Backoff

	mu       sync.Mutex
	lat, lon float64
	hasFix   bool

	kick chan struct{}
}

// NewTidalProducer creates the producer around a tide client.
func NewTidalProducer(b *bus.Bus, client TideClient, cfg TidalConfig) *TidalProducer {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Hour
	}
	return &TidalProducer{
		bus:    b,
		client: client,
		cfg:    cfg,
		breaker: gobreaker.NewCircuitBreaker[*bus.TideUpdate](gobreaker.Settings{
			Name:    "tide-fetch",
			Timeout: 10 * time.Minute,
		}),
		retry: DefaultBackoff,
		kick:  make(chan struct{}, 1),
	}
}

// Serve implements suture.Service.
func (t *TidalProducer) Serve(ctx context.Context) error {
	positions, err := t.bus.Subscribe(ctx, bus.TopicPositionUpdate)
	if err != nil {
		return fmt.Errorf("tidal producer subscribe: %w", err)
	}
	go t.watchPosition(positions)

	sched := &Scheduled{
		Name:     "tidal-producer",
		Interval: t.cfg.Interval,
		Run:      t.run,
		Ready:    t.cfg.Ready,
		Kick:     t.kick,
	}
	return sched.Serve(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (t *TidalProducer) String() string { return "tidal-producer" }

func (t *TidalProducer) watchPosition(positions <-chan *message.Message) {
	for msg := range positions {
		event, err := bus.Decode[bus.PositionUpdate](msg)
		if err != nil {
			logging.Warn().Err(err).Msg("bad position event")
			continue
		}
		t.mu.Lock()
		first := !t.hasFix
		t.lat, t.lon, t.hasFix = event.Latitude, event.Longitude, true
		t.mu.Unlock()

		// Tide stations are coarse; only the first fix kicks the schedule.
		if first {
			time.AfterFunc(time.Second, func() {
				select {
				case t.kick <- struct{}{}:
				default:
				}
			})
		}
	}
}

func (t *TidalProducer) run(ctx context.Context) error {
	t.mu.Lock()
	lat, lon, ok := t.lat, t.lon, t.hasFix
	t.mu.Unlock()
	if !ok {
		return ErrSkipRun
	}

	var update *bus.TideUpdate
	err := t.retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		update, fetchErr = t.breaker.Execute(func() (*bus.TideUpdate, error) {
			return t.client.Fetch(ctx, lat, lon)
		})
		return fetchErr
	})
	if err != nil {
		metrics.FetchErrors.WithLabelValues("tidal").Inc()
		reportError(t.bus, "tidal", err.Error(), false)
		return fmt.Errorf("tide fetch: %w", err)
	}

	if err := t.bus.Publish(bus.TopicTideUpdate, update); err != nil {
		return fmt.Errorf("tide publish: %w", err)
	}
	logging.Debug().
		Str("station", update.Station).
		Int("extremes", len(update.Extremes)).
		Msg("tide predictions refreshed")
	return nil
}

// NOAAClient fetches high/low water predictions from the NOAA CO-OPS API
// for a configured station.
type NOAAClient struct {
	BaseURL string
	Station string
	HTTP    *http.Client
}

// NewNOAAClient creates a client bound to a tide station id.
func NewNOAAClient(station string) *NOAAClient {
	return &NOAAClient{
		BaseURL: "https://api.tidesandcurrents.noaa.gov/api/prod/datagetter",
		Station: station,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type noaaResponse struct {
	Predictions []struct {
		Time   string `json:"t"`
		Height string `json:"v"`
		Type   string `json:"type"` // "H" | "L"
	} `json:"predictions"`
}

// Fetch implements TideClient. The station is fixed by configuration; the
// coordinate is ignored.
func (c *NOAAClient) Fetch(ctx context.Context, _, _ float64) (*bus.TideUpdate, error) {
	if c.Station == "" {
		return nil, fmt.Errorf("tide fetch: no station configured")
	}
	query := url.Values{
		"product":     {"predictions"},
		"interval":    {"hilo"},
		"station":     {c.Station},
		"datum":       {"MLLW"},
		"units":       {"metric"},
		"time_zone":   {"gmt"},
		"format":      {"json"},
		"range":       {"48"},
		"application": {"pelorus"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build tide request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tide request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tide request: unexpected status %d", resp.StatusCode)
	}

	var decoded noaaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode tide predictions: %w", err)
	}

	extremes := make([]bus.TideExtreme, 0, len(decoded.Predictions))
	for _, p := range decoded.Predictions {
		when, err := time.Parse("2006-01-02 15:04", p.Time)
		if err != nil {
			continue
		}
		var height float64
		if _, err := fmt.Sscanf(p.Height, "%f", &height); err != nil {
			continue
		}
		kind := "low"
		if p.Type == "H" {
			kind = "high"
		}
		extremes = append(extremes, bus.TideExtreme{
			Type:    kind,
			HeightM: height,
			Time:    when.UTC(),
		})
	}

	return &bus.TideUpdate{
		Station:   c.Station,
		Extremes:  extremes,
		FetchedAt: time.Now().UTC(),
		Source:    "noaa",
	}, nil
}
