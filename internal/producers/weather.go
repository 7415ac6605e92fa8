// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package producers

import (
	"context"
	"fmt"
	"math"
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

// ForecastClient fetches an hourly forecast for a coordinate.
type ForecastClient interface {
	Fetch(ctx context.Context, lat, lon float64) (*bus.WeatherUpdate, error)
}

// WeatherConfig tunes the weather producer.
type WeatherConfig struct {
	// Interval between fetches. Clamped to [15m, 60m]; zero defaults to 30m.
	Interval time.Duration

	// Ready is called once the schedule is running.
	Ready func()
}

// WeatherProducer fetches forecasts for the vessel's current position. It
// does not run until a position is known, and a position change reschedules
// the next fetch no sooner than one second later.
type WeatherProducer struct {
	bus     *bus.Bus
	client  ForecastClient
	cfg     WeatherConfig
	breaker *gobreaker.CircuitBreaker[*bus.WeatherUpdate]
	retry   Backoff

	mu       sync.Mutex
	lat, lon float64
	hasFix   bool

	kick chan struct{}
}

// NewWeatherProducer creates the producer around a forecast client.
func NewWeatherProducer(b *bus.Bus, client ForecastClient, cfg WeatherConfig) *WeatherProducer {
	switch {
	case cfg.Interval == 0:
		cfg.Interval = 30 * time.Minute
	case cfg.Interval < 15*time.Minute:
		cfg.Interval = 15 * time.Minute
	case cfg.Interval > time.Hour:
		cfg.Interval = time.Hour
	}
	return &WeatherProducer{
		bus:    b,
		client: client,
		cfg:    cfg,
		breaker: gobreaker.NewCircuitBreaker[*bus.WeatherUpdate](gobreaker.Settings{
			Name:    "weather-fetch",
			Timeout: 5 * time.Minute,
		}),
		retry: DefaultBackoff,
		kick:  make(chan struct{}, 1),
	}
}

// Serve implements suture.Service.
func (w *WeatherProducer) Serve(ctx context.Context) error {
	positions, err := w.bus.Subscribe(ctx, bus.TopicPositionUpdate)
	if err != nil {
		return fmt.Errorf("weather producer subscribe: %w", err)
	}
	go w.watchPosition(positions)

	sched := &Scheduled{
		Name:      "weather-producer",
		Interval:  w.cfg.Interval,
		Immediate: false,
		Run:       w.run,
		Ready:     w.cfg.Ready,
		Kick:      w.kick,
	}
	return sched.Serve(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (w *WeatherProducer) String() string { return "weather-producer" }

// watchPosition tracks the latest fix. The first fix, or a move of more
// than ~1km, kicks the schedule after a one-second debounce.
func (w *WeatherProducer) watchPosition(positions <-chan *message.Message) {
	for msg := range positions {
		event, err := bus.Decode[bus.PositionUpdate](msg)
		if err != nil {
			logging.Warn().Err(err).Msg("bad position event")
			continue
		}
		w.mu.Lock()
		first := !w.hasFix
		moved := first ||
			math.Abs(event.Latitude-w.lat) > 0.01 ||
			math.Abs(event.Longitude-w.lon) > 0.01
		w.lat, w.lon, w.hasFix = event.Latitude, event.Longitude, true
		w.mu.Unlock()

		if moved {
			time.AfterFunc(time.Second, func() {
				select {
				case w.kick <- struct{}{}:
				default:
				}
			})
		}
	}
}

func (w *WeatherProducer) run(ctx context.Context) error {
	w.mu.Lock()
	lat, lon, ok := w.lat, w.lon, w.hasFix
	w.mu.Unlock()
	if !ok {
		return ErrSkipRun
	}

	var update *bus.WeatherUpdate
	err := w.retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		update, fetchErr = w.breaker.Execute(func() (*bus.WeatherUpdate, error) {
			return w.client.Fetch(ctx, lat, lon)
		})
		return fetchErr
	})
	if err != nil {
		metrics.FetchErrors.WithLabelValues("weather").Inc()
		reportError(w.bus, "weather", err.Error(), false)
		return fmt.Errorf("weather fetch: %w", err)
	}

	if err := w.bus.Publish(bus.TopicWeatherUpdate, update); err != nil {
		return fmt.Errorf("weather publish: %w", err)
	}
	logging.Debug().
		Float64("lat", lat).
		Float64("lon", lon).
		Int("hours", len(update.Hourly)).
		Msg("weather forecast refreshed")
	return nil
}

// OpenMeteoClient fetches hourly marine forecasts from the Open-Meteo API.
type OpenMeteoClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewOpenMeteoClient creates a client with sane timeouts.
func NewOpenMeteoClient() *OpenMeteoClient {
	return &OpenMeteoClient{
		BaseURL: "https://api.open-meteo.com/v1/forecast",
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type openMeteoResponse struct {
	Hourly struct {
		Time          []int64   `json:"time"`
		Temperature   []float64 `json:"temperature_2m"`
		WindSpeed     []float64 `json:"wind_speed_10m"`
		WindDirection []float64 `json:"wind_direction_10m"`
		WindGusts     []float64 `json:"wind_gusts_10m"`
		Pressure      []float64 `json:"surface_pressure"`
		Precipitation []float64 `json:"precipitation"`
	} `json:"hourly"`
}

// Fetch implements ForecastClient.
func (c *OpenMeteoClient) Fetch(ctx context.Context, lat, lon float64) (*bus.WeatherUpdate, error) {
	query := url.Values{
		"latitude":        {fmt.Sprintf("%.4f", lat)},
		"longitude":       {fmt.Sprintf("%.4f", lon)},
		"hourly":          {"temperature_2m,wind_speed_10m,wind_direction_10m,wind_gusts_10m,surface_pressure,precipitation"},
		"wind_speed_unit": {"kn"},
		"forecast_days":   {"2"},
		"timeformat":      {"unixtime"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build forecast request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forecast request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forecast request: unexpected status %d", resp.StatusCode)
	}

	var decoded openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}

	hourly := make([]bus.HourlyForecast, 0, len(decoded.Hourly.Time))
	for i, epoch := range decoded.Hourly.Time {
		h := bus.HourlyForecast{Time: time.Unix(epoch, 0).UTC()}
		if i < len(decoded.Hourly.Temperature) {
			h.TemperatureC = decoded.Hourly.Temperature[i]
		}
		if i < len(decoded.Hourly.WindSpeed) {
			h.WindSpeedKts = decoded.Hourly.WindSpeed[i]
		}
		if i < len(decoded.Hourly.WindDirection) {
			h.WindDirDeg = decoded.Hourly.WindDirection[i]
		}
		if i < len(decoded.Hourly.WindGusts) {
			h.GustKts = decoded.Hourly.WindGusts[i]
		}
		if i < len(decoded.Hourly.Pressure) {
			h.PressureHPa = decoded.Hourly.Pressure[i]
		}
		if i < len(decoded.Hourly.Precipitation) {
			h.Precipitation = decoded.Hourly.Precipitation[i]
		}
		hourly = append(hourly, h)
	}

	return &bus.WeatherUpdate{
		Latitude:  lat,
		Longitude: lon,
		Hourly:    hourly,
		FetchedAt: time.Now().UTC(),
		Source:    "open-meteo",
	}, nil
}
