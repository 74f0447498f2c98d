package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultGeocodeURL  = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL = "https://api.open-meteo.com/v1/forecast"
)

// WeatherConfig controls the weather tool's upstream endpoints.
type WeatherConfig struct {
	GeocodeURL  string
	ForecastURL string
	Timeout     time.Duration
}

// WeatherTool reports current weather for a named location using the
// Open-Meteo geocoding and forecast APIs.
type WeatherTool struct {
	config WeatherConfig
	client *http.Client
}

// WeatherOption customizes WeatherTool construction.
type WeatherOption func(*WeatherTool)

// WithHTTPClient overrides the HTTP client (useful for tests).
func WithHTTPClient(client *http.Client) WeatherOption {
	return func(t *WeatherTool) {
		if client != nil {
			t.client = client
		}
	}
}

// NewWeatherTool creates a weather tool with defaults applied.
func NewWeatherTool(config *WeatherConfig, opts ...WeatherOption) *WeatherTool {
	cfg := WeatherConfig{
		GeocodeURL:  defaultGeocodeURL,
		ForecastURL: defaultForecastURL,
		Timeout:     10 * time.Second,
	}
	if config != nil {
		if config.GeocodeURL != "" {
			cfg.GeocodeURL = config.GeocodeURL
		}
		if config.ForecastURL != "" {
			cfg.ForecastURL = config.ForecastURL
		}
		if config.Timeout > 0 {
			cfg.Timeout = config.Timeout
		}
	}
	tool := &WeatherTool{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(tool)
	}
	return tool
}

func (t *WeatherTool) Name() string {
	return "weather"
}

func (t *WeatherTool) Description() string {
	return "Looks up current weather conditions for a location by name."
}

func (t *WeatherTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "location": {"type": "string", "description": "City or place name, e.g. Tokyo"}
  },
  "required": ["location"]
}`)
}

func (t *WeatherTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var args struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return &Result{Content: fmt.Sprintf("invalid params: %v", err), IsError: true}, nil
	}
	location := strings.TrimSpace(args.Location)
	if location == "" {
		return &Result{Content: "location is required", IsError: true}, nil
	}

	lat, lon, name, err := t.geocode(ctx, location)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}

	current, err := t.forecast(ctx, lat, lon)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}

	payload, err := json.Marshal(map[string]any{
		"location":       name,
		"temperature_c":  current.Temperature,
		"wind_speed_kmh": current.WindSpeed,
		"weather_code":   current.WeatherCode,
	})
	if err != nil {
		return &Result{Content: fmt.Sprintf("failed to encode result: %v", err), IsError: true}, nil
	}
	return &Result{Content: string(payload)}, nil
}

func (t *WeatherTool) geocode(ctx context.Context, location string) (lat, lon float64, name string, err error) {
	endpoint := fmt.Sprintf("%s?name=%s&count=1", t.config.GeocodeURL, url.QueryEscape(location))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0, "", fmt.Errorf("weather: build geocode request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, 0, "", fmt.Errorf("weather: geocode request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, "", fmt.Errorf("weather: geocode returned status %d", resp.StatusCode)
	}

	var body struct {
		Results []struct {
			Name      string  `json:"name"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, 0, "", fmt.Errorf("weather: decode geocode response: %w", err)
	}
	if len(body.Results) == 0 {
		return 0, 0, "", fmt.Errorf("weather: no match for location %q", location)
	}
	r := body.Results[0]
	return r.Latitude, r.Longitude, r.Name, nil
}

type currentConditions struct {
	Temperature float64 `json:"temperature"`
	WindSpeed   float64 `json:"windspeed"`
	WeatherCode int     `json:"weathercode"`
}

func (t *WeatherTool) forecast(ctx context.Context, lat, lon float64) (*currentConditions, error) {
	endpoint := fmt.Sprintf("%s?latitude=%.4f&longitude=%.4f&current_weather=true", t.config.ForecastURL, lat, lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("weather: build forecast request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: forecast request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather: forecast returned status %d", resp.StatusCode)
	}

	var body struct {
		CurrentWeather currentConditions `json:"current_weather"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("weather: decode forecast response: %w", err)
	}
	return &body.CurrentWeather, nil
}
