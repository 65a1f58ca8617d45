// Package weather gives the agent a sense of the physical world outside
// its server, via the keyless open-meteo API.
package weather

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Client fetches current conditions for a fixed location, with caching
// and failure backoff so a flaky API never dominates a think cycle.
type Client struct {
	latitude  float64
	longitude float64
	place     string
	client    *http.Client

	mu          sync.Mutex
	cached      *Conditions
	cachedAt    time.Time
	cacheTTL    time.Duration
	lastFailAt  time.Time
	failBackoff time.Duration
}

// NewClient creates a weather client for the given coordinates.
func NewClient(latitude, longitude float64, place string) *Client {
	if place == "" {
		place = "somewhere on Earth"
	}
	return &Client{
		latitude:  latitude,
		longitude: longitude,
		place:     place,
		client:    &http.Client{Timeout: 10 * time.Second},
		cacheTTL:  10 * time.Minute,
	}
}

// Conditions holds parsed weather data.
type Conditions struct {
	Place       string  `json:"place"`
	TempC       float64 `json:"temp_c"`
	WindSpeed   float64 `json:"wind_speed"` // km/h
	Description string  `json:"description"`
}

// Fetch retrieves current conditions, using cache if fresh.
func (c *Client) Fetch() (*Conditions, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.cachedAt) < c.cacheTTL {
		return c.cached, nil
	}

	// Backoff on repeated failures (up to 10 minutes).
	if c.failBackoff > 0 && time.Since(c.lastFailAt) < c.failBackoff {
		if c.cached != nil {
			return c.cached, nil
		}
		return nil, fmt.Errorf("weather API backoff (%s remaining)", c.failBackoff-time.Since(c.lastFailAt))
	}

	conditions, err := c.fetchFromAPI()
	if err != nil {
		c.lastFailAt = time.Now()
		if c.failBackoff == 0 {
			c.failBackoff = time.Minute
		} else if c.failBackoff < 10*time.Minute {
			c.failBackoff *= 2
		}
		if c.cached != nil {
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = conditions
	c.cachedAt = time.Now()
	c.failBackoff = 0
	return conditions, nil
}

func (c *Client) fetchFromAPI() (*Conditions, error) {
	apiURL := fmt.Sprintf(
		"https://api.open-meteo.com/v1/forecast?latitude=%.4f&longitude=%.4f&current=temperature_2m,weather_code,wind_speed_10m",
		c.latitude, c.longitude)

	resp, err := c.client.Get(apiURL)
	if err != nil {
		return nil, fmt.Errorf("weather API call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read weather response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather API error %d: %s", resp.StatusCode, string(body))
	}

	var om struct {
		Current struct {
			Temperature float64 `json:"temperature_2m"`
			WeatherCode int     `json:"weather_code"`
			WindSpeed   float64 `json:"wind_speed_10m"`
		} `json:"current"`
	}
	if err := json.Unmarshal(body, &om); err != nil {
		return nil, fmt.Errorf("parse weather: %w", err)
	}

	conditions := &Conditions{
		Place:       c.place,
		TempC:       om.Current.Temperature,
		WindSpeed:   om.Current.WindSpeed,
		Description: describeCode(om.Current.WeatherCode),
	}

	slog.Debug("weather fetched", "temp", conditions.TempC, "desc", conditions.Description)
	return conditions, nil
}

// Describe renders conditions as a sentence for the agent's senses.
func (c *Conditions) Describe() string {
	return fmt.Sprintf("In %s it is %.1f°C with %s, wind %.0f km/h.",
		c.Place, c.TempC, c.Description, c.WindSpeed)
}

// describeCode maps WMO weather codes to words.
func describeCode(code int) string {
	switch {
	case code == 0:
		return "clear skies"
	case code <= 3:
		return "scattered clouds"
	case code <= 48:
		return "fog"
	case code <= 57:
		return "drizzle"
	case code <= 67:
		return "rain"
	case code <= 77:
		return "snow"
	case code <= 82:
		return "rain showers"
	case code <= 86:
		return "snow showers"
	case code <= 99:
		return "a thunderstorm"
	}
	return "strange weather"
}
