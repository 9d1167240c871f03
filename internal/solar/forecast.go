// Package solar fetches solar production forecasts from the Forecast.Solar
// public API and aggregates them per hour across all configured panel
// planes.
package solar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zeushome/zeus-controller/internal/config"
	"github.com/zeushome/zeus-controller/internal/model"
)

const DefaultBaseURL = "https://api.forecast.solar"

const requestTimeout = 20 * time.Second

// The public API rate-limits aggressively; one refresh per hour is plenty
// for a forecast that only updates a few times a day.
const cacheTTL = time.Hour

// Client fetches production estimates for a set of panel planes at a fixed
// location.
type Client struct {
	httpClient *http.Client
	baseURL    string
	latitude   float64
	longitude  float64
	planes     []config.SolarPlane
	apiKey     string
}

func NewClient(latitude, longitude float64, planes []config.SolarPlane, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    DefaultBaseURL,
		latitude:   latitude,
		longitude:  longitude,
		planes:     planes,
		apiKey:     apiKey,
	}
}

// NewClientWithBaseURL is used by tests to point at a fake server.
func NewClientWithBaseURL(latitude, longitude float64, planes []config.SolarPlane, baseURL string) *Client {
	c := NewClient(latitude, longitude, planes, "")
	c.baseURL = baseURL
	return c
}

type estimateResponse struct {
	Result struct {
		Watts map[string]float64 `json:"watts"`
	} `json:"result"`
	Message struct {
		Code int    `json:"code"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

// estimateURL builds a single multi-plane request. Every configured plane
// is appended as a dec/az/kwp triplet; the API combines them server-side,
// so one refresh costs one request against the 12/hour free-tier limit.
func (c *Client) estimateURL() string {
	prefix := ""
	if c.apiKey != "" {
		prefix = "/" + c.apiKey
	}
	url := fmt.Sprintf("%s%s/estimate/%.4f/%.4f", c.baseURL, prefix, c.latitude, c.longitude)
	for _, plane := range c.planes {
		url += fmt.Sprintf("/%g/%g/%g", plane.DeclinationDeg, plane.AzimuthDeg, plane.KWPeak)
	}
	return url
}

func (c *Client) fetchEstimate(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.estimateURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection error to Forecast.Solar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("Forecast.Solar rate limit exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Forecast.Solar returned status %d", resp.StatusCode)
	}

	var out estimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode Forecast.Solar response: %w", err)
	}
	return out.Result.Watts, nil
}

// FetchForecast returns the estimated average production in watts for each
// wall-clock hour, combined across all planes. The API may report several
// periods per hour (quarter-hourly at finer resolutions); those are
// averaged, not summed, so the value stays in watts.
func (c *Client) FetchForecast(ctx context.Context) (map[time.Time]float64, error) {
	watts, err := c.fetchEstimate(ctx)
	if err != nil {
		return nil, err
	}

	sums := make(map[time.Time]float64)
	counts := make(map[time.Time]int)
	for stamp, w := range watts {
		ts, err := parseForecastTime(stamp)
		if err != nil {
			log.Debug().Str("timestamp", stamp).Msg("Skipping unparseable forecast entry")
			continue
		}
		hour := model.HourStart(ts)
		sums[hour] += w
		counts[hour]++
	}

	hourly := make(map[time.Time]float64, len(sums))
	for hour, sum := range sums {
		hourly[hour] = sum / float64(counts[hour])
	}
	log.Debug().Int("planes", len(c.planes)).Int("hours", len(hourly)).Msg("Fetched solar forecast")
	return hourly, nil
}

// The API returns "2026-08-31 14:00:00" in the location's local time, or
// RFC3339 when a timezone is requested.
func parseForecastTime(stamp string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, stamp); err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006-01-02 15:04:05", stamp, time.Local)
}

// Feed caches the hourly forecast so the engine can run passes between
// refreshes without hitting the rate-limited API.
type Feed struct {
	client    *Client
	forecast  map[time.Time]float64
	fetchedAt time.Time
}

func NewFeed(client *Client) *Feed {
	return &Feed{client: client}
}

// Refresh fetches a new forecast if the cached one is older than the TTL.
// A fetch failure keeps the stale forecast in place.
func (f *Feed) Refresh(ctx context.Context, now time.Time) error {
	if f.forecast != nil && now.Sub(f.fetchedAt) < cacheTTL {
		return nil
	}
	forecast, err := f.client.FetchForecast(ctx)
	if err != nil {
		if f.forecast != nil {
			log.Warn().Err(err).Msg("Solar forecast refresh failed, keeping stale forecast")
			return nil
		}
		return err
	}
	f.forecast = forecast
	f.fetchedAt = now
	return nil
}

// Forecast returns the cached hourly production forecast. May be empty
// before the first successful refresh.
func (f *Feed) Forecast() map[time.Time]float64 {
	if f.forecast == nil {
		return map[time.Time]float64{}
	}
	return f.forecast
}
