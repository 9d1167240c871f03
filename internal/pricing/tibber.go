// Package pricing fetches quarter-hourly energy prices from the Tibber
// GraphQL API and maintains an immutable, pruned slot cache.
//
// The Tibber price feed carries both the energy-only price (what export
// earns) and the total price including tax (what consumption costs); the
// scheduler needs both.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zeushome/zeus-controller/internal/model"
)

const DefaultEndpoint = "https://api.tibber.com/v1-beta/gql"

const requestTimeout = 15 * time.Second

// Prices older than this are pruned from the cache.
const lookback = time.Hour

const queryViewerInfo = `{
  viewer {
    name
    homes { id appNickname }
  }
}`

const queryPrices = `{
  viewer {
    homes {
      id
      appNickname
      currentSubscription {
        priceInfo(resolution: QUARTER_HOURLY) {
          today { energy tax total startsAt }
          tomorrow { energy tax total startsAt }
        }
      }
    }
  }
}`

// Client is a lightweight Tibber GraphQL client authenticated with a
// personal access token.
type Client struct {
	httpClient  *http.Client
	endpoint    string
	accessToken string
}

func NewClient(accessToken string) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: requestTimeout},
		endpoint:    DefaultEndpoint,
		accessToken: accessToken,
	}
}

// NewClientWithEndpoint is used by tests to point at a fake server.
func NewClientWithEndpoint(accessToken, endpoint string) *Client {
	c := NewClient(accessToken)
	c.endpoint = endpoint
	return c
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type pricesResponse struct {
	Data struct {
		Viewer struct {
			Name  string `json:"name"`
			Homes []struct {
				ID                  string `json:"id"`
				AppNickname         string `json:"appNickname"`
				CurrentSubscription *struct {
					PriceInfo *struct {
						Today    []priceEntry `json:"today"`
						Tomorrow []priceEntry `json:"tomorrow"`
					} `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

type priceEntry struct {
	Energy   float64 `json:"energy"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`
	StartsAt string  `json:"startsAt"`
}

func (c *Client) execute(ctx context.Context, query string, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: map[string]any{}})
	if err != nil {
		return fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "zeus-controller/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection error to Tibber API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid Tibber access token")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Tibber API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode Tibber response: %w", err)
	}
	return nil
}

// ValidateToken checks the access token and returns the viewer name.
func (c *Client) ValidateToken(ctx context.Context) (string, error) {
	var out struct {
		Data struct {
			Viewer *struct {
				Name string `json:"name"`
			} `json:"viewer"`
		} `json:"data"`
		Errors []graphqlError `json:"errors"`
	}
	if err := c.execute(ctx, queryViewerInfo, &out); err != nil {
		return "", err
	}
	if len(out.Errors) > 0 {
		return "", fmt.Errorf("Tibber GraphQL error: %s", out.Errors[0].Message)
	}
	if out.Data.Viewer == nil {
		return "", fmt.Errorf("no viewer data returned from Tibber API")
	}
	return out.Data.Viewer.Name, nil
}

// FetchPrices returns the quarter-hourly price slots for the first home,
// sorted by start time. The engine operates on one price series; multi-home
// accounts use the first home returned.
func (c *Client) FetchPrices(ctx context.Context) ([]model.PriceSlot, error) {
	var out pricesResponse
	if err := c.execute(ctx, queryPrices, &out); err != nil {
		return nil, err
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("Tibber GraphQL error: %s", out.Errors[0].Message)
	}

	for _, home := range out.Data.Viewer.Homes {
		if home.CurrentSubscription == nil || home.CurrentSubscription.PriceInfo == nil {
			log.Debug().Str("home", home.AppNickname).Msg("No price subscription for home")
			continue
		}
		info := home.CurrentSubscription.PriceInfo

		var slots []model.PriceSlot
		seen := make(map[int64]bool)
		for _, entry := range append(append([]priceEntry{}, info.Today...), info.Tomorrow...) {
			startTime, err := time.Parse(time.RFC3339, entry.StartsAt)
			if err != nil {
				log.Debug().Str("starts_at", entry.StartsAt).Msg("Skipping unparseable price entry")
				continue
			}
			if seen[startTime.Unix()] {
				continue
			}
			seen[startTime.Unix()] = true
			slots = append(slots, model.PriceSlot{
				StartTime:   startTime,
				Price:       entry.Total,
				ExportPrice: entry.Energy,
			})
		}

		log.Debug().Str("home", home.AppNickname).Int("slots", len(slots)).Msg("Fetched Tibber prices")
		return slots, nil
	}

	return nil, fmt.Errorf("no homes with price data returned from Tibber API")
}

// Feed caches price slots across fetches. Slots are immutable once
// observed: a refresh only adds new start times and prunes slots older than
// the lookback window. Safe for single-goroutine use by the engine.
type Feed struct {
	client          *Client
	cache           map[int64]model.PriceSlot
	refreshInterval time.Duration
	lastFetch       time.Time
}

func NewFeed(client *Client, refreshInterval time.Duration) *Feed {
	return &Feed{
		client:          client,
		cache:           make(map[int64]model.PriceSlot),
		refreshInterval: refreshInterval,
	}
}

// Refresh fetches the latest prices and merges them into the cache. Fetches
// more frequent than the refresh interval are skipped; a fetch failure
// leaves the cache intact.
func (f *Feed) Refresh(ctx context.Context, now time.Time) error {
	if len(f.cache) > 0 && now.Sub(f.lastFetch) < f.refreshInterval {
		return nil
	}
	slots, err := f.client.FetchPrices(ctx)
	if err != nil {
		return err
	}
	f.lastFetch = now

	for _, slot := range slots {
		key := slot.StartTime.Unix()
		if _, exists := f.cache[key]; !exists {
			f.cache[key] = slot
		}
	}

	cutoff := now.Add(-lookback)
	for key, slot := range f.cache {
		if slot.StartTime.Before(cutoff) {
			delete(f.cache, key)
		}
	}
	return nil
}

// Slots returns all cached price slots sorted by start time.
func (f *Feed) Slots() []model.PriceSlot {
	out := make([]model.PriceSlot, 0, len(f.cache))
	for _, slot := range f.cache {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}
