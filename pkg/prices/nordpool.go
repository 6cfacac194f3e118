package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/johanzander/batterymanager/pkg/common"
	"github.com/johanzander/batterymanager/pkg/log"
)

// NordpoolSource fetches day-ahead spot prices from the Nord Pool data
// portal API.
type NordpoolSource struct {
	apiURL string
	area   string
	client *http.Client
}

// NewNordpoolSource returns a source for the given API URL and bidding area.
func NewNordpoolSource(apiURL, area string) *NordpoolSource {
	return &NordpoolSource{
		apiURL: apiURL,
		area:   area,
		client: common.HTTPClient(15 * time.Second),
	}
}

// Validate ensures the configuration is valid.
func (n *NordpoolSource) Validate() error {
	if n.apiURL == "" {
		return fmt.Errorf("nordpool-api-url is required")
	}
	if _, err := url.Parse(n.apiURL); err != nil {
		return fmt.Errorf("failed to parse nordpool url (%s): %w", n.apiURL, err)
	}
	if n.area == "" {
		return fmt.Errorf("price area is required")
	}
	return nil
}

type nordpoolEntry struct {
	DeliveryStart string             `json:"deliveryStart"`
	EntryPerArea  map[string]float64 `json:"entryPerArea"`
}

type nordpoolResponse struct {
	MultiAreaEntries []nordpoolEntry `json:"multiAreaEntries"`
}

// RawPrices implements Source. Prices are published per MWh and converted to
// SEK/kWh. A 204 response means the day has not been published yet and
// returns an empty slice without error.
func (n *NordpoolSource) RawPrices(ctx context.Context, day time.Time) ([]float64, error) {
	u, err := url.Parse(n.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}

	params := url.Values{}
	params.Set("market", "DayAhead")
	params.Set("deliveryArea", n.area)
	params.Set("currency", "SEK")
	params.Set("date", day.Format(time.DateOnly))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	log.Ctx(ctx).DebugContext(ctx, "fetching nordpool prices", slog.String("url", u.String()))

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		log.Ctx(ctx).DebugContext(ctx, "no prices published yet", slog.String("date", day.Format(time.DateOnly)))
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nordpool api returned status: %d", resp.StatusCode)
	}

	var data nordpoolResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var prices []float64
	for _, entry := range data.MultiAreaEntries {
		price, ok := entry.EntryPerArea[n.area]
		if entry.DeliveryStart == "" || !ok {
			log.Ctx(ctx).WarnContext(ctx, "skipping nordpool entry", slog.String("deliveryStart", entry.DeliveryStart))
			continue
		}
		// Nord Pool publishes SEK/MWh
		prices = append(prices, price/1000)
	}

	if len(prices) > 0 && len(prices) != 24 {
		log.Ctx(ctx).WarnContext(
			ctx,
			"unexpected number of nordpool prices",
			slog.Int("count", len(prices)),
			slog.String("date", day.Format(time.DateOnly)),
		)
	}
	return prices, nil
}
