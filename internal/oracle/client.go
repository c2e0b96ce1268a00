// Package oracle quotes the BTC/ZAR spot price from the exchange ticker
// endpoint and checks client-quoted prices against it.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

const defaultBaseURL = "https://api.binance.com"

// Tolerance is the maximum relative deviation a client-quoted price may
// have from the live spot price.
const Tolerance = 0.10

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient() *Client {
	baseURL := viper.GetString("oracle.base_url")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewClientWithBaseURL is used by tests to point at a stub server.
func NewClientWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// SpotPrice returns the current BTC/ZAR price in ZAR per BTC.
func (c *Client) SpotPrice(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=BTCZAR", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("price lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price lookup failed: status %d", resp.StatusCode)
	}

	var ticker tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return 0, fmt.Errorf("price lookup failed: %w", err)
	}

	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("price lookup failed: bad price %q", ticker.Price)
	}
	if price <= 0 {
		return 0, fmt.Errorf("price lookup failed: non-positive price %f", price)
	}
	return price, nil
}

// WithinTolerance reports whether quoted is within Tolerance of spot.
func WithinTolerance(quoted, spot float64) bool {
	if spot <= 0 || quoted <= 0 {
		return false
	}
	deviation := (quoted - spot) / spot
	if deviation < 0 {
		deviation = -deviation
	}
	return deviation <= Tolerance
}
