// Package paynet is the HTTP client for the Lightning wallet provider that
// holds the BTC side of swaps. All calls carry the X-API-KEY header and a
// bounded timeout; failures surface as errors, never as zero values.
package paynet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// ErrPaymentFailed is returned when the provider accepted the request but
// did not produce a settled payment.
var ErrPaymentFailed = errors.New("lightning payment failed")

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{
		baseURL:    viper.GetString("paynet.base_url"),
		apiKey:     viper.GetString("paynet.api_key"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// NewClientWithBaseURL is used by tests to point at a stub server.
func NewClientWithBaseURL(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// WithKey returns a client that authenticates with the given key instead of
// the configured one. Wallet-scoped calls use the per-account keys from the
// creds table.
func (c *Client) WithKey(apiKey string) *Client {
	clone := *c
	clone.apiKey = apiKey
	return &clone
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// WalletBalance returns the Lightning wallet balance in satoshis.
func (c *Client) WalletBalance(ctx context.Context) (int64, error) {
	var out balanceResponse
	if err := c.get(ctx, "/api/v1/wallet", &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// Payment is one settled or pending Lightning payment on the wallet.
type Payment struct {
	PaymentHash string `json:"payment_hash"`
	Amount      int64  `json:"amount"`
	Pending     bool   `json:"pending"`
}

// ListPayments returns the wallet's recent payments.
func (c *Client) ListPayments(ctx context.Context) ([]Payment, error) {
	var out []Payment
	if err := c.get(ctx, "/api/v1/payments", &out); err != nil {
		return nil, err
	}
	return out, nil
}

type scanResponse struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
}

// ScanLnurl resolves an LNURL into its pay parameters.
func (c *Client) ScanLnurl(ctx context.Context, lnurl string) (*scanResponse, error) {
	var out scanResponse
	path := "/api/v1/lnurlscan/" + url.PathEscape(lnurl)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type payRequest struct {
	DescriptionHash string `json:"description_hash"`
	Callback        string `json:"callback"`
	AmountMsat      int64  `json:"amount"`
	Comment         string `json:"comment"`
	Description     string `json:"description"`
}

type payResponse struct {
	PaymentHash string `json:"payment_hash"`
}

// PayLnurl pays amountSats to a previously scanned LNURL. The provider
// response must carry a payment hash or the payment is treated as failed.
func (c *Client) PayLnurl(ctx context.Context, callback string, amountSats int64) (string, error) {
	body := payRequest{
		Callback:   callback,
		AmountMsat: amountSats * 1000,
	}

	var out payResponse
	if err := c.post(ctx, "/api/v1/payments/lnurl", body, &out); err != nil {
		return "", err
	}
	if out.PaymentHash == "" {
		return "", ErrPaymentFailed
	}
	return out.PaymentHash, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paynet request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("paynet request failed: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("paynet response malformed: %w", err)
	}
	return nil
}
