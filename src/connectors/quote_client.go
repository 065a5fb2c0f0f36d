// REST client for the price-quoting collaborator. Resty only, internal
// retry on transient upstream failures.
package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
)

// MarketSnapshot is the guard-time view of a pair: spot price and the gas
// estimate for one swap.
type MarketSnapshot struct {
	ChainID        string          `json:"chain_id"`
	FromToken      string          `json:"from_token"`
	ToToken        string          `json:"to_token"`
	PriceUsd       decimal.Decimal `json:"price_usd"`
	GasEstimateUsd decimal.Decimal `json:"gas_estimate_usd"`
	AsOf           time.Time       `json:"as_of"`
}

// QuoteRequest asks the quote service for an executable swap route.
type QuoteRequest struct {
	ChainID        string          `json:"chain_id"`
	FromToken      string          `json:"from_token"`
	ToToken        string          `json:"to_token"`
	AmountUsd      decimal.Decimal `json:"amount_usd"`
	MaxSlippageBps int             `json:"max_slippage_bps"`
}

// Quote is an executable route with an expiry.
type Quote struct {
	QuoteID        string          `json:"quote_id"`
	AmountOut      decimal.Decimal `json:"amount_out"`
	PriceUsd       decimal.Decimal `json:"price_usd"`
	GasEstimateUsd decimal.Decimal `json:"gas_estimate_usd"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}

	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 || code == 408 {
		return true
	}
	return false
}

// QuoteClient talks to the price-quoting service.
type QuoteClient struct {
	http *resty.Client
}

// NewQuoteClient builds a client with the shared retry policy.
func NewQuoteClient(baseURL, apiKey string, timeout time.Duration) *QuoteClient {
	if baseURL == "" {
		baseURL = "http://localhost:8081"
		logger.Warnf("No quote service URL provided, using default: %s", baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)
	if apiKey != "" {
		httpClient.SetHeader("x-api-key", apiKey)
	}

	return &QuoteClient{http: httpClient}
}

// MarketSnapshot fetches the current price and gas estimate for a pair.
func (c *QuoteClient) MarketSnapshot(ctx context.Context, chainID, fromToken, toToken string) (*MarketSnapshot, error) {
	var snap MarketSnapshot

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"chainId":   chainID,
			"fromToken": fromToken,
			"toToken":   toToken,
		}).
		SetResult(&snap).
		Get("/v1/market")
	if err != nil {
		return nil, fmt.Errorf("market snapshot request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("market snapshot returned %d: %s", resp.StatusCode(), resp.String())
	}

	return &snap, nil
}

// Quote fetches an executable route for a sized swap.
func (c *QuoteClient) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	var quote Quote

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&quote).
		Post("/v1/quote")
	if err != nil {
		return nil, fmt.Errorf("quote request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("quote returned %d: %s", resp.StatusCode(), resp.String())
	}

	logger.WithFields(map[string]interface{}{
		"quote_id":   quote.QuoteID,
		"amount_out": quote.AmountOut,
	}).Debug("quote fetched")

	return &quote, nil
}

// PortfolioValueUsd fetches the total USD value of a wallet on a chain.
func (c *QuoteClient) PortfolioValueUsd(ctx context.Context, wallet, chainID string) (decimal.Decimal, error) {
	var out struct {
		ValueUsd decimal.Decimal `json:"value_usd"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"wallet":  wallet,
			"chainId": chainID,
		}).
		SetResult(&out).
		Get("/v1/portfolio")
	if err != nil {
		return decimal.Zero, fmt.Errorf("portfolio request failed: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("portfolio returned %d: %s", resp.StatusCode(), resp.String())
	}

	return out.ValueUsd, nil
}
