package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// SwapRequest submits a signed-session swap to the chain-submission
// service. ClientRef is the idempotency key; resubmitting the same ref
// never broadcasts twice.
type SwapRequest struct {
	ClientRef      string          `json:"client_ref"`
	WalletAddress  string          `json:"wallet_address"`
	SessionKeyID   uint            `json:"session_key_id"`
	ChainID        string          `json:"chain_id"`
	FromToken      string          `json:"from_token"`
	ToToken        string          `json:"to_token"`
	AmountUsd      decimal.Decimal `json:"amount_usd"`
	QuoteID        string          `json:"quote_id,omitempty"`
	MaxSlippageBps int             `json:"max_slippage_bps"`
}

// SwapReceipt acknowledges acceptance; confirmation arrives later via the
// callback endpoints.
type SwapReceipt struct {
	ClientRef  string    `json:"client_ref"`
	Accepted   bool      `json:"accepted"`
	TxHash     string    `json:"tx_hash,omitempty"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// ChainClient talks to the chain-submission service.
type ChainClient struct {
	http *resty.Client
}

// NewChainClient builds a client with the shared retry policy. Retries are
// safe because every submission carries an idempotency key.
func NewChainClient(baseURL, apiKey string, timeout time.Duration) *ChainClient {
	if baseURL == "" {
		baseURL = "http://localhost:8082"
		logger.Warnf("No chain service URL provided, using default: %s", baseURL)
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

	return &ChainClient{http: httpClient}
}

// SubmitSwap hands a swap to the chain service for broadcast.
func (c *ChainClient) SubmitSwap(ctx context.Context, req SwapRequest) (*SwapReceipt, error) {
	var receipt SwapReceipt

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&receipt).
		Post("/v1/swaps")
	if err != nil {
		return nil, fmt.Errorf("swap submission failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("swap submission returned %d: %s", resp.StatusCode(), resp.String())
	}

	logger.WithFields(map[string]interface{}{
		"client_ref": req.ClientRef,
		"accepted":   receipt.Accepted,
	}).Info("swap submitted to chain service")

	return &receipt, nil
}
