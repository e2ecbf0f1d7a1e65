package swapquote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/midcurve/autoclose/internal/httputil"
)

// ErrPriceProtection is the provider's refusal to quote because the route
// would move the price beyond its protection bounds. It is a terminal
// business failure: a stale route must never be broadcast, and re-asking
// immediately will not produce a safer one.
var ErrPriceProtection = errors.New("swapquote: price protection triggered")

// ErrNotConfigured is returned when an order needs a swap route but no
// provider URL was configured.
var ErrNotConfigured = errors.New("swapquote: provider not configured")

// Params is a usable swap route for the fee-adjusted input amount.
type Params struct {
	MinAmountOut string `json:"minAmountOut"` // decimal string
	Calldata     []byte `json:"-"`
	Deadline     int64  `json:"deadline"` // unix seconds
}

type quoteRequest struct {
	ChainID     int64  `json:"chainId"`
	TokenIn     string `json:"tokenIn"`
	TokenOut    string `json:"tokenOut"`
	AmountIn    string `json:"amountIn"` // decimal string
	SlippageBps int    `json:"slippageBps"`
}

type quoteResponse struct {
	MinAmountOut    string `json:"minAmountOut"`
	Calldata        string `json:"calldata"` // 0x-hex
	Deadline        int64  `json:"deadline"`
	PriceProtection bool   `json:"priceProtection"`
	Error           string `json:"error,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    4 * time.Second,
		},
	}
}

// GetSwapParams fetches a fresh route for the given input. Quotes are never
// cached: every execution attempt re-asks at current market state.
func (c *Client) GetSwapParams(ctx context.Context, chainID int64, tokenIn, tokenOut, amountIn string, slippageBps int) (*Params, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(quoteRequest{
		ChainID:     chainID,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		AmountIn:    amountIn,
		SlippageBps: slippageBps,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal quote request: %w", err)
	}

	resp, err := httputil.Do(ctx, c.httpClient, c.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/quote", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("quote request: %w", err)
	}
	defer resp.Body.Close()

	var q quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return nil, fmt.Errorf("decode quote response: %w", err)
	}
	if q.PriceProtection {
		return nil, ErrPriceProtection
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote provider: HTTP %d: %s", resp.StatusCode, q.Error)
	}

	calldata, err := hexutil.Decode(q.Calldata)
	if err != nil {
		return nil, fmt.Errorf("decode route calldata: %w", err)
	}
	return &Params{
		MinAmountOut: q.MinAmountOut,
		Calldata:     calldata,
		Deadline:     q.Deadline,
	}, nil
}
