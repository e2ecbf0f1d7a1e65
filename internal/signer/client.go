package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/midcurve/autoclose/internal/httputil"
)

// TxRequest is everything the remote signer needs to produce a signed
// transaction. The worker never holds key material; nonce and gas are chosen
// here so signing stays a pure function of its inputs.
type TxRequest struct {
	ChainID  int64  `json:"chainId"`
	To       string `json:"to"`
	Data     string `json:"data"` // 0x-hex calldata
	Nonce    uint64 `json:"nonce"`
	GasLimit uint64 `json:"gasLimit"`
	GasPrice string `json:"gasPrice"` // wei, decimal string
	Value    string `json:"value"`    // wei, decimal string
}

// SignedTx is the signer's response: RLP bytes ready to broadcast and the
// hash they will carry.
type SignedTx struct {
	Raw    []byte
	TxHash string
}

type signResponse struct {
	SignedTransaction string `json:"signedTransaction"` // 0x-hex RLP
	TxHash            string `json:"txHash"`
	Error             string `json:"error,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
	}
}

// SignTransaction submits the fully-specified transaction for signing. The
// signer is stateless, so a retried request signs identical bytes.
func (c *Client) SignTransaction(ctx context.Context, req TxRequest) (*SignedTx, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal sign request: %w", err)
	}

	resp, err := httputil.Do(ctx, c.httpClient, c.retry, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sign", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	defer resp.Body.Close()

	var s signResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode sign response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signer: HTTP %d: %s", resp.StatusCode, s.Error)
	}

	raw, err := hexutil.Decode(s.SignedTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	return &SignedTx{Raw: raw, TxHash: s.TxHash}, nil
}
