package models

import "time"

// Position is the on-chain LP position a close order belongs to. The row is
// a cached projection; the contract remains the source of truth for
// ownership, approval and liquidity at execution time.
type Position struct {
	ID             string    `json:"id"`
	ChainID        int64     `json:"chainId"`
	TokenID        string    `json:"tokenId"` // NFT token id, decimal string
	OwnerAddress   string    `json:"ownerAddress"`
	PoolAddress    string    `json:"poolAddress"`
	Token0Address  string    `json:"token0Address"`
	Token1Address  string    `json:"token1Address"`
	Token0Decimals int       `json:"token0Decimals"`
	Token1Decimals int       `json:"token1Decimals"`
	QuoteIsToken0  bool      `json:"quoteIsToken0"`
	CreatedAt      time.Time `json:"createdAt"`
}
