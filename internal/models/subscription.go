package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolSubscription tracks a (chain, pool) pair that must be watched because
// at least one active order references it. Rows are created and removed by
// the subscription sync, which diffs pools-with-active-orders against
// pools-currently-subscribed.
type PoolSubscription struct {
	ID             int64            `json:"id"`
	ChainID        int64            `json:"chainId"`
	PoolAddress    string           `json:"poolAddress"`
	Token0Decimals int              `json:"token0Decimals"`
	Token1Decimals int              `json:"token1Decimals"`
	QuoteIsToken0  bool             `json:"quoteIsToken0"`
	LastPrice      *decimal.Decimal `json:"lastPrice,omitempty"`
	LastCheckedAt  *time.Time       `json:"lastCheckedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}
