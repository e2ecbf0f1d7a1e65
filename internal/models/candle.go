package models

import "github.com/shopspring/decimal"

// OhlcCandle is an immutable, finalized time bucket for one pool. Produced
// only by finalizing a candle builder; consumed by trigger evaluation and by
// analytics consumers on the candle exchange.
type OhlcCandle struct {
	ChainID      int64           `json:"chainId"`
	PoolAddress  string          `json:"poolAddress"`
	Timeframe    string          `json:"timeframe"` // "1m"
	BucketStart  int64           `json:"bucketStart"` // unix ms
	BucketISO    string          `json:"bucketIso"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	TradeCount   int             `json:"tradeCount"`
	Volume0      decimal.Decimal `json:"volume0"`
	Volume1      decimal.Decimal `json:"volume1"`
}
