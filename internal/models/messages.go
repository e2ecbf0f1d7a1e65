package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderTriggerMessage is the immutable fact published once an order's
// condition is observed to hold. Serialized as flat JSON with all prices as
// decimal strings. A retry re-publishes a logically equivalent message with a
// fresh MessageID.
type OrderTriggerMessage struct {
	MessageID     string          `json:"messageId"`
	OrderID       string          `json:"orderId"`
	PositionID    string          `json:"positionId"`
	ChainID       int64           `json:"chainId"`
	PoolAddress   string          `json:"poolAddress"`
	TriggerSide   TriggerSide     `json:"triggerSide"`
	TriggerPrice  decimal.Decimal `json:"triggerPrice"`
	ObservedPrice decimal.Decimal `json:"observedPrice"`
	ObservedAt    time.Time       `json:"observedAt"`
}
