package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TriggerSide says which direction of price movement closes the position.
type TriggerSide string

const (
	// TriggerLower is a stop-loss: close when price falls to the threshold.
	TriggerLower TriggerSide = "lower"
	// TriggerUpper is a take-profit: close when price rises to the threshold.
	TriggerUpper TriggerSide = "upper"
)

// OrderState is the automation lifecycle state of a close order.
type OrderState string

const (
	StateMonitoring OrderState = "monitoring"
	StateExecuting  OrderState = "executing"
	StateRetrying   OrderState = "retrying"
	StateExecuted   OrderState = "executed"
	StateFailed     OrderState = "failed"
	StateCancelled  OrderState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	return s == StateExecuted || s == StateFailed || s == StateCancelled
}

// Active reports whether the order should still be watched for its trigger.
func (s OrderState) Active() bool {
	return s == StateMonitoring || s == StateRetrying
}

// CloseOrder is a standing conditional instruction to close a position.
// At most one order per (position, trigger side) may be non-terminal.
type CloseOrder struct {
	ID              string          `json:"id"`
	PositionID      string          `json:"positionId"`
	ChainID         int64           `json:"chainId"`
	PoolAddress     string          `json:"poolAddress"`
	TriggerSide     TriggerSide     `json:"triggerSide"`
	TriggerPrice    decimal.Decimal `json:"triggerPrice"`
	State           OrderState      `json:"state"`
	Attempts        int             `json:"attempts"`
	LastError       *string         `json:"lastError,omitempty"`
	TxHash          *string         `json:"txHash,omitempty"`
	OperatorAddress string          `json:"operatorAddress"`
	ContractAddress string          `json:"contractAddress"`
	SwapEnabled     bool            `json:"swapEnabled"`
	SlippageBps     int             `json:"slippageBps"`
	FeeBps          int             `json:"feeBps"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}
