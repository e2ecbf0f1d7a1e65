package models

import "fmt"

// PoolKey identifies one watched pool across chains.
type PoolKey struct {
	ChainID     int64  `json:"chainId"`
	PoolAddress string `json:"poolAddress"`
}

func (k PoolKey) String() string {
	return fmt.Sprintf("%d:%s", k.ChainID, k.PoolAddress)
}
