package trigger

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/midcurve/autoclose/internal/models"
)

// comparisonScale is the precision triggers are evaluated at.
const comparisonScale = 8

// PoolMeta is what it takes to humanize a raw pool price.
type PoolMeta struct {
	Token0Decimals int
	Token1Decimals int
	QuoteIsToken0  bool
}

var q96 = new(big.Float).SetPrec(256).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

// QuotePrice converts a raw sqrtPriceX96 pool price into the actual
// quote-denominated price. The raw ratio is token1 per token0 in on-chain
// units; decimals shift it to human scale and the quote side decides whether
// it gets inverted.
func QuotePrice(sqrtPriceX96 *big.Int, meta PoolMeta) decimal.Decimal {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return decimal.Zero
	}

	ratio := new(big.Float).SetPrec(256).SetInt(sqrtPriceX96)
	ratio.Quo(ratio, q96)
	ratio.Mul(ratio, ratio)

	// raw token1/token0 * 10^(dec0-dec1) = human token1 per token0
	shift := meta.Token0Decimals - meta.Token1Decimals
	if shift != 0 {
		pow := new(big.Float).SetPrec(256).SetInt(pow10(abs(shift)))
		if shift > 0 {
			ratio.Mul(ratio, pow)
		} else {
			ratio.Quo(ratio, pow)
		}
	}

	if meta.QuoteIsToken0 {
		if ratio.Sign() == 0 {
			return decimal.Zero
		}
		ratio.Quo(new(big.Float).SetPrec(256).SetInt64(1), ratio)
	}

	d, err := decimal.NewFromString(ratio.Text('f', 18))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ShouldTrigger applies the shared comparison rule: a lower (stop-loss)
// trigger fires at price <= threshold, an upper (take-profit) trigger at
// price >= threshold. A zero or unset threshold never triggers. Rounding is
// direction-aware: the observed price is rounded away from the threshold, so
// a value sitting on the precision edge errs toward keeping the position
// open.
func ShouldTrigger(side models.TriggerSide, threshold, price decimal.Decimal) bool {
	if threshold.Sign() <= 0 {
		return false
	}
	switch side {
	case models.TriggerLower:
		return price.RoundCeil(comparisonScale).LessThanOrEqual(threshold)
	case models.TriggerUpper:
		return price.RoundFloor(comparisonScale).GreaterThanOrEqual(threshold)
	default:
		return false
	}
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
