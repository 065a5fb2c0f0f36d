package risk

import (
	"github.com/shopspring/decimal"

	"tradeengine/src/model"
)

var hundred = decimal.NewFromInt(100)

// CalculateCopySize derives the follower order size in USD from a leader
// trade, before clamping.
//   - percentage: leaderUsd scaled by sizeValue percent
//   - fixed: sizeValue as-is
//   - proportional: follower portfolio value scaled by sizeValue percent
func CalculateCopySize(mode model.SizingMode, sizeValue, leaderUsd, portfolioUsd decimal.Decimal) decimal.Decimal {
	switch mode {
	case model.SizingModePercentage:
		return leaderUsd.Mul(sizeValue).Div(hundred)
	case model.SizingModeFixed:
		return sizeValue
	case model.SizingModeProportional:
		return portfolioUsd.Mul(sizeValue).Div(hundred)
	}
	return decimal.Zero
}

// CheckBounds validates a sized trade against the relationship's [min, max]
// band. A zero max means unbounded above. The returned skip reason is empty
// when the size is acceptable.
func CheckBounds(size, minUsd, maxUsd decimal.Decimal) model.CopySkipReason {
	if size.LessThanOrEqual(decimal.Zero) {
		return model.CopySkipBelowMinSize
	}
	if minUsd.GreaterThan(decimal.Zero) && size.LessThan(minUsd) {
		return model.CopySkipBelowMinSize
	}
	if maxUsd.GreaterThan(decimal.Zero) && size.GreaterThan(maxUsd) {
		return model.CopySkipAboveMaxSize
	}
	return ""
}

// ClampToMax caps a sized trade at the relationship's maximum. Used when
// the policy prefers clipping over skipping oversized copies.
func ClampToMax(size, maxUsd decimal.Decimal) decimal.Decimal {
	if maxUsd.GreaterThan(decimal.Zero) && size.GreaterThan(maxUsd) {
		return maxUsd
	}
	return size
}

// SlippageBps computes the realized slippage of a fill against the quoted
// expectation, in basis points. Zero expected means zero slippage.
func SlippageBps(expectedOut, actualOut decimal.Decimal) int {
	if expectedOut.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	diff := expectedOut.Sub(actualOut)
	if diff.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	bps := diff.Mul(decimal.NewFromInt(10000)).Div(expectedOut)
	return int(bps.IntPart())
}
