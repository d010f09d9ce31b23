package risk

import "math"

// z score for a one-sided 95% VaR
const z95 = 1.645

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}

// VaR converts annualized volatility into 1-day and 7-day 95% value at risk
// as a fraction of notional.
func VaR(annualVol float64) (oneDay, sevenDay float64) {
	oneDay = z95 * annualVol / math.Sqrt(365)
	return oneDay, oneDay * math.Sqrt(7)
}

func VolatilityScore(annualVol, volCap float64) float64 {
	if volCap <= 0 {
		return 0
	}
	return clamp01(annualVol / volCap)
}

// ExposureScore compares notional leverage against the allowed size.
func ExposureScore(notional, balance, maxPositionSize float64) float64 {
	if notional <= 0 {
		return 0
	}
	if balance <= 0 || maxPositionSize <= 0 {
		return 1
	}
	return clamp01(notional / balance / maxPositionSize)
}

// DrawdownScore compares the drop from peak against the allowed drawdown.
func DrawdownScore(balance, peak, maxDrawdown float64) float64 {
	if peak <= 0 || balance >= peak {
		return 0
	}
	if maxDrawdown <= 0 {
		return 1
	}
	return clamp01((peak - balance) / peak / maxDrawdown)
}

// LiquidityScore is one minus the better of depth and volume coverage.
func LiquidityScore(depth, volume, refDepth, refVolume float64) float64 {
	if depth <= 0 && volume <= 0 {
		return 0
	}
	cover := 0.0
	if refDepth > 0 {
		cover = math.Max(cover, depth/refDepth)
	}
	if refVolume > 0 {
		cover = math.Max(cover, volume/refVolume)
	}
	return clamp01(1 - math.Min(1, cover))
}

// LiquidationProximity is 0 when price is at least buffer away from the
// liquidation price and rises to 1 at the liquidation price.
func LiquidationProximity(price, liquidation, buffer float64) float64 {
	if price <= 0 || liquidation <= 0 || buffer <= 0 {
		return 0
	}
	dist := math.Abs(price-liquidation) / price
	return clamp01(1 - dist/buffer)
}
