package cycle

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-core/pkg/exchanges/common"
)

// ErrLadderInvalid is raised when any computed safety price is non-positive;
// the cycle aborts as Failed with this reason per spec §4.3.
var ErrLadderInvalid = fmt.Errorf("LadderInvalid")

const hundred = "100"

// computeLadder builds the full safety-order schedule from the base fill
// price: deviation_i = price_deviation_pct * multiplier^(i-1); size_i =
// safety_order_amount * size_multiplier^(i-1); price_i = base_fill_price *
// (1 - deviation_i/100) for long, (1 + deviation_i/100) for short. Each rung
// is quantized through the gateway's filters before being returned.
func computeLadder(p Params, baseFillPrice decimal.Decimal, filters common.SymbolFilters) ([]LadderRung, error) {
	hundredD := decimal.RequireFromString(hundred)
	deviationMult := p.PriceDeviationMultiplier
	if deviationMult.IsZero() {
		deviationMult = decimal.NewFromInt(1)
	}
	sizeMult := p.SafetyOrderSizeMultiplier
	if sizeMult.IsZero() {
		sizeMult = decimal.NewFromInt(1)
	}

	rungs := make([]LadderRung, 0, p.MaxSafetyOrders)
	deviation := p.PriceDeviationPct
	size := p.SafetyOrderAmount

	for i := 1; i <= p.MaxSafetyOrders; i++ {
		var price decimal.Decimal
		ratio := deviation.Div(hundredD)
		if p.Direction == DirectionShort {
			price = baseFillPrice.Mul(decimal.NewFromInt(1).Add(ratio))
		} else {
			price = baseFillPrice.Mul(decimal.NewFromInt(1).Sub(ratio))
		}
		if price.LessThanOrEqual(decimal.Zero) {
			return nil, ErrLadderInvalid
		}

		quantPrice := common.QuantizePrice(price, filters)
		// Safety order amount is quote currency; convert to base qty at the
		// rung's own quantized price before qty-quantizing.
		qty := size.Div(quantPrice)
		quantQty := common.QuantizeQty(qty, filters)

		rungs = append(rungs, LadderRung{Rung: i, Price: quantPrice, Qty: quantQty})

		deviation = deviation.Mul(deviationMult)
		size = size.Mul(sizeMult)
	}
	return rungs, nil
}

// takeProfitPrice computes the take-profit limit price from the current
// average entry: average * (1 + tp%/100) for long, average * (1 - tp%/100)
// for short, quantized to the symbol's tick size.
func takeProfitPrice(p Params, averageEntry decimal.Decimal, filters common.SymbolFilters) decimal.Decimal {
	hundredD := decimal.RequireFromString(hundred)
	ratio := p.TakeProfitPct.Div(hundredD)
	var price decimal.Decimal
	if p.Direction == DirectionShort {
		price = averageEntry.Mul(decimal.NewFromInt(1).Sub(ratio))
	} else {
		price = averageEntry.Mul(decimal.NewFromInt(1).Add(ratio))
	}
	return common.QuantizePrice(price, filters)
}

// recomputeAverageEntry folds in a new fill: total_quote_invested and
// total_base_quantity accumulate, average = quote / base. Decimal
// arithmetic throughout; rounding to price_decimals happens only at
// submission time, never here.
func recomputeAverageEntry(totalQuote, totalBase decimal.Decimal) decimal.Decimal {
	if totalBase.IsZero() {
		return decimal.Zero
	}
	return totalQuote.Div(totalBase)
}
