package botsup

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-core/internal/cycle"
	"trading-core/pkg/exchanges/common"
)

// validateLadderShape mirrors cycle's ladder math against a synthetic base
// price so start_bot can reject a misconfigured bot before ever calling the
// exchange: §4.3's LadderInvalid check (any price_i <= 0) run as a dry run.
func validateLadderShape(params cycle.Params, basePrice decimal.Decimal, filters common.SymbolFilters) error {
	hundred := decimal.RequireFromString("100")
	deviationMult := params.PriceDeviationMultiplier
	if deviationMult.IsZero() {
		deviationMult = decimal.NewFromInt(1)
	}
	deviation := params.PriceDeviationPct

	for i := 1; i <= params.MaxSafetyOrders; i++ {
		ratio := deviation.Div(hundred)
		var price decimal.Decimal
		if params.Direction == cycle.DirectionShort {
			price = basePrice.Mul(decimal.NewFromInt(1).Add(ratio))
		} else {
			price = basePrice.Mul(decimal.NewFromInt(1).Sub(ratio))
		}
		if common.QuantizePrice(price, filters).LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("botsup: LadderInvalid at rung %d", i)
		}
		deviation = deviation.Mul(deviationMult)
	}
	return nil
}

func decimalFromInt(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}
