package common

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrBelowMinNotional is returned when a quantized price*qty falls below the
// symbol's min_notional after quantization.
var ErrBelowMinNotional = errors.New("common: quantity*price below min notional")

// SymbolFilters mirrors the exchange-declared precision/limits for a symbol.
// Cached per symbol per exchange by the gateway for the gateway's lifetime.
type SymbolFilters struct {
	Symbol        string
	TickSize      decimal.Decimal
	StepSize      decimal.Decimal
	MinQty        decimal.Decimal
	MinNotional   decimal.Decimal
	PriceDecimals int32
	QtyDecimals   int32
}

// maxQuantizePasses bounds the wash-out loop; the exchange's step/tick values
// are exact decimals so two passes are normally enough to reach a fixed point.
const maxQuantizePasses = 3

// QuantizePrice snaps price to the symbol's tick size using round-half-to-even,
// then truncates to price_decimals. Quantization is a fixed point:
// QuantizePrice(QuantizePrice(x)) == QuantizePrice(x).
func QuantizePrice(price decimal.Decimal, f SymbolFilters) decimal.Decimal {
	if f.TickSize.IsZero() {
		return truncate(price, f.PriceDecimals)
	}
	q := price
	for i := 0; i < maxQuantizePasses; i++ {
		steps := q.Div(f.TickSize).RoundBank(0)
		snapped := steps.Mul(f.TickSize)
		snapped = truncate(snapped, f.PriceDecimals)
		if snapped.Equal(q) {
			q = snapped
			break
		}
		q = snapped
	}
	return q
}

// QuantizeQty snaps qty down to a multiple of step size (floor, never round up
// past what the account actually holds/can afford), truncates to qty_decimals,
// and enforces min_qty. Quantization is a fixed point, same guarantee as price.
func QuantizeQty(qty decimal.Decimal, f SymbolFilters) decimal.Decimal {
	if f.StepSize.IsZero() {
		return truncate(qty, f.QtyDecimals)
	}
	q := qty
	for i := 0; i < maxQuantizePasses; i++ {
		steps := q.Div(f.StepSize).Floor()
		snapped := steps.Mul(f.StepSize)
		snapped = truncate(snapped, f.QtyDecimals)
		if snapped.Equal(q) {
			q = snapped
			break
		}
		q = snapped
	}
	if q.LessThan(f.MinQty) {
		q = f.MinQty
	}
	return q
}

// QuantizeOrder quantizes both legs and enforces min_notional. The gateway
// and the cycle manager do not call it; they use QuantizePrice and
// QuantizeQty directly.
func QuantizeOrder(price, qty decimal.Decimal, f SymbolFilters) (decimal.Decimal, decimal.Decimal, error) {
	qp := QuantizePrice(price, f)
	qq := QuantizeQty(qty, f)
	if !f.MinNotional.IsZero() && qp.Mul(qq).LessThan(f.MinNotional) {
		return qp, qq, ErrBelowMinNotional
	}
	return qp, qq, nil
}

// IsMultipleOf reports whether v is an exact multiple of step. Nothing in
// the module calls it; the quantizers do not check their own results with it.
func IsMultipleOf(v, step decimal.Decimal) bool {
	if step.IsZero() {
		return true
	}
	return v.Div(step).Mod(decimal.NewFromInt(1)).IsZero()
}

func truncate(v decimal.Decimal, decimals int32) decimal.Decimal {
	if decimals < 0 {
		return v
	}
	return v.Truncate(decimals)
}
