package cycle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trading-core/internal/orderrepo"
	"trading-core/pkg/exchanges/common"
)

func testFilters() common.SymbolFilters {
	return common.SymbolFilters{
		Symbol:        "BTCUSDT",
		TickSize:      decimal.RequireFromString("0.01"),
		StepSize:      decimal.RequireFromString("0.0001"),
		MinQty:        decimal.RequireFromString("0.0001"),
		MinNotional:   decimal.RequireFromString("10"),
		PriceDecimals: 2,
		QtyDecimals:   4,
	}
}

func longParams() Params {
	return Params{
		Symbol:                    "BTCUSDT",
		Direction:                 DirectionLong,
		BaseOrderAmount:           decimal.NewFromInt(100),
		SafetyOrderAmount:         decimal.NewFromInt(100),
		MaxSafetyOrders:           3,
		PriceDeviationPct:         decimal.NewFromInt(2),
		PriceDeviationMultiplier:  decimal.NewFromFloat(1.5),
		SafetyOrderSizeMultiplier: decimal.NewFromFloat(1.2),
		TakeProfitPct:             decimal.NewFromInt(1),
	}
}

func TestComputeLadderDeviationsAndSizesGrow(t *testing.T) {
	p := longParams()
	rungs, err := computeLadder(p, decimal.NewFromInt(30000), testFilters())
	if err != nil {
		t.Fatalf("compute ladder: %v", err)
	}
	if len(rungs) != 3 {
		t.Fatalf("expected 3 rungs, got %d", len(rungs))
	}
	for i := 1; i < len(rungs); i++ {
		if !rungs[i].Price.LessThan(rungs[i-1].Price) {
			t.Fatalf("rung %d price %s should be below rung %d price %s", i, rungs[i].Price, i-1, rungs[i-1].Price)
		}
		if !rungs[i].Qty.GreaterThan(rungs[i-1].Qty) {
			t.Fatalf("rung %d qty %s should exceed rung %d qty %s (growing safety size)", i, rungs[i].Qty, i-1, rungs[i-1].Qty)
		}
	}
}

func TestComputeLadderShortDirectionPricesRise(t *testing.T) {
	p := longParams()
	p.Direction = DirectionShort
	rungs, err := computeLadder(p, decimal.NewFromInt(30000), testFilters())
	if err != nil {
		t.Fatalf("compute ladder: %v", err)
	}
	for i := 1; i < len(rungs); i++ {
		if !rungs[i].Price.GreaterThan(rungs[i-1].Price) {
			t.Fatalf("short rung %d price should rise above rung %d", i, i-1)
		}
	}
}

func TestComputeLadderRejectsNonPositivePrice(t *testing.T) {
	p := longParams()
	p.PriceDeviationPct = decimal.NewFromInt(200)
	p.PriceDeviationMultiplier = decimal.NewFromInt(1)
	_, err := computeLadder(p, decimal.NewFromInt(100), testFilters())
	if err != ErrLadderInvalid {
		t.Fatalf("expected ErrLadderInvalid, got %v", err)
	}
}

func TestTakeProfitPriceLongAboveAverage(t *testing.T) {
	p := longParams()
	price := takeProfitPrice(p, decimal.NewFromInt(30000), testFilters())
	if !price.GreaterThan(decimal.NewFromInt(30000)) {
		t.Fatalf("expected take-profit above average for long, got %s", price)
	}
}

func TestTakeProfitPriceShortBelowAverage(t *testing.T) {
	p := longParams()
	p.Direction = DirectionShort
	price := takeProfitPrice(p, decimal.NewFromInt(30000), testFilters())
	if !price.LessThan(decimal.NewFromInt(30000)) {
		t.Fatalf("expected take-profit below average for short, got %s", price)
	}
}

func TestRecomputeAverageEntryWeightsByQuote(t *testing.T) {
	avg := recomputeAverageEntry(decimal.NewFromInt(300), decimal.NewFromInt(10))
	if !avg.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected average 30, got %s", avg)
	}
	if !recomputeAverageEntry(decimal.Zero, decimal.Zero).IsZero() {
		t.Fatalf("expected zero average with no base quantity")
	}
}

func TestParamsValidateRejectsTooManySafetyOrders(t *testing.T) {
	p := longParams()
	p.ActiveSafetyOrders = p.MaxSafetyOrders
	if err := p.Validate(); err == nil {
		t.Fatalf("expected validation error when active == max safety orders")
	}
}

func TestParamsValidateRejectsLastRungNearTotalLoss(t *testing.T) {
	p := longParams()
	p.PriceDeviationPct = decimal.NewFromInt(60)
	p.PriceDeviationMultiplier = decimal.NewFromInt(2)
	if err := p.Validate(); err == nil {
		t.Fatalf("expected validation error for last-rung deviation >= 100%%")
	}
}

func TestExecutionEventOrderingByEventTimeThenRole(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	earlier := executionEvent{report: common.ExecutionReport{EventTime: t0, ClientOrderID: "b"}, role: orderrepo.RoleSafety}
	later := executionEvent{report: common.ExecutionReport{EventTime: t0.Add(time.Second), ClientOrderID: "a"}, role: orderrepo.RoleSafety}
	if !earlier.less(later) {
		t.Fatalf("expected earlier event_time to sort first")
	}

	tp := executionEvent{report: common.ExecutionReport{EventTime: t0, ClientOrderID: "z"}, role: orderrepo.RoleTakeProfit}
	safety := executionEvent{report: common.ExecutionReport{EventTime: t0, ClientOrderID: "a"}, role: orderrepo.RoleSafety}
	if !tp.less(safety) {
		t.Fatalf("expected take-profit to sort before safety at equal event_time")
	}

	a := executionEvent{report: common.ExecutionReport{EventTime: t0, ClientOrderID: "a"}, role: orderrepo.RoleSafety}
	b := executionEvent{report: common.ExecutionReport{EventTime: t0, ClientOrderID: "b"}, role: orderrepo.RoleSafety}
	if !a.less(b) {
		t.Fatalf("expected lexicographic client_order_id tie-break")
	}
}
