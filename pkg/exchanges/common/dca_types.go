package common

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DataType distinguishes the two public market-data streams the gateway
// exposes through SubscribeMarket.
type DataType string

const (
	DataTypeTicker DataType = "ticker"
	DataTypeKline  DataType = "kline"
)

// DCAOrderRequest is the decimal-accurate order intent used by the Trading
// Core (base/safety/take-profit/liquidation orders).
type DCAOrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal // base-asset quantity; zero if QuoteQty is set
	QuoteQty      decimal.Decimal // quote-asset quantity for market orders; mutually exclusive with Qty
	Price         decimal.Decimal // required for LIMIT
	TimeInForce   TimeInForce
	ClientOrderID string
}

// DCAFill is one fill reported inline with a placement ack.
type DCAFill struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderAck is returned synchronously by PlaceOrder.
type OrderAck struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
	Fills           []DCAFill
}

// WeightedAvgFillPrice computes the quantity-weighted average price across
// inline fills; returns zero if there are no fills.
func (a OrderAck) WeightedAvgFillPrice() decimal.Decimal {
	if len(a.Fills) == 0 {
		return decimal.Zero
	}
	var notional, qty decimal.Decimal
	for _, f := range a.Fills {
		notional = notional.Add(f.Price.Mul(f.Qty))
		qty = qty.Add(f.Qty)
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}

// Balance reports a free/locked split for one asset.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// MarketUpdate is one normalized ticker or kline tick.
type MarketUpdate struct {
	Symbol    string
	DataType  DataType
	Price     decimal.Decimal // last/close price
	Interval  string          // kline interval, empty for ticker
	EventTime time.Time
}

// ExecutionReport is the gateway's normalized view of an exchange-pushed
// executionReport, keyed by our client_order_id.
type ExecutionReport struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	ExecutedQty     decimal.Decimal // cumulative filled qty
	CumulativeQuote decimal.Decimal
	LastFillPrice   decimal.Decimal
	LastFillQty     decimal.Decimal
	Commission      decimal.Decimal
	EventTime       time.Time
}

// BalanceDelta is an account balance change pushed over the user stream.
type BalanceDelta struct {
	Asset     string
	Free      decimal.Decimal
	Locked    decimal.Decimal
	EventTime time.Time
}

// StreamEventKind enumerates the lifecycle signals the user stream raises to
// its consumer (the Cycle Manager, via the Bot Supervisor) so it can trigger
// reconciliation after a gap.
type StreamEventKind string

const (
	StreamReconnected StreamEventKind = "reconnected"
	StreamClosed      StreamEventKind = "closed"
)

// StreamEvent notifies the consumer of a user-stream lifecycle transition.
type StreamEvent struct {
	Kind          StreamEventKind
	LastEventTime time.Time // watermark to reconcile fills >= this time
}

// DCAGateway is the Exchange Gateway contract from spec §4.1: signed REST
// placement/cancel, balances, cached symbol filters, and the two streams
// (public market data, authenticated user data).
type DCAGateway interface {
	PlaceOrder(ctx context.Context, req DCAOrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetBalances(ctx context.Context) ([]Balance, error)
	GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
	SubscribeMarket(ctx context.Context, symbols []string, dataType DataType, interval string) (<-chan MarketUpdate, error)
	OpenUserStream(ctx context.Context) (<-chan ExecutionReport, <-chan BalanceDelta, <-chan StreamEvent, error)
}
