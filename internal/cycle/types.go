// Package cycle implements the per-bot Martingale state machine: it decides
// which order to place next, reacts to execution reports by updating
// averages, and drives a cycle from Starting through Completed, Aborted, or
// Failed.
package cycle

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-core/internal/orderrepo"
	"trading-core/pkg/exchanges/common"
)

// State is the in-memory Cycle Manager state machine. Completed, Aborted and
// Failed are terminal; Cycle carries no separate status field.
type State string

const (
	StateStarting         State = "starting"
	StateAwaitingBaseFill State = "awaiting_base_fill"
	StateHolding          State = "holding"
	StateClosing          State = "closing"
	StateCompleted        State = "completed"
	StateAborted          State = "aborted"
	StateFailed           State = "failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateFailed:
		return true
	default:
		return false
	}
}

// Direction is long (buy low, sell high) or short (sell high, buy low).
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// TakeProfitMode records whether a bot's take-profit is fixed or trailing.
// Both modes are accepted and stored, but takeProfitPrice computes the fixed
// price average-entry * (1±pct) for either mode; TrailingHighWater is not
// updated.
type TakeProfitMode string

const (
	TakeProfitFixed    TakeProfitMode = "fixed"
	TakeProfitTrailing TakeProfitMode = "trailing"
)

// TriggerType controls how the base order of a cycle is placed.
type TriggerType string

const (
	TriggerMarket TriggerType = "market"
	TriggerLimit  TriggerType = "limit"
)

// Params is a bot's Martingale configuration, validated once at create_bot
// and re-validated (dry-run quantization) at start_bot.
type Params struct {
	Symbol                    string
	Direction                 Direction
	TriggerType               TriggerType
	TriggerPrice              decimal.Decimal // only used when TriggerType == limit
	BaseOrderAmount           decimal.Decimal // quote currency
	SafetyOrderAmount         decimal.Decimal // quote currency
	MaxSafetyOrders           int
	ActiveSafetyOrders        int
	PriceDeviationPct         decimal.Decimal
	PriceDeviationMultiplier  decimal.Decimal
	SafetyOrderSizeMultiplier decimal.Decimal
	TakeProfitPct             decimal.Decimal
	TakeProfitMode            TakeProfitMode
	TrailingPct               decimal.Decimal
	CooldownSeconds           int
	LowerPriceLimit           decimal.Decimal // zero means unset
	UpperPriceLimit           decimal.Decimal // zero means unset
}

// Validate enforces the §3 data-model invariants on bot params.
func (p Params) Validate() error {
	if p.MaxSafetyOrders < 1 {
		return errParams("max_safety_orders must be >= 1")
	}
	if p.ActiveSafetyOrders > p.MaxSafetyOrders-1 {
		return errParams("active_safety_orders must be <= max_safety_orders - 1")
	}
	if p.ActiveSafetyOrders < 0 {
		return errParams("active_safety_orders must be >= 0")
	}
	if p.BaseOrderAmount.LessThanOrEqual(decimal.Zero) {
		return errParams("base_order_amount must be positive")
	}
	if p.SafetyOrderAmount.LessThanOrEqual(decimal.Zero) {
		return errParams("safety_order_amount must be positive")
	}
	lastDeviation := lastRungDeviation(p)
	if lastDeviation.GreaterThan(decimal.RequireFromString("99.99")) {
		return errParams("last safety deviation must be <= 99.99%")
	}
	return nil
}

func lastRungDeviation(p Params) decimal.Decimal {
	mult := p.PriceDeviationMultiplier
	if mult.IsZero() {
		mult = decimal.NewFromInt(1)
	}
	deviation := p.PriceDeviationPct
	for i := 1; i < p.MaxSafetyOrders; i++ {
		deviation = deviation.Mul(mult)
	}
	return deviation
}

type paramsError string

func (e paramsError) Error() string { return string(e) }

func errParams(msg string) error { return paramsError(msg) }

// LadderRung is one precomputed safety-order price/size on the ladder.
type LadderRung struct {
	Rung  int
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Cycle is the Cycle Manager's in-memory view of one round; the Manager does
// not write it to the bot_cycles table.
type Cycle struct {
	ID                 string
	BotID               string
	CycleNumber        int
	State              State
	BaseFillPrice      decimal.Decimal
	AverageEntryPrice  decimal.Decimal
	TotalBaseQuantity  decimal.Decimal
	TotalQuoteInvested decimal.Decimal
	RealizedProfit     decimal.Decimal
	Ladder             []LadderRung
	FilledSafetyCount  int
	OpenSafetyRungs    map[int]string // rung -> client_order_id of the resting order
	TakeProfitOrderID  string
	TrailingHighWater  decimal.Decimal
	StartedAt          time.Time
	CompletedAt        time.Time
}

// executionEvent wraps one stream event destined for a cycle's mailbox, with
// the ordering key spec §4.3 requires: event_time, then take_profit-before-
// safety, then client_order_id lexicographic. The mailbox applies events in
// arrival order and does not reorder them by less.
type executionEvent struct {
	report   common.ExecutionReport
	role     orderrepo.Role
	arrivedAt time.Time
}

func (e executionEvent) less(o executionEvent) bool {
	if !e.report.EventTime.Equal(o.report.EventTime) {
		return e.report.EventTime.Before(o.report.EventTime)
	}
	if e.role != o.role {
		return e.role == orderrepo.RoleTakeProfit
	}
	return e.report.ClientOrderID < o.report.ClientOrderID
}

// tickerEvent carries a price-range-breach check into the mailbox.
type tickerEvent struct {
	price decimal.Decimal
}

// streamGapEvent is raised after a user-stream reconnect; handleStreamGap
// then marks the bot's submitted non-terminal orders unknown without
// querying the exchange.
type streamGapEvent struct {
	lastEventTime time.Time
}

// mailboxMsg is the sum type processed one at a time, in arrival order, by
// Manager.loop, while cycles across bots run in parallel.
type mailboxMsg struct {
	exec      *executionEvent
	ticker    *tickerEvent
	streamGap *streamGapEvent
}
