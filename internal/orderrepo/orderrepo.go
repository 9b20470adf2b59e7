// Package orderrepo is the durable, transactional record of every order the
// Trading Core has issued, keyed by client_order_id for crash-safe
// idempotent recovery.
package orderrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-core/pkg/db"
	"trading-core/pkg/exchanges/common"
)

// Role distinguishes the purpose of an order within a cycle.
type Role string

const (
	RoleBase        Role = "base"
	RoleSafety      Role = "safety"
	RoleTakeProfit  Role = "take_profit"
	RoleLiquidation Role = "liquidation"
)

// Status is the lifecycle state of a persisted order row.
type Status string

const (
	StatusPendingPlacement Status = "pending_placement"
	StatusOpen             Status = "open"
	StatusPartiallyFilled  Status = "partially_filled"
	StatusFilled           Status = "filled"
	StatusCancelled        Status = "cancelled"
	StatusRejected         Status = "rejected"
	StatusFailed           Status = "failed"
	StatusUnknown          Status = "unknown"
)

// terminal reports whether a status can never transition again.
func (s Status) terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// Order mirrors one cycle_orders row.
type Order struct {
	ClientOrderID   string
	CycleID         string
	BotID           string
	Role            Role
	Rung            int
	Symbol          string
	Side            common.Side
	OrderType       common.OrderType
	Price           decimal.Decimal
	Qty             decimal.Decimal
	ExecutedQty     decimal.Decimal
	CumulativeQuote decimal.Decimal
	Status          Status
	ExchangeOrderID string
	RejectReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ErrNonMonotonicTransition is returned (and logged by the caller) when an
// execution report would move a terminal order to a non-terminal state.
var ErrNonMonotonicTransition = errors.New("orderrepo: non-monotonic status transition rejected")

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("orderrepo: order not found")

// Repository is the SQLite-backed Order Repository. One instance is shared
// by every Cycle Manager in the process; SQLite's single-writer connection
// pool (see pkg/db.New) serializes concurrent writers.
type Repository struct {
	db *db.Database
}

func New(database *db.Database) *Repository {
	return &Repository{db: database}
}

// Reserve writes a new order row in pending_placement before any network
// call, so a crash between submit and ack always leaves a recoverable trace.
func (r *Repository) Reserve(ctx context.Context, o Order) (Order, error) {
	if o.Status == "" {
		o.Status = StatusPendingPlacement
	}
	now := time.Now().UTC()
	_, err := r.db.DB.ExecContext(ctx, `
		INSERT INTO cycle_orders (
			client_order_id, cycle_id, bot_id, role, rung, symbol, side, order_type,
			price, qty, executed_qty, cumulative_quote, status, exchange_order_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '0', '0', ?, '', ?, ?)
	`,
		o.ClientOrderID, o.CycleID, o.BotID, string(o.Role), o.Rung, o.Symbol,
		string(o.Side), string(o.OrderType), o.Price.String(), o.Qty.String(),
		string(o.Status), now, now,
	)
	if err != nil {
		return Order{}, fmt.Errorf("reserve order %s: %w", o.ClientOrderID, err)
	}
	o.CreatedAt, o.UpdatedAt = now, now
	return o, nil
}

// MarkSubmitted records the exchange's assigned order id and moves the row
// to open, once PlaceOrder has returned successfully.
func (r *Repository) MarkSubmitted(ctx context.Context, clientOrderID, exchangeOrderID string) error {
	existing, err := r.ByClientOrderID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if existing.Status.terminal() {
		return nil
	}
	_, err = r.db.DB.ExecContext(ctx, `
		UPDATE cycle_orders SET exchange_order_id = ?, status = ?, updated_at = ?
		WHERE client_order_id = ?
	`, exchangeOrderID, string(StatusOpen), time.Now().UTC(), clientOrderID)
	return err
}

// ApplyExecutionReport updates filled price/quantity/status atomically and
// idempotently: duplicate reports that do not advance executed_qty or
// status are no-ops, and reports that would move a terminal order
// backwards are rejected.
func (r *Repository) ApplyExecutionReport(ctx context.Context, rep common.ExecutionReport) error {
	existing, err := r.ByClientOrderID(ctx, rep.ClientOrderID)
	if err != nil {
		return err
	}

	newStatus := Status(mapExecutionStatus(rep.Status))
	if existing.Status.terminal() {
		if newStatus == existing.Status && rep.ExecutedQty.Equal(existing.ExecutedQty) {
			return nil
		}
		return ErrNonMonotonicTransition
	}
	if rep.ExecutedQty.LessThan(existing.ExecutedQty) {
		return ErrNonMonotonicTransition
	}

	_, err = r.db.DB.ExecContext(ctx, `
		UPDATE cycle_orders
		SET executed_qty = ?, cumulative_quote = ?, status = ?, exchange_order_id = COALESCE(NULLIF(?, ''), exchange_order_id), updated_at = ?
		WHERE client_order_id = ?
	`,
		rep.ExecutedQty.String(), rep.CumulativeQuote.String(), string(newStatus),
		rep.ExchangeOrderID, time.Now().UTC(), rep.ClientOrderID,
	)
	return err
}

// MarkCancelled moves an order to cancelled; a no-op if already terminal.
func (r *Repository) MarkCancelled(ctx context.Context, clientOrderID string) error {
	return r.markTerminal(ctx, clientOrderID, StatusCancelled, "")
}

// MarkFailed moves an order to failed with a human-readable reason.
func (r *Repository) MarkFailed(ctx context.Context, clientOrderID, reason string) error {
	return r.markTerminal(ctx, clientOrderID, StatusFailed, reason)
}

// MarkUnknown flags an order whose remote state could not be reconciled
// after a user-stream gap.
func (r *Repository) MarkUnknown(ctx context.Context, clientOrderID string) error {
	existing, err := r.ByClientOrderID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if existing.Status.terminal() {
		return nil
	}
	_, err = r.db.DB.ExecContext(ctx, `UPDATE cycle_orders SET status = ?, updated_at = ? WHERE client_order_id = ?`,
		string(StatusUnknown), time.Now().UTC(), clientOrderID)
	return err
}

func (r *Repository) markTerminal(ctx context.Context, clientOrderID string, status Status, reason string) error {
	existing, err := r.ByClientOrderID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if existing.Status.terminal() {
		return nil
	}
	_, err = r.db.DB.ExecContext(ctx, `
		UPDATE cycle_orders SET status = ?, reject_reason = ?, updated_at = ? WHERE client_order_id = ?
	`, string(status), reason, time.Now().UTC(), clientOrderID)
	return err
}

// ByClientOrderID is the idempotency join key between our record and the
// exchange's user stream.
func (r *Repository) ByClientOrderID(ctx context.Context, clientOrderID string) (Order, error) {
	row := r.db.DB.QueryRowContext(ctx, selectColumns+` WHERE client_order_id = ?`, clientOrderID)
	return scanOrder(row)
}

// ByBot returns every order for a bot across all its cycles, newest first.
func (r *Repository) ByBot(ctx context.Context, botID string) ([]Order, error) {
	return r.query(ctx, selectColumns+` WHERE bot_id = ? ORDER BY created_at DESC`, botID)
}

// ByCycle returns every order belonging to one cycle.
func (r *Repository) ByCycle(ctx context.Context, cycleID string) ([]Order, error) {
	return r.query(ctx, selectColumns+` WHERE cycle_id = ? ORDER BY created_at ASC`, cycleID)
}

// ByStatus returns every order in a given status, across all bots.
func (r *Repository) ByStatus(ctx context.Context, status Status) ([]Order, error) {
	return r.query(ctx, selectColumns+` WHERE status = ? ORDER BY created_at ASC`, string(status))
}

// NonTerminalByBot returns every order of a bot still awaiting resolution;
// the Cycle Manager uses it after a user-stream gap.
func (r *Repository) NonTerminalByBot(ctx context.Context, botID string) ([]Order, error) {
	return r.query(ctx, selectColumns+` WHERE bot_id = ? AND status NOT IN (?, ?, ?, ?) ORDER BY created_at ASC`,
		botID, string(StatusFilled), string(StatusCancelled), string(StatusRejected), string(StatusFailed))
}

const selectColumns = `
	SELECT client_order_id, cycle_id, bot_id, role, rung, symbol, side, order_type,
		price, qty, executed_qty, cumulative_quote, status, exchange_order_id,
		COALESCE(reject_reason, ''), created_at, updated_at
	FROM cycle_orders`

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := r.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row *sql.Row) (Order, error) {
	o, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

func scanOrderRows(rows *sql.Rows) (Order, error) {
	return scanInto(rows)
}

func scanInto(s scanner) (Order, error) {
	var (
		o                       Order
		role, side, orderType   string
		status                  string
		price, qty, executedQty string
		cumulativeQuote         string
	)
	if err := s.Scan(
		&o.ClientOrderID, &o.CycleID, &o.BotID, &role, &o.Rung, &o.Symbol, &side, &orderType,
		&price, &qty, &executedQty, &cumulativeQuote, &status, &o.ExchangeOrderID,
		&o.RejectReason, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return Order{}, err
	}
	o.Role = Role(role)
	o.Side = common.Side(side)
	o.OrderType = common.OrderType(orderType)
	o.Status = Status(status)
	o.Price = mustDecimal(price)
	o.Qty = mustDecimal(qty)
	o.ExecutedQty = mustDecimal(executedQty)
	o.CumulativeQuote = mustDecimal(cumulativeQuote)
	return o, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// mapExecutionStatus narrows the gateway's normalized common.OrderStatus to
// the repository's own Status vocabulary.
func mapExecutionStatus(s common.OrderStatus) Status {
	switch s {
	case common.StatusNew:
		return StatusOpen
	case common.StatusPartial:
		return StatusPartiallyFilled
	case common.StatusFilled:
		return StatusFilled
	case common.StatusCanceled:
		return StatusCancelled
	case common.StatusRejected:
		return StatusRejected
	case common.StatusExpired:
		return StatusCancelled
	default:
		return StatusUnknown
	}
}
