package orderrepo

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trading-core/pkg/db"
	"trading-core/pkg/exchanges/common"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return New(database)
}

func testOrder(clientID string) Order {
	return Order{
		ClientOrderID: clientID,
		CycleID:       "cycle-1",
		BotID:         "bot-1",
		Role:          RoleBase,
		Symbol:        "BTCUSDT",
		Side:          common.SideBuy,
		OrderType:     common.OrderTypeMarket,
		Price:         decimal.Zero,
		Qty:           decimal.NewFromFloat(0.01),
	}
}

func TestReserveThenByClientOrderID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	o, err := repo.Reserve(ctx, testOrder("co-1"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if o.Status != StatusPendingPlacement {
		t.Fatalf("expected pending_placement, got %s", o.Status)
	}

	got, err := repo.ByClientOrderID(ctx, "co-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Symbol != "BTCUSDT" || !got.Qty.Equal(decimal.NewFromFloat(0.01)) {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestByClientOrderIDMissing(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.ByClientOrderID(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkSubmittedThenApplyExecutionReport(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.Reserve(ctx, testOrder("co-2")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := repo.MarkSubmitted(ctx, "co-2", "12345"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}

	rep := common.ExecutionReport{
		ClientOrderID:   "co-2",
		ExchangeOrderID: "12345",
		Symbol:          "BTCUSDT",
		Status:          common.StatusFilled,
		ExecutedQty:     decimal.NewFromFloat(0.01),
		CumulativeQuote: decimal.NewFromFloat(500),
		EventTime:       time.Now(),
	}
	if err := repo.ApplyExecutionReport(ctx, rep); err != nil {
		t.Fatalf("apply execution report: %v", err)
	}

	got, err := repo.ByClientOrderID(ctx, "co-2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != StatusFilled {
		t.Fatalf("expected filled, got %s", got.Status)
	}
	if !got.ExecutedQty.Equal(decimal.NewFromFloat(0.01)) {
		t.Fatalf("unexpected executed qty: %s", got.ExecutedQty)
	}
}

func TestApplyExecutionReportIdempotentOnDuplicate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	repo.Reserve(ctx, testOrder("co-3"))
	repo.MarkSubmitted(ctx, "co-3", "1")

	rep := common.ExecutionReport{
		ClientOrderID: "co-3",
		Status:        common.StatusFilled,
		ExecutedQty:   decimal.NewFromFloat(0.01),
	}
	if err := repo.ApplyExecutionReport(ctx, rep); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// Duplicate report carrying the same terminal state/qty must be a no-op.
	if err := repo.ApplyExecutionReport(ctx, rep); err != nil {
		t.Fatalf("duplicate apply should be a no-op, got: %v", err)
	}
}

func TestApplyExecutionReportRejectsNonMonotonicTransition(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	repo.Reserve(ctx, testOrder("co-4"))
	repo.MarkSubmitted(ctx, "co-4", "1")

	repo.ApplyExecutionReport(ctx, common.ExecutionReport{
		ClientOrderID: "co-4",
		Status:        common.StatusFilled,
		ExecutedQty:   decimal.NewFromFloat(0.01),
	})

	err := repo.ApplyExecutionReport(ctx, common.ExecutionReport{
		ClientOrderID: "co-4",
		Status:        common.StatusCanceled,
		ExecutedQty:   decimal.NewFromFloat(0.01),
	})
	if err != ErrNonMonotonicTransition {
		t.Fatalf("expected ErrNonMonotonicTransition, got %v", err)
	}
}

func TestMarkCancelledIsNoOpOnTerminalOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	repo.Reserve(ctx, testOrder("co-5"))
	if err := repo.MarkFailed(ctx, "co-5", "LadderInvalid"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := repo.MarkCancelled(ctx, "co-5"); err != nil {
		t.Fatalf("mark cancelled on terminal order should not error: %v", err)
	}
	got, _ := repo.ByClientOrderID(ctx, "co-5")
	if got.Status != StatusFailed {
		t.Fatalf("terminal status must not change, got %s", got.Status)
	}
}

func TestNonTerminalByBotExcludesFinishedOrders(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	repo.Reserve(ctx, testOrder("co-6"))
	o7 := testOrder("co-7")
	o7.Role = RoleSafety
	repo.Reserve(ctx, o7)
	repo.MarkFailed(ctx, "co-7", "timeout")

	open, err := repo.NonTerminalByBot(ctx, "bot-1")
	if err != nil {
		t.Fatalf("non-terminal by bot: %v", err)
	}
	if len(open) != 1 || open[0].ClientOrderID != "co-6" {
		t.Fatalf("expected only co-6 open, got %+v", open)
	}
}

func TestByCycleOrdersByCreation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	repo.Reserve(ctx, testOrder("co-8"))
	tp := testOrder("co-9")
	tp.Role = RoleTakeProfit
	repo.Reserve(ctx, tp)

	orders, err := repo.ByCycle(ctx, "cycle-1")
	if err != nil {
		t.Fatalf("by cycle: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
}
