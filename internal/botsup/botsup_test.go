package botsup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trading-core/internal/cycle"
	"trading-core/internal/orderrepo"
	"trading-core/pkg/db"
	"trading-core/pkg/exchanges/common"
)

type stubGateway struct {
	mu      sync.Mutex
	filters common.SymbolFilters
}

func (g *stubGateway) PlaceOrder(ctx context.Context, req common.DCAOrderRequest) (common.OrderAck, error) {
	return common.OrderAck{ExchangeOrderID: "ex-" + req.ClientOrderID}, nil
}
func (g *stubGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return nil
}
func (g *stubGateway) GetBalances(ctx context.Context) ([]common.Balance, error) { return nil, nil }
func (g *stubGateway) GetSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	return g.filters, nil
}
func (g *stubGateway) SubscribeMarket(ctx context.Context, symbols []string, dataType common.DataType, interval string) (<-chan common.MarketUpdate, error) {
	return make(chan common.MarketUpdate), nil
}
func (g *stubGateway) OpenUserStream(ctx context.Context) (<-chan common.ExecutionReport, <-chan common.BalanceDelta, <-chan common.StreamEvent, error) {
	return make(chan common.ExecutionReport), make(chan common.BalanceDelta), make(chan common.StreamEvent), nil
}

type stubPublisher struct{}

func (stubPublisher) PublishBotCycleUpdate(botID, action string, snapshot cycle.CycleSnapshot) {}
func (stubPublisher) PublishOrderFillNotification(botID string, o orderrepo.Order)              {}
func (stubPublisher) PublishBotStatusUpdate(botID, status string, isActive bool, message string) {
}
func (stubPublisher) PublishBotDataUpdate(botID, action string) {}

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

func testParams() cycle.Params {
	return cycle.Params{
		Symbol:                    "BTCUSDT",
		Direction:                 cycle.DirectionLong,
		TriggerType:               cycle.TriggerMarket,
		BaseOrderAmount:           decimal.NewFromInt(100),
		SafetyOrderAmount:         decimal.NewFromInt(100),
		MaxSafetyOrders:           3,
		ActiveSafetyOrders:        1,
		PriceDeviationPct:         decimal.NewFromInt(2),
		PriceDeviationMultiplier:  decimal.NewFromInt(1),
		SafetyOrderSizeMultiplier: decimal.NewFromInt(1),
		TakeProfitPct:             decimal.NewFromInt(1),
		TakeProfitMode:            cycle.TakeProfitFixed,
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *stubGateway) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	repo := orderrepo.New(database)
	gw := &stubGateway{filters: testFilters()}
	resolve := func(ctx context.Context, exchangeAccountID string) (common.DCAGateway, error) {
		return gw, nil
	}
	sup := New(context.Background(), database, repo, stubPublisher{}, resolve)
	return sup, gw
}

func TestCreateBotRejectsInvalidParams(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	bad := testParams()
	bad.MaxSafetyOrders = 0
	if _, err := sup.CreateBot(context.Background(), "user-1", "acct-1", bad); err == nil {
		t.Fatalf("expected validation error for max_safety_orders = 0")
	}
}

func TestStartBotTransitionsPendingToActive(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.CreateBot(ctx, "user-1", "acct-1", testParams())
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if err := sup.StartBot(ctx, id, "acct-1", testParams()); err != nil {
		t.Fatalf("start bot: %v", err)
	}
	if _, ok := sup.ManagerFor(id); !ok {
		t.Fatalf("expected a running manager after start")
	}
	if err := sup.StartBot(ctx, id, "acct-1", testParams()); err != ErrBotActive {
		t.Fatalf("expected ErrBotActive on double start, got %v", err)
	}
}

func TestStartBotFailsOnLadderShapeViolation(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	bad := testParams()
	bad.PriceDeviationPct = decimal.NewFromInt(200)
	bad.MaxSafetyOrders = 1
	bad.ActiveSafetyOrders = 0
	// bad fails Validate, so the bot is created with valid params and only
	// started with the bad ones.
	id, err := sup.CreateBot(ctx, "user-1", "acct-1", testParams())
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if err := sup.StartBot(ctx, id, "acct-1", bad); err == nil {
		t.Fatalf("expected dry-run ladder validation to reject this configuration")
	}
}

func TestStopBotIsIdempotentWithoutAManager(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.CreateBot(ctx, "user-1", "acct-1", testParams())
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if err := sup.StopBot(ctx, id); err != nil {
		t.Fatalf("stop bot with no manager should be a no-op, got: %v", err)
	}
}

func TestDeleteBotStopsThenRemovesRow(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	id, err := sup.CreateBot(ctx, "user-1", "acct-1", testParams())
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if err := sup.StartBot(ctx, id, "acct-1", testParams()); err != nil {
		t.Fatalf("start bot: %v", err)
	}
	time.Sleep(10 * time.Millisecond) // let the base order placement settle
	if err := sup.DeleteBot(ctx, id); err != nil {
		t.Fatalf("delete bot: %v", err)
	}
	if _, ok := sup.ManagerFor(id); ok {
		t.Fatalf("expected manager to be gone after delete")
	}
}

func TestBotIDFromClientOrderIDRecoversUUIDBotID(t *testing.T) {
	botID := "11111111-2222-3333-4444-555555555555"
	clientOrderID := botID + "-safety-r2-abcdef12"
	gotBotID, role, ok := botIDFromClientOrderID(clientOrderID)
	if !ok {
		t.Fatalf("expected a match")
	}
	if gotBotID != botID {
		t.Fatalf("expected bot id %s, got %s", botID, gotBotID)
	}
	if role != orderrepo.RoleSafety {
		t.Fatalf("expected role safety, got %s", role)
	}
}

func TestBotIDFromClientOrderIDRejectsUnrecognizedFormat(t *testing.T) {
	if _, _, ok := botIDFromClientOrderID("not-a-client-order-id"); ok {
		t.Fatalf("expected no match for a malformed client_order_id")
	}
}
