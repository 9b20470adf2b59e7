package cycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trading-core/internal/orderrepo"
	"trading-core/pkg/db"
	"trading-core/pkg/exchanges/common"
)

// fakeGateway is a synchronous stand-in for an Exchange Gateway: every
// PlaceOrder call succeeds immediately with no inline fills, and the test
// drives fills itself via SubmitExecutionReport.
type fakeGateway struct {
	mu       sync.Mutex
	filters  common.SymbolFilters
	placed   []common.DCAOrderRequest
	canceled []string
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req common.DCAOrderRequest) (common.OrderAck, error) {
	g.mu.Lock()
	g.placed = append(g.placed, req)
	g.mu.Unlock()
	return common.OrderAck{ExchangeOrderID: "ex-" + req.ClientOrderID, ClientOrderID: req.ClientOrderID}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	g.mu.Lock()
	g.canceled = append(g.canceled, exchangeOrderID)
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) GetBalances(ctx context.Context) ([]common.Balance, error) { return nil, nil }

func (g *fakeGateway) GetSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	return g.filters, nil
}

func (g *fakeGateway) SubscribeMarket(ctx context.Context, symbols []string, dataType common.DataType, interval string) (<-chan common.MarketUpdate, error) {
	ch := make(chan common.MarketUpdate)
	return ch, nil
}

func (g *fakeGateway) OpenUserStream(ctx context.Context) (<-chan common.ExecutionReport, <-chan common.BalanceDelta, <-chan common.StreamEvent, error) {
	return make(chan common.ExecutionReport), make(chan common.BalanceDelta), make(chan common.StreamEvent), nil
}

func (g *fakeGateway) lastPlaced(role orderrepo.Role) common.DCAOrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.placed) - 1; i >= 0; i-- {
		if _, r, ok := botIDFromClientOrderIDForTest(g.placed[i].ClientOrderID); ok && r == role {
			return g.placed[i]
		}
	}
	return common.DCAOrderRequest{}
}

// botIDFromClientOrderIDForTest mirrors botsup.botIDFromClientOrderID without
// importing the botsup package (it in turn imports cycle, which would cycle).
func botIDFromClientOrderIDForTest(clientOrderID string) (string, orderrepo.Role, bool) {
	for _, r := range []orderrepo.Role{orderrepo.RoleBase, orderrepo.RoleSafety, orderrepo.RoleTakeProfit, orderrepo.RoleLiquidation} {
		marker := "-" + string(r) + "-r"
		for i := 0; i+len(marker) <= len(clientOrderID); i++ {
			if clientOrderID[i:i+len(marker)] == marker {
				return clientOrderID[:i], r, true
			}
		}
	}
	return "", "", false
}

type fakePublisher struct {
	mu       sync.Mutex
	statuses []string
}

func (p *fakePublisher) PublishBotCycleUpdate(botID, action string, snapshot CycleSnapshot) {}
func (p *fakePublisher) PublishOrderFillNotification(botID string, o orderrepo.Order)        {}
func (p *fakePublisher) PublishBotStatusUpdate(botID, status string, isActive bool, message string) {
	p.mu.Lock()
	p.statuses = append(p.statuses, status)
	p.mu.Unlock()
}
func (p *fakePublisher) PublishBotDataUpdate(botID, action string) {}

func newTestManager(t *testing.T) (*Manager, *fakeGateway, *orderrepo.Repository) {
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
	gw := &fakeGateway{filters: testFilters()}
	params := longParams()
	params.ActiveSafetyOrders = 1
	m := NewManager("bot-1", params, gw, repo, &fakePublisher{})
	return m, gw, repo
}

func waitForCycleState(t *testing.T, m *Manager, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap := m.CurrentCycle(); snap != nil && snap.State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	got := State("<nil>")
	if snap := m.CurrentCycle(); snap != nil {
		got = snap.State
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, got)
}

func TestManagerBaseFillOpensSafetyAndTakeProfit(t *testing.T) {
	m, gw, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForCycleState(t, m, StateAwaitingBaseFill, time.Second)

	baseReq := gw.lastPlaced(orderrepo.RoleBase)
	m.SubmitExecutionReport(common.ExecutionReport{
		ClientOrderID:   baseReq.ClientOrderID,
		Status:          common.StatusFilled,
		ExecutedQty:     decimal.NewFromFloat(0.01),
		CumulativeQuote: decimal.NewFromInt(300),
		LastFillPrice:   decimal.NewFromInt(30000),
		EventTime:       time.Now(),
	}, orderrepo.RoleBase)

	waitForCycleState(t, m, StateHolding, time.Second)

	if req := gw.lastPlaced(orderrepo.RoleSafety); req.ClientOrderID == "" {
		t.Fatalf("expected a safety rung to be placed after base fill")
	}
	if req := gw.lastPlaced(orderrepo.RoleTakeProfit); req.ClientOrderID == "" {
		t.Fatalf("expected a take-profit order to be placed after base fill")
	}
}

func TestManagerTakeProfitFillCompletesCycleWithoutCooldown(t *testing.T) {
	m, gw, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)
	m.Stop() // prevent an auto-started next cycle from racing the assertion below

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForCycleState(t, m, StateAwaitingBaseFill, time.Second)

	baseReq := gw.lastPlaced(orderrepo.RoleBase)
	m.SubmitExecutionReport(common.ExecutionReport{
		ClientOrderID:   baseReq.ClientOrderID,
		Status:          common.StatusFilled,
		ExecutedQty:     decimal.NewFromFloat(0.01),
		CumulativeQuote: decimal.NewFromInt(300),
		LastFillPrice:   decimal.NewFromInt(30000),
		EventTime:       time.Now(),
	}, orderrepo.RoleBase)
	waitForCycleState(t, m, StateHolding, time.Second)

	tpReq := gw.lastPlaced(orderrepo.RoleTakeProfit)
	m.SubmitExecutionReport(common.ExecutionReport{
		ClientOrderID:   tpReq.ClientOrderID,
		Status:          common.StatusFilled,
		ExecutedQty:     decimal.NewFromFloat(0.01),
		CumulativeQuote: decimal.NewFromInt(303),
		EventTime:       time.Now().Add(time.Second),
	}, orderrepo.RoleTakeProfit)

	waitForCycleState(t, m, StateCompleted, time.Second)
	snap := m.CurrentCycle()
	if !snap.RealizedProfit.GreaterThan(decimal.Zero) {
		t.Fatalf("expected positive realized profit, got %s", snap.RealizedProfit)
	}
}

func TestManagerPriceRangeBreachAbortsCycle(t *testing.T) {
	m, gw, _ := newTestManager(t)
	m.params.LowerPriceLimit = decimal.NewFromInt(25000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForCycleState(t, m, StateAwaitingBaseFill, time.Second)

	baseReq := gw.lastPlaced(orderrepo.RoleBase)
	m.SubmitExecutionReport(common.ExecutionReport{
		ClientOrderID:   baseReq.ClientOrderID,
		Status:          common.StatusFilled,
		ExecutedQty:     decimal.NewFromFloat(0.01),
		CumulativeQuote: decimal.NewFromInt(300),
		LastFillPrice:   decimal.NewFromInt(30000),
		EventTime:       time.Now(),
	}, orderrepo.RoleBase)
	waitForCycleState(t, m, StateHolding, time.Second)

	m.SubmitTicker(decimal.NewFromInt(20000))
	waitForCycleState(t, m, StateAborted, time.Second)
}
