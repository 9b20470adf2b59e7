package cycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-core/internal/orderrepo"
	"trading-core/pkg/exchanges/common"
)

// Publisher is the Event Hub's inbound face, as seen by the Cycle Manager.
// Implemented by internal/hub.Hub.
type Publisher interface {
	PublishBotCycleUpdate(botID, action string, snapshot CycleSnapshot)
	PublishOrderFillNotification(botID string, o orderrepo.Order)
	PublishBotStatusUpdate(botID, status string, isActive bool, message string)
	PublishBotDataUpdate(botID, action string)
}

// CycleSnapshot is the read-only view of a Cycle published to clients.
type CycleSnapshot struct {
	ID                 string
	BotID              string
	CycleNumber        int
	State              State
	AverageEntryPrice  decimal.Decimal
	TotalBaseQuantity  decimal.Decimal
	TotalQuoteInvested decimal.Decimal
	RealizedProfit     decimal.Decimal
}

func (c *Cycle) snapshot(botID string) CycleSnapshot {
	return CycleSnapshot{
		ID:                 c.ID,
		BotID:              botID,
		CycleNumber:        c.CycleNumber,
		State:              c.State,
		AverageEntryPrice:  c.AverageEntryPrice,
		TotalBaseQuantity:  c.TotalBaseQuantity,
		TotalQuoteInvested: c.TotalQuoteInvested,
		RealizedProfit:     c.RealizedProfit,
	}
}

// retry policy constants from spec §4.3.
const (
	safetyRetryMax   = 3
	safetyRetryDelay = 2 * time.Second
	tpRetryMax       = 5
	tpRetryDelay     = 2 * time.Second
)

// Manager owns the Martingale state machine for one bot's active cycle at a
// time. Execution reports, ticker checks and stream-gap notifications are
// applied one at a time by its mailbox goroutine; Start and
// CancelAndLiquidate run on the caller's goroutine. Different bots' Managers
// run fully in parallel.
type Manager struct {
	botID   string
	params  Params
	gateway common.DCAGateway
	repo    *orderrepo.Repository
	pub     Publisher

	mailbox chan mailboxMsg
	done    chan struct{}

	mu        sync.Mutex
	cycle     *Cycle
	cycleSeq  int
	filters   common.SymbolFilters
	stopping  bool
}

func NewManager(botID string, params Params, gateway common.DCAGateway, repo *orderrepo.Repository, pub Publisher) *Manager {
	return &Manager{
		botID:   botID,
		params:  params,
		gateway: gateway,
		repo:    repo,
		pub:     pub,
		mailbox: make(chan mailboxMsg, 256),
		done:    make(chan struct{}),
	}
}

// Start fetches the symbol filters, creates the next cycle and places its
// base order; it does not validate the ladder itself (the Bot Supervisor's
// dry run does that before calling Start). Run must be called once beforehand
// (typically by the Bot Supervisor) to start the mailbox goroutine.
func (m *Manager) Start(ctx context.Context) error {
	filters, err := m.gateway.GetSymbolFilters(ctx, m.params.Symbol)
	if err != nil {
		return fmt.Errorf("cycle: fetch symbol filters: %w", err)
	}
	m.mu.Lock()
	m.filters = filters
	m.mu.Unlock()

	return m.startNextCycle(ctx)
}

// Run launches the mailbox goroutine; cancel ctx to stop it.
func (m *Manager) Run(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.mailbox:
			m.dispatch(ctx, msg)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, msg mailboxMsg) {
	switch {
	case msg.exec != nil:
		m.handleExecutionReport(ctx, *msg.exec)
	case msg.ticker != nil:
		m.handlePriceRangeCheck(ctx, *msg.ticker)
	case msg.streamGap != nil:
		m.handleStreamGap(ctx, *msg.streamGap)
	}
}

// SubmitExecutionReport enqueues one execution report for in-order
// processing. Safe to call from the Exchange Gateway's user-stream reader
// goroutine.
func (m *Manager) SubmitExecutionReport(rep common.ExecutionReport, role orderrepo.Role) {
	select {
	case m.mailbox <- mailboxMsg{exec: &executionEvent{report: rep, role: role, arrivedAt: time.Now()}}:
	case <-m.done:
	}
}

// SubmitTicker enqueues a price update for the price-range-breach check.
func (m *Manager) SubmitTicker(price decimal.Decimal) {
	select {
	case m.mailbox <- mailboxMsg{ticker: &tickerEvent{price: price}}:
	case <-m.done:
	}
}

// SubmitStreamGap enqueues a reconnect notification; the mailbox then marks
// this bot's submitted non-terminal orders unknown (see handleStreamGap).
func (m *Manager) SubmitStreamGap(lastEventTime time.Time) {
	select {
	case m.mailbox <- mailboxMsg{streamGap: &streamGapEvent{lastEventTime: lastEventTime}}:
	case <-m.done:
	}
}

func (m *Manager) newClientOrderID(role orderrepo.Role, rung int) string {
	return fmt.Sprintf("%s-%s-r%d-%s", m.botID, role, rung, uuid.NewString()[:8])
}

func (m *Manager) startNextCycle(ctx context.Context) error {
	m.mu.Lock()
	m.cycleSeq++
	c := &Cycle{
		ID:              uuid.NewString(),
		BotID:           m.botID,
		CycleNumber:     m.cycleSeq,
		State:           StateStarting,
		OpenSafetyRungs: make(map[int]string),
		StartedAt:       time.Now().UTC(),
	}
	m.cycle = c
	filters := m.filters
	m.mu.Unlock()

	clientID := m.newClientOrderID(orderrepo.RoleBase, 0)
	side := common.SideBuy
	if m.params.Direction == DirectionShort {
		side = common.SideSell
	}

	req := common.DCAOrderRequest{
		Symbol:        m.params.Symbol,
		Side:          side,
		ClientOrderID: clientID,
	}
	if m.params.TriggerType == TriggerLimit {
		req.Type = common.OrderTypeLimit
		req.Price = common.QuantizePrice(m.params.TriggerPrice, filters)
		req.Qty = common.QuantizeQty(m.params.BaseOrderAmount.Div(req.Price), filters)
		req.TimeInForce = common.TIFGTC
	} else {
		req.Type = common.OrderTypeMarket
		req.QuoteQty = m.params.BaseOrderAmount
	}

	if _, err := m.repo.Reserve(ctx, orderrepo.Order{
		ClientOrderID: clientID,
		CycleID:       c.ID,
		BotID:         m.botID,
		Role:          orderrepo.RoleBase,
		Symbol:        m.params.Symbol,
		Side:          side,
		OrderType:     req.Type,
		Price:         req.Price,
		Qty:           req.Qty,
	}); err != nil {
		return fmt.Errorf("cycle: reserve base order: %w", err)
	}

	ack, err := m.gateway.PlaceOrder(ctx, req)
	if err != nil {
		m.repo.MarkFailed(ctx, clientID, err.Error())
		m.failCycle(ctx, "BasePlacementRejected")
		return err
	}
	m.repo.MarkSubmitted(ctx, clientID, ack.ExchangeOrderID)

	m.mu.Lock()
	c.State = StateAwaitingBaseFill
	m.mu.Unlock()
	m.pub.PublishBotCycleUpdate(m.botID, "updated", c.snapshot(m.botID))
	return nil
}

func (m *Manager) handleExecutionReport(ctx context.Context, ev executionEvent) {
	if err := m.repo.ApplyExecutionReport(ctx, ev.report); err != nil && err != orderrepo.ErrNonMonotonicTransition {
		log.Printf("cycle %s: apply execution report: %v", m.botID, err)
	}
	if ev.report.Status != common.StatusFilled && ev.report.Status != common.StatusPartial {
		return
	}

	m.mu.Lock()
	c := m.cycle
	m.mu.Unlock()
	if c == nil || c.State.Terminal() {
		return
	}

	switch ev.role {
	case orderrepo.RoleBase:
		m.onBaseFilled(ctx, ev.report)
	case orderrepo.RoleSafety:
		if ev.report.Status == common.StatusFilled {
			m.onSafetyFilled(ctx, ev.report)
		}
	case orderrepo.RoleTakeProfit:
		if ev.report.Status == common.StatusFilled {
			m.onTakeProfitFilled(ctx, ev.report)
		}
	}
}

func (m *Manager) onBaseFilled(ctx context.Context, rep common.ExecutionReport) {
	m.mu.Lock()
	c := m.cycle
	filters := m.filters
	m.mu.Unlock()

	fillPrice := rep.LastFillPrice
	if fillPrice.IsZero() && !rep.ExecutedQty.IsZero() {
		fillPrice = rep.CumulativeQuote.Div(rep.ExecutedQty)
	}
	c.BaseFillPrice = fillPrice
	c.AverageEntryPrice = fillPrice
	c.TotalBaseQuantity = rep.ExecutedQty
	c.TotalQuoteInvested = rep.CumulativeQuote

	ladder, err := computeLadder(m.params, c.BaseFillPrice, filters)
	if err != nil {
		m.repo.MarkFailed(ctx, rep.ClientOrderID, "LadderInvalid")
		m.failCycle(ctx, "LadderInvalid")
		return
	}
	c.Ladder = ladder

	if err := m.placeTakeProfit(ctx, c, filters); err != nil {
		log.Printf("cycle %s: initial take-profit placement failed: %v", m.botID, err)
	}

	for i := 0; i < m.params.ActiveSafetyOrders && i < len(ladder); i++ {
		if err := m.placeSafetyRung(ctx, c, ladder[i], filters); err != nil {
			log.Printf("cycle %s: safety rung %d placement failed: %v", m.botID, ladder[i].Rung, err)
		}
	}

	m.mu.Lock()
	c.State = StateHolding
	m.mu.Unlock()
	m.pub.PublishBotCycleUpdate(m.botID, "updated", c.snapshot(m.botID))
}

func (m *Manager) placeSafetyRung(ctx context.Context, c *Cycle, rung LadderRung, filters common.SymbolFilters) error {
	side := common.SideBuy
	if m.params.Direction == DirectionShort {
		side = common.SideSell
	}
	clientID := m.newClientOrderID(orderrepo.RoleSafety, rung.Rung)

	if _, err := m.repo.Reserve(ctx, orderrepo.Order{
		ClientOrderID: clientID,
		CycleID:       c.ID,
		BotID:         m.botID,
		Role:          orderrepo.RoleSafety,
		Rung:          rung.Rung,
		Symbol:        m.params.Symbol,
		Side:          side,
		OrderType:     common.OrderTypeLimit,
		Price:         rung.Price,
		Qty:           rung.Qty,
	}); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= safetyRetryMax; attempt++ {
		ack, err := m.gateway.PlaceOrder(ctx, common.DCAOrderRequest{
			Symbol:        m.params.Symbol,
			Side:          side,
			Type:          common.OrderTypeLimit,
			Price:         rung.Price,
			Qty:           rung.Qty,
			TimeInForce:   common.TIFGTC,
			ClientOrderID: clientID,
		})
		if err == nil {
			m.repo.MarkSubmitted(ctx, clientID, ack.ExchangeOrderID)
			m.mu.Lock()
			c.OpenSafetyRungs[rung.Rung] = clientID
			m.mu.Unlock()
			return nil
		}
		lastErr = err
		if rej, ok := err.(*common.RejectedByExchange); ok && rej.Permanent() {
			break
		}
		if attempt < safetyRetryMax {
			time.Sleep(safetyRetryDelay)
		}
	}
	m.repo.MarkFailed(ctx, clientID, lastErr.Error())
	return lastErr
}

func (m *Manager) placeTakeProfit(ctx context.Context, c *Cycle, filters common.SymbolFilters) error {
	price := takeProfitPrice(m.params, c.AverageEntryPrice, filters)
	qty := common.QuantizeQty(c.TotalBaseQuantity, filters)
	side := common.SideSell
	if m.params.Direction == DirectionShort {
		side = common.SideBuy
	}
	clientID := m.newClientOrderID(orderrepo.RoleTakeProfit, 0)

	if _, err := m.repo.Reserve(ctx, orderrepo.Order{
		ClientOrderID: clientID,
		CycleID:       c.ID,
		BotID:         m.botID,
		Role:          orderrepo.RoleTakeProfit,
		Symbol:        m.params.Symbol,
		Side:          side,
		OrderType:     common.OrderTypeLimit,
		Price:         price,
		Qty:           qty,
	}); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= tpRetryMax; attempt++ {
		ack, err := m.gateway.PlaceOrder(ctx, common.DCAOrderRequest{
			Symbol:        m.params.Symbol,
			Side:          side,
			Type:          common.OrderTypeLimit,
			Price:         price,
			Qty:           qty,
			TimeInForce:   common.TIFGTC,
			ClientOrderID: clientID,
		})
		if err == nil {
			m.repo.MarkSubmitted(ctx, clientID, ack.ExchangeOrderID)
			m.mu.Lock()
			c.TakeProfitOrderID = clientID
			m.mu.Unlock()
			return nil
		}
		lastErr = err
		if rej, ok := err.(*common.RejectedByExchange); ok && rej.Permanent() {
			break
		}
		if attempt < tpRetryMax {
			time.Sleep(tpRetryDelay)
		}
	}
	m.repo.MarkFailed(ctx, clientID, lastErr.Error())
	m.pub.PublishBotStatusUpdate(m.botID, "failed", false, "take-profit placement exhausted retries; escalate to supervisor")
	return lastErr
}

func (m *Manager) onSafetyFilled(ctx context.Context, rep common.ExecutionReport) {
	m.mu.Lock()
	c := m.cycle
	filters := m.filters
	m.mu.Unlock()

	c.TotalBaseQuantity = c.TotalBaseQuantity.Add(rep.ExecutedQty)
	c.TotalQuoteInvested = c.TotalQuoteInvested.Add(rep.CumulativeQuote)
	c.AverageEntryPrice = recomputeAverageEntry(c.TotalQuoteInvested, c.TotalBaseQuantity)
	c.FilledSafetyCount++

	filledRung := -1
	for rung, id := range c.OpenSafetyRungs {
		if id == rep.ClientOrderID {
			filledRung = rung
			break
		}
	}
	if filledRung >= 0 {
		delete(c.OpenSafetyRungs, filledRung)
	}

	if c.TakeProfitOrderID != "" {
		if err := m.gateway.CancelOrder(ctx, m.params.Symbol, c.TakeProfitOrderID); err != nil {
			log.Printf("cycle %s: cancel old take-profit: %v", m.botID, err)
		}
		m.repo.MarkCancelled(ctx, c.TakeProfitOrderID)
	}
	if err := m.placeTakeProfit(ctx, c, filters); err != nil {
		log.Printf("cycle %s: take-profit replacement failed: %v", m.botID, err)
	}

	if c.FilledSafetyCount < m.params.MaxSafetyOrders && len(c.OpenSafetyRungs) < m.params.ActiveSafetyOrders {
		next := nextVirtualRung(c, m.params)
		if next != nil {
			if err := m.placeSafetyRung(ctx, c, *next, filters); err != nil {
				log.Printf("cycle %s: next virtual safety rung failed: %v", m.botID, err)
			}
		}
	}

	m.pub.PublishBotCycleUpdate(m.botID, "updated", c.snapshot(m.botID))
}

// nextVirtualRung returns the next-deepest unfilled ladder rung not already
// resting on the exchange.
func nextVirtualRung(c *Cycle, p Params) *LadderRung {
	for i := range c.Ladder {
		rung := c.Ladder[i]
		if _, open := c.OpenSafetyRungs[rung.Rung]; open {
			continue
		}
		if rung.Rung <= c.FilledSafetyCount {
			continue
		}
		return &rung
	}
	return nil
}

func (m *Manager) onTakeProfitFilled(ctx context.Context, rep common.ExecutionReport) {
	m.mu.Lock()
	c := m.cycle
	c.State = StateClosing
	m.mu.Unlock()

	for _, id := range c.OpenSafetyRungs {
		if err := m.gateway.CancelOrder(ctx, m.params.Symbol, id); err != nil {
			log.Printf("cycle %s: cancel open safety on TP fill: %v", m.botID, err)
		}
		m.repo.MarkCancelled(ctx, id)
	}

	realized, err := m.computeRealizedProfit(ctx, c.ID)
	if err != nil {
		log.Printf("cycle %s: compute realized profit: %v", m.botID, err)
	}
	c.RealizedProfit = realized
	c.TotalBaseQuantity = decimal.Zero
	c.CompletedAt = time.Now().UTC()

	m.mu.Lock()
	c.State = StateCompleted
	m.mu.Unlock()
	m.pub.PublishBotCycleUpdate(m.botID, "updated", c.snapshot(m.botID))

	if m.params.CooldownSeconds > 0 {
		time.Sleep(time.Duration(m.params.CooldownSeconds) * time.Second)
	}
	if !m.isStopping() {
		if err := m.startNextCycle(ctx); err != nil {
			log.Printf("cycle %s: start next cycle after cooldown: %v", m.botID, err)
		}
	}
}

// computeRealizedProfit sums filled sell quote proceeds minus filled buy
// quote cost from the Order Repository's terminal rows, rather than from
// running totals, to avoid drift.
func (m *Manager) computeRealizedProfit(ctx context.Context, cycleID string) (decimal.Decimal, error) {
	orders, err := m.repo.ByCycle(ctx, cycleID)
	if err != nil {
		return decimal.Zero, err
	}
	var buys, sells decimal.Decimal
	for _, o := range orders {
		if o.Status != orderrepo.StatusFilled {
			continue
		}
		if o.Side == common.SideBuy {
			buys = buys.Add(o.CumulativeQuote)
		} else {
			sells = sells.Add(o.CumulativeQuote)
		}
	}
	return sells.Sub(buys), nil
}

func (m *Manager) handlePriceRangeCheck(ctx context.Context, ev tickerEvent) {
	m.mu.Lock()
	c := m.cycle
	m.mu.Unlock()
	if c == nil || c.State.Terminal() || c.State == StateStarting {
		return
	}

	lower := m.params.LowerPriceLimit
	upper := m.params.UpperPriceLimit
	breached := (!lower.IsZero() && ev.price.LessThan(lower)) || (!upper.IsZero() && ev.price.GreaterThan(upper))
	if !breached {
		return
	}

	m.cancelAllOpenOrders(ctx, c)
	if !c.TotalBaseQuantity.IsZero() {
		m.liquidate(ctx, c)
	}

	m.mu.Lock()
	c.State = StateAborted
	m.mu.Unlock()
	m.pub.PublishBotCycleUpdate(m.botID, "updated", c.snapshot(m.botID))
}

func (m *Manager) cancelAllOpenOrders(ctx context.Context, c *Cycle) {
	for _, id := range c.OpenSafetyRungs {
		m.gateway.CancelOrder(ctx, m.params.Symbol, id)
		m.repo.MarkCancelled(ctx, id)
	}
	if c.TakeProfitOrderID != "" {
		m.gateway.CancelOrder(ctx, m.params.Symbol, c.TakeProfitOrderID)
		m.repo.MarkCancelled(ctx, c.TakeProfitOrderID)
	}
}

// liquidate places a market order to flatten the remaining base quantity:
// sell for long, buy for short.
func (m *Manager) liquidate(ctx context.Context, c *Cycle) {
	side := common.SideSell
	if m.params.Direction == DirectionShort {
		side = common.SideBuy
	}
	clientID := m.newClientOrderID(orderrepo.RoleLiquidation, 0)
	m.repo.Reserve(ctx, orderrepo.Order{
		ClientOrderID: clientID,
		CycleID:       c.ID,
		BotID:         m.botID,
		Role:          orderrepo.RoleLiquidation,
		Symbol:        m.params.Symbol,
		Side:          side,
		OrderType:     common.OrderTypeMarket,
		Qty:           c.TotalBaseQuantity,
	})
	ack, err := m.gateway.PlaceOrder(ctx, common.DCAOrderRequest{
		Symbol:        m.params.Symbol,
		Side:          side,
		Type:          common.OrderTypeMarket,
		Qty:           c.TotalBaseQuantity,
		ClientOrderID: clientID,
	})
	if err != nil {
		m.repo.MarkFailed(ctx, clientID, err.Error())
		log.Printf("cycle %s: liquidation failed: %v", m.botID, err)
		return
	}
	m.repo.MarkSubmitted(ctx, clientID, ack.ExchangeOrderID)
	c.TotalBaseQuantity = decimal.Zero
}

// handleStreamGap runs after a user-stream reconnect, since events during
// the gap are lost. It reads this bot's non-terminal orders from the Order
// Repository and marks each one that has an exchange order id as unknown;
// the exchange is not queried, so no order is reconciled to its remote
// status here.
func (m *Manager) handleStreamGap(ctx context.Context, ev streamGapEvent) {
	orders, err := m.repo.NonTerminalByBot(ctx, m.botID)
	if err != nil {
		log.Printf("cycle %s: reconcile after stream gap: %v", m.botID, err)
		return
	}
	for _, o := range orders {
		if o.ExchangeOrderID == "" {
			continue
		}
		// No remote lookup is made; the order is flagged unknown rather
		// than keeping a status that may be stale.
		m.repo.MarkUnknown(ctx, o.ClientOrderID)
	}
}

func (m *Manager) failCycle(ctx context.Context, reason string) {
	m.mu.Lock()
	c := m.cycle
	if c != nil {
		c.State = StateFailed
	}
	m.mu.Unlock()
	m.pub.PublishBotStatusUpdate(m.botID, "failed", false, reason)
	if c != nil {
		m.pub.PublishBotCycleUpdate(m.botID, "updated", c.snapshot(m.botID))
	}
}

func (m *Manager) isStopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

// Stop marks the manager stopping so a completed cycle does not auto-start
// the next one; the deterministic cancel/liquidate sequence itself lives in
// the Bot Supervisor, which calls CancelAndLiquidate directly.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
}

// CurrentCycle returns a snapshot of the active cycle, or nil if none.
func (m *Manager) CurrentCycle() *CycleSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cycle == nil {
		return nil
	}
	snap := m.cycle.snapshot(m.botID)
	return &snap
}

// CancelAndLiquidate runs the Bot Supervisor's stop/delete cancel sequence
// against the current cycle: cancel every open order, liquidate any
// remaining base quantity, and mark the cycle aborted (or completed if the
// take-profit happened to fill during cancellation).
func (m *Manager) CancelAndLiquidate(ctx context.Context) error {
	m.mu.Lock()
	c := m.cycle
	m.mu.Unlock()
	if c == nil || c.State.Terminal() {
		return nil
	}

	m.cancelAllOpenOrders(ctx, c)
	if !c.TotalBaseQuantity.IsZero() {
		m.liquidate(ctx, c)
	}

	realized, err := m.computeRealizedProfit(ctx, c.ID)
	if err != nil {
		return err
	}
	c.RealizedProfit = realized

	m.mu.Lock()
	if c.State != StateCompleted {
		c.State = StateAborted
	}
	c.CompletedAt = time.Now().UTC()
	m.mu.Unlock()
	m.pub.PublishBotCycleUpdate(m.botID, "updated", c.snapshot(m.botID))
	return nil
}
