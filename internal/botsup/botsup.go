// Package botsup is the Bot Supervisor: lifecycle entry points
// (create/start/stop/delete) with a per-bot serial lock, so that e.g. a
// concurrent stop and delete never race on the same orders.
package botsup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-core/internal/cycle"
	"trading-core/internal/orderrepo"
	"trading-core/pkg/db"
	"trading-core/pkg/exchanges/common"
)

var (
	ErrBotNotFound = errors.New("botsup: bot not found")
	ErrBotActive   = errors.New("botsup: bot already active")
)

// BotStatus mirrors the persisted bots.status column.
type BotStatus string

const (
	BotPending  BotStatus = "pending"
	BotActive   BotStatus = "active"
	BotInactive BotStatus = "inactive"
	BotFailed   BotStatus = "failed"
)

// GatewayResolver returns the live gateway for a bot's exchange account, so
// the Supervisor never has to know exchange-specific construction details.
type GatewayResolver func(ctx context.Context, exchangeAccountID string) (common.DCAGateway, error)

type botEntry struct {
	mu      sync.Mutex
	manager *cycle.Manager
	status  BotStatus
	runCtx  context.Context
	cancel  context.CancelFunc
}

// Supervisor owns bot lifecycle. One Supervisor instance per process.
type Supervisor struct {
	db       *db.Database
	repo     *orderrepo.Repository
	pub      cycle.Publisher
	resolve  GatewayResolver
	baseCtx  context.Context

	mu   sync.Mutex
	bots map[string]*botEntry
}

func New(ctx context.Context, database *db.Database, repo *orderrepo.Repository, pub cycle.Publisher, resolve GatewayResolver) *Supervisor {
	return &Supervisor{
		db:      database,
		repo:    repo,
		pub:     pub,
		resolve: resolve,
		baseCtx: ctx,
		bots:    make(map[string]*botEntry),
	}
}

// CreateBot validates params and persists a new bot row in pending status.
// It never places orders.
func (s *Supervisor) CreateBot(ctx context.Context, userID, exchangeAccountID string, params cycle.Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", fmt.Errorf("botsup: invalid params: %w", err)
	}

	id := uuid.NewString()
	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO bots (
			id, user_id, exchange_account_id, symbol, base_order_size, safety_order_size,
			safety_order_volume_scale, safety_order_step_scale, price_deviation_pct,
			max_safety_orders, take_profit_pct, trailing_enabled, trailing_pct,
			cooldown_seconds, price_range_low, price_range_high, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, userID, exchangeAccountID, params.Symbol, params.BaseOrderAmount.String(), params.SafetyOrderAmount.String(),
		params.SafetyOrderSizeMultiplier.String(), params.PriceDeviationMultiplier.String(), params.PriceDeviationPct.String(),
		params.MaxSafetyOrders, params.TakeProfitPct.String(), params.TakeProfitMode == cycle.TakeProfitTrailing, params.TrailingPct.String(),
		params.CooldownSeconds, nullableDecimal(params.LowerPriceLimit), nullableDecimal(params.UpperPriceLimit), string(BotPending),
	)
	if err != nil {
		return "", fmt.Errorf("botsup: persist bot: %w", err)
	}

	s.mu.Lock()
	s.bots[id] = &botEntry{status: BotPending}
	s.mu.Unlock()
	return id, nil
}

func nullableDecimal(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

// StartBot dry-run-quantizes the ladder under the symbol's filters before
// any exchange call, then creates cycle #1 and hands it to the Cycle
// Manager. On any failure the bot is marked failed and the failure is
// broadcast.
func (s *Supervisor) StartBot(ctx context.Context, botID string, exchangeAccountID string, params cycle.Params) error {
	entry := s.lockBot(botID)
	defer entry.mu.Unlock()

	if entry.status == BotActive {
		return ErrBotActive
	}

	gw, err := s.resolve(ctx, exchangeAccountID)
	if err != nil {
		s.failBot(ctx, botID, entry, err)
		return err
	}

	filters, err := gw.GetSymbolFilters(ctx, params.Symbol)
	if err != nil {
		s.failBot(ctx, botID, entry, err)
		return err
	}
	if _, dryRunErr := dryRunLadder(params, filters); dryRunErr != nil {
		s.failBot(ctx, botID, entry, dryRunErr)
		return dryRunErr
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	manager := cycle.NewManager(botID, params, gw, s.repo, s.pub)
	manager.Run(runCtx)

	if err := manager.Start(runCtx); err != nil {
		cancel()
		s.failBot(ctx, botID, entry, err)
		return err
	}

	entry.manager = manager
	entry.status = BotActive
	entry.runCtx = runCtx
	entry.cancel = cancel

	s.wireStreams(runCtx, botID, gw, params)

	s.db.DB.ExecContext(ctx, `UPDATE bots SET status = ?, updated_at = ? WHERE id = ?`, string(BotActive), time.Now().UTC(), botID)
	s.pub.PublishBotStatusUpdate(botID, string(BotActive), true, "")
	return nil
}

// wireStreams opens the bot's own user-data stream (routed to its Cycle
// Manager via client_order_id, see router.go) and a ticker subscription for
// the price-range-breach check, both torn down automatically when runCtx is
// cancelled by StopBot/DeleteBot.
func (s *Supervisor) wireStreams(runCtx context.Context, botID string, gw common.DCAGateway, params cycle.Params) {
	execs, balances, events, err := gw.OpenUserStream(runCtx)
	if err != nil {
		log.Printf("botsup: open user stream failed: %v", err)
	} else {
		go s.RouteUserStream(runCtx, execs, balances, events)
	}

	if !params.LowerPriceLimit.IsZero() || !params.UpperPriceLimit.IsZero() {
		ticks, err := gw.SubscribeMarket(runCtx, []string{params.Symbol}, common.DataTypeTicker, "")
		if err != nil {
			log.Printf("botsup: subscribe market failed: %v", err)
			return
		}
		go func() {
			for u := range ticks {
				if manager, ok := s.ManagerFor(botID); ok {
					manager.SubmitTicker(u.Price)
				}
			}
		}()
	}
}

// dryRunLadder validates every rung would quantize to a positive price
// without placing anything, using a synthetic base price of one million
// ticks so the check depends only on the params and the symbol's filters.
func dryRunLadder(params cycle.Params, filters common.SymbolFilters) (int, error) {
	if filters.TickSize.IsZero() {
		return 0, fmt.Errorf("botsup: cannot dry-run ladder with zero tick size")
	}
	basePrice := filters.TickSize.Mul(decimalFromInt(1_000_000))
	return params.MaxSafetyOrders, validateLadderShape(params, basePrice, filters)
}

// StopBot runs the deterministic cancel/liquidate/mark-inactive sequence.
// Cancel failures do not abort the sequence; individual cancel errors are
// ignored by CancelAndLiquidate and are neither collected nor returned.
func (s *Supervisor) StopBot(ctx context.Context, botID string) error {
	entry := s.lockBot(botID)
	defer entry.mu.Unlock()
	return s.stopSequence(ctx, botID, entry)
}

// stopSequence assumes entry.mu is already held by the caller, so DeleteBot
// can run cancel+liquidate and the row deletion under one lock acquisition
// rather than two, keeping the whole sequence atomic with respect to a
// concurrent stop/delete on the same bot.
func (s *Supervisor) stopSequence(ctx context.Context, botID string, entry *botEntry) error {
	if entry.manager == nil {
		entry.status = BotInactive
		return nil
	}

	entry.manager.Stop()
	if err := entry.manager.CancelAndLiquidate(ctx); err != nil {
		// best-effort: surface but keep going through the rest of the sequence
		s.pub.PublishBotStatusUpdate(botID, string(BotActive), true, "stop encountered errors: "+err.Error())
	}
	if entry.cancel != nil {
		entry.cancel()
	}

	entry.status = BotInactive
	s.db.DB.ExecContext(ctx, `UPDATE bots SET status = ?, updated_at = ? WHERE id = ?`, string(BotInactive), time.Now().UTC(), botID)
	s.pub.PublishBotStatusUpdate(botID, string(BotInactive), false, "")
	s.pub.PublishBotCycleUpdate(botID, "stopped", cycle.CycleSnapshot{BotID: botID})
	return nil
}

// DeleteBot runs the same cancel+liquidate sequence as StopBot, then deletes
// the bot row, under a single hold of the bot's lock; its order rows in
// cycle_orders (and any bot_cycles rows) are kept and stamped with
// archived_at for later purge, see SPEC_FULL.md.
func (s *Supervisor) DeleteBot(ctx context.Context, botID string) error {
	entry := s.lockBot(botID)
	defer entry.mu.Unlock()

	if err := s.stopSequence(ctx, botID, entry); err != nil {
		return err
	}

	now := time.Now().UTC()
	s.db.DB.ExecContext(ctx, `UPDATE bot_cycles SET archived_at = ? WHERE bot_id = ? AND archived_at IS NULL`, now, botID)
	s.db.DB.ExecContext(ctx, `UPDATE cycle_orders SET archived_at = ? WHERE bot_id = ? AND archived_at IS NULL`, now, botID)
	if _, err := s.db.DB.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, botID); err != nil {
		return fmt.Errorf("botsup: delete bot: %w", err)
	}

	s.mu.Lock()
	delete(s.bots, botID)
	s.mu.Unlock()

	s.pub.PublishBotDataUpdate(botID, "deleted")
	return nil
}

func (s *Supervisor) lockBot(botID string) *botEntry {
	s.mu.Lock()
	entry, ok := s.bots[botID]
	if !ok {
		entry = &botEntry{status: BotPending}
		s.bots[botID] = entry
	}
	s.mu.Unlock()

	entry.mu.Lock()
	return entry
}

func (s *Supervisor) failBot(ctx context.Context, botID string, entry *botEntry, cause error) {
	entry.status = BotFailed
	s.db.DB.ExecContext(ctx, `UPDATE bots SET status = ?, updated_at = ? WHERE id = ?`, string(BotFailed), time.Now().UTC(), botID)
	s.pub.PublishBotStatusUpdate(botID, string(BotFailed), false, cause.Error())
}

// ManagerFor returns the running Cycle Manager for a bot, used by the
// execution-report router to dispatch user-stream events.
func (s *Supervisor) ManagerFor(botID string) (*cycle.Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.bots[botID]
	if !ok || entry.manager == nil {
		return nil, false
	}
	return entry.manager, true
}

// ActiveBotCount returns the number of bots with a running Cycle Manager,
// for system metrics reporting.
func (s *Supervisor) ActiveBotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.bots {
		if entry.status == BotActive {
			n++
		}
	}
	return n
}
