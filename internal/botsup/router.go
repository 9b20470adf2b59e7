package botsup

import (
	"context"
	"log"
	"strings"

	"trading-core/internal/cycle"
	"trading-core/internal/orderrepo"
	"trading-core/pkg/exchanges/common"
)

// roleMarkers mirrors cycle.Manager.newClientOrderID's "<botID>-<role>-r<rung>-<uuid8>"
// format. Bot ids are themselves UUIDs (containing dashes), so the role is
// the only fixed token a router can anchor on to recover the bot id prefix.
var roleMarkers = []orderrepo.Role{
	orderrepo.RoleBase,
	orderrepo.RoleSafety,
	orderrepo.RoleTakeProfit,
	orderrepo.RoleLiquidation,
}

func botIDFromClientOrderID(clientOrderID string) (botID string, role orderrepo.Role, ok bool) {
	for _, r := range roleMarkers {
		marker := "-" + string(r) + "-r"
		if idx := strings.Index(clientOrderID, marker); idx > 0 {
			return clientOrderID[:idx], r, true
		}
	}
	return "", "", false
}

// RouteUserStream pumps one gateway's user-data channels to the owning
// bots' Cycle Managers for as long as ctx is live. wireStreams starts one
// call per started bot, on the user stream that bot opened itself, so bots
// sharing one exchange account each run their own call on their own stream.
func (s *Supervisor) RouteUserStream(ctx context.Context, execs <-chan common.ExecutionReport, balances <-chan common.BalanceDelta, events <-chan common.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep, ok := <-execs:
			if !ok {
				return
			}
			s.routeExecutionReport(rep)
		case <-balances:
			// Balance deltas are served to clients on demand via get_balance;
			// the router does not need to act on them itself.
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.routeStreamEvent(ev)
		}
	}
}

func (s *Supervisor) routeExecutionReport(rep common.ExecutionReport) {
	botID, role, ok := botIDFromClientOrderID(rep.ClientOrderID)
	if !ok {
		log.Printf("botsup: execution report %q does not match any bot's client_order_id format", rep.ClientOrderID)
		return
	}
	manager, ok := s.ManagerFor(botID)
	if !ok {
		// Bot was stopped or deleted after the order was placed; no Cycle
		// Manager acts on the report, but it is still recorded in the
		// order repository.
		if err := s.repo.ApplyExecutionReport(s.baseCtx, rep); err != nil && err != orderrepo.ErrNonMonotonicTransition {
			log.Printf("botsup: record execution report %q for inactive bot: %v", rep.ClientOrderID, err)
		}
		return
	}
	manager.SubmitExecutionReport(rep, role)
}

// routeStreamEvent fans a reconnect notification out to every active bot.
// The Supervisor does not track which bots share which exchange account's
// user stream, so this is a superset broadcast; SubmitStreamGap's
// reconciliation (NonTerminalByBot + MarkUnknown) is cheap and idempotent
// for bots the gap did not actually affect.
func (s *Supervisor) routeStreamEvent(ev common.StreamEvent) {
	if ev.Kind != common.StreamReconnected {
		return
	}
	s.mu.Lock()
	managers := make([]*cycle.Manager, 0, len(s.bots))
	for _, entry := range s.bots {
		if entry.manager != nil {
			managers = append(managers, entry.manager)
		}
	}
	s.mu.Unlock()

	for _, m := range managers {
		m.SubmitStreamGap(ev.LastEventTime)
	}
}
