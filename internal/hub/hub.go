// Package hub is the Event Hub: a single WebSocket endpoint that
// demultiplexes market data, balances, and bot/cycle/order events to
// clients by their declared subscriptions. One goroutine per connection
// owns that connection's writes, so frames to a client are always
// serialized; every message goes through a bounded per-client outbound
// buffer, and a client whose buffer is full is disconnected, so a slow
// client never blocks a publisher.
package hub

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"trading-core/internal/cycle"
	"trading-core/internal/orderrepo"
	"trading-core/pkg/exchanges/common"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = pingInterval*2 + 5*time.Second
	clientOutbound = 128
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MarketFeed is the subset of the Exchange Gateway the hub needs to serve
// configure_stream requests: a live subscription per symbol/dataType.
type MarketFeed interface {
	SubscribeMarket(ctx context.Context, symbols []string, dataType common.DataType, interval string) (<-chan common.MarketUpdate, error)
}

// GatewayByExchangeAccount resolves the gateway backing one exchange
// account, so the hub can answer get_balance without owning exchange
// wiring itself.
type GatewayByExchangeAccount func(ctx context.Context, exchangeAccountID string) (common.DCAGateway, error)

// BotOwnerResolver maps a bot id to the user id it belongs to, so bot_*
// events reach only the connections that authenticated as that user.
// Backed by the Bot Supervisor's persisted bots table.
type BotOwnerResolver func(botID string) (userID string, ok bool)

// Hub owns every connected client and every live market-data subscription.
// It implements cycle.Publisher so the Cycle Manager and Bot Supervisor can
// broadcast without knowing about WebSockets.
type Hub struct {
	jwtSecret   string
	resolveGW   GatewayByExchangeAccount
	resolveBot  BotOwnerResolver
	defaultFeed MarketFeed
	background  context.Context

	mu      sync.RWMutex
	clients map[*client]struct{}
	// userClients indexes authenticated clients by user id, for
	// authenticated-stream scoping (balance_update, order_fill_notification,
	// bot_* events).
	userClients map[string]map[*client]struct{}

	marketMu sync.Mutex
	market   map[marketKey]*marketTopic
}

type marketKey struct {
	symbol   string
	dataType common.DataType
	interval string
}

// marketTopic fans one gateway subscription out to every client listening
// on it; it is created lazily on first configure_stream and torn down when
// its last subscriber disconnects.
type marketTopic struct {
	subscribers map[*client]struct{}
	cancel      context.CancelFunc
}

func New(ctx context.Context, jwtSecret string, defaultFeed MarketFeed, resolveGW GatewayByExchangeAccount, resolveBot BotOwnerResolver) *Hub {
	return &Hub{
		jwtSecret:   jwtSecret,
		defaultFeed: defaultFeed,
		resolveGW:   resolveGW,
		resolveBot:  resolveBot,
		background:  ctx,
		clients:     make(map[*client]struct{}),
		userClients: make(map[string]map[*client]struct{}),
		market:      make(map[marketKey]*marketTopic),
	}
}

// ServeHTTP upgrades the connection and runs the client's read/write loops
// until it disconnects. Intended to be mounted at GET /api/ws.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade error: %v", err)
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan serverMessage, clientOutbound),
		closeCh: make(chan struct{}),
		topics:  make(map[marketKey]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	c.readLoop()

	h.disconnect(c)
}

func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	if c.userID != "" {
		if set, ok := h.userClients[c.userID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.userClients, c.userID)
			}
		}
	}
	h.mu.Unlock()

	h.marketMu.Lock()
	for key := range c.topics {
		h.unsubscribeLocked(c, key)
	}
	h.marketMu.Unlock()

	close(c.closeCh)
	c.conn.Close()
}

// authenticate validates a client-presented JWT against the same secret the
// REST API issues tokens with, then indexes the connection by user id for
// authenticated-stream delivery.
func (h *Hub) authenticate(c *client, userID, token string) bool {
	if token != "" {
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			return []byte(h.jwtSecret), nil
		})
		if err != nil || !parsed.Valid {
			return false
		}
	}
	if userID == "" {
		return false
	}

	h.mu.Lock()
	c.userID = userID
	if h.userClients[userID] == nil {
		h.userClients[userID] = make(map[*client]struct{})
	}
	h.userClients[userID][c] = struct{}{}
	h.mu.Unlock()
	return true
}

func (h *Hub) forEachUserClient(userID string, fn func(*client)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.userClients[userID] {
		fn(c)
	}
}

// --- cycle.Publisher -------------------------------------------------

var _ cycle.Publisher = (*Hub)(nil)

func (h *Hub) PublishBotCycleUpdate(botID, action string, snapshot cycle.CycleSnapshot) {
	h.broadcastToBotOwner(botID, serverMessage{
		Type: "bot_cycle_update",
		Data: map[string]any{"action": action, "cycle": cycleView(snapshot)},
	})
}

func (h *Hub) PublishOrderFillNotification(botID string, o orderrepo.Order) {
	h.broadcastToBotOwner(botID, serverMessage{
		Type: "order_fill_notification",
		Data: orderView(o),
	})
	h.broadcastToBotOwner(botID, serverMessage{
		Type: "order_status_update",
		Data: orderView(o),
	})
}

func (h *Hub) PublishBotStatusUpdate(botID, status string, isActive bool, message string) {
	h.broadcastToBotOwner(botID, serverMessage{
		Type: "bot_status_update",
		Data: map[string]any{
			"botId":    botID,
			"status":   status,
			"isActive": isActive,
			"message":  message,
		},
	})
}

func (h *Hub) PublishBotDataUpdate(botID, action string) {
	h.broadcastToBotOwner(botID, serverMessage{
		Type: "bot_data_update",
		Data: map[string]any{"action": action, "bot": map[string]any{"id": botID}},
	})
}

// Send implements monitor.AlertSink by broadcasting a system_alert frame to
// every connected client, regardless of subscription state.
func (h *Hub) Send(message string) error {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	msg := serverMessage{Type: "system_alert", Data: map[string]any{"message": message}}
	for _, c := range clients {
		c.enqueue(msg)
	}
	return nil
}

// broadcastToBotOwner delivers a bot_* event only to connections
// authenticated as the bot's owning user. If the owner cannot be resolved
// (e.g. the bot was just deleted) the event is dropped rather than
// broadcast to everyone.
func (h *Hub) broadcastToBotOwner(botID string, msg serverMessage) {
	if h.resolveBot == nil {
		return
	}
	userID, ok := h.resolveBot(botID)
	if !ok {
		return
	}
	h.forEachUserClient(userID, func(c *client) {
		c.enqueue(msg)
	})
}
