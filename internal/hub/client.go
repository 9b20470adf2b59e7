package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"trading-core/pkg/exchanges/common"
)

// client is one connected WebSocket session. All writes to conn go through
// writeLoop, which is the single writer for this connection; handlers never
// call conn.WriteMessage directly.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan serverMessage
	closeCh chan struct{}

	userID string
	topics map[marketKey]struct{}
}

// enqueue drops the message rather than blocking the publisher when a
// client's outbound buffer is full, and closes the connection itself so
// readLoop unblocks and the client is disconnected.
func (c *client) enqueue(msg serverMessage) {
	select {
	case c.send <- msg:
	default:
		select {
		case <-c.closeCh:
		default:
			go c.conn.Close() // force readLoop to unblock and disconnect
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readLoop() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(serverMessage{Type: "error", Error: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg clientMessage) {
	ctx := c.hub.background
	switch msg.Type {
	case "authenticate":
		ok := c.hub.authenticate(c, msg.UserID, msg.Token)
		c.enqueue(serverMessage{Type: "authenticate_result", Data: map[string]any{"ok": ok}})

	case "subscribe":
		for _, sym := range msg.Symbols {
			c.hub.subscribe(c, marketKey{symbol: sym, dataType: common.DataTypeTicker})
		}

	case "configure_stream":
		dataType := common.DataType(msg.DataType)
		if dataType == "" {
			dataType = common.DataTypeTicker
		}
		for _, sym := range msg.Symbols {
			c.hub.subscribe(c, marketKey{symbol: sym, dataType: dataType, interval: msg.Interval})
		}

	case "change_subscription":
		c.hub.changeSubscription(c, msg.Symbol, msg.Interval)

	case "unsubscribe":
		c.hub.unsubscribeAll(c)

	case "get_balance":
		c.handleGetBalance(ctx, msg)

	default:
		c.enqueue(serverMessage{Type: "error", Error: "unknown message type"})
	}
}

func (c *client) handleGetBalance(parent context.Context, msg clientMessage) {
	if c.hub.resolveGW == nil {
		c.enqueue(serverMessage{Type: "balance_error", ExchangeID: msg.Exchange, Error: "balances unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(parent, 8*time.Second)
	go func() {
		defer cancel()
		gw, err := c.hub.resolveGW(ctx, msg.Exchange)
		if err != nil {
			c.enqueue(serverMessage{Type: "balance_error", ExchangeID: msg.Exchange, Error: err.Error()})
			return
		}
		balances, err := gw.GetBalances(ctx)
		if err != nil {
			c.enqueue(serverMessage{Type: "balance_error", ExchangeID: msg.Exchange, Error: err.Error()})
			return
		}
		view := make([]map[string]string, 0, len(balances))
		for _, b := range balances {
			if msg.Asset != "" && b.Asset != msg.Asset {
				continue
			}
			view = append(view, map[string]string{
				"asset":  b.Asset,
				"free":   b.Free.String(),
				"locked": b.Locked.String(),
			})
		}
		c.enqueue(serverMessage{
			Type:       "balance_update",
			ExchangeID: msg.Exchange,
			Data:       map[string]any{"balances": view},
		})
	}()
}
