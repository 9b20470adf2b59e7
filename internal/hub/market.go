package hub

import (
	"context"
	"errors"
	"log"

	"trading-core/pkg/exchanges/common"
)

var errNoMarketFeed = errors.New("hub: no default market feed configured")

// subscribe attaches c to the topic for key, opening a new upstream
// subscription if this is the first subscriber on the process.
func (h *Hub) subscribe(c *client, key marketKey) {
	h.marketMu.Lock()
	defer h.marketMu.Unlock()

	topic, ok := h.market[key]
	if !ok {
		newTopic, err := h.openTopicLocked(key)
		if err != nil {
			c.enqueue(serverMessage{Type: "error", Error: err.Error()})
			return
		}
		topic = newTopic
		h.market[key] = topic
	}
	topic.subscribers[c] = struct{}{}
	c.topics[key] = struct{}{}
}

func (h *Hub) openTopicLocked(key marketKey) (*marketTopic, error) {
	if h.defaultFeed == nil {
		return nil, errNoMarketFeed
	}
	ctx, cancel := context.WithCancel(h.background)
	updates, err := h.defaultFeed.SubscribeMarket(ctx, []string{key.symbol}, key.dataType, key.interval)
	if err != nil {
		cancel()
		return nil, err
	}

	topic := &marketTopic{subscribers: make(map[*client]struct{}), cancel: cancel}
	go h.pumpTopic(key, updates)
	return topic, nil
}

func (h *Hub) pumpTopic(key marketKey, updates <-chan common.MarketUpdate) {
	msgType := "ticker_update"
	if key.dataType == common.DataTypeKline {
		msgType = "kline_update"
	}
	for u := range updates {
		msg := serverMessage{
			Type: msgType,
			Data: map[string]any{
				"symbol":    u.Symbol,
				"price":     u.Price.String(),
				"interval":  u.Interval,
				"eventTime": u.EventTime,
			},
		}
		h.marketMu.Lock()
		topic, ok := h.market[key]
		var subs []*client
		if ok {
			for c := range topic.subscribers {
				subs = append(subs, c)
			}
		}
		h.marketMu.Unlock()
		for _, c := range subs {
			c.enqueue(msg)
		}
	}
	log.Printf("hub: market stream closed for %s/%s", key.symbol, key.dataType)
}

func (h *Hub) unsubscribeAll(c *client) {
	h.marketMu.Lock()
	defer h.marketMu.Unlock()
	for key := range c.topics {
		h.unsubscribeLocked(c, key)
	}
}

// unsubscribeLocked removes c from key's topic and closes the upstream
// subscription once no subscriber remains. Caller holds marketMu.
func (h *Hub) unsubscribeLocked(c *client, key marketKey) {
	topic, ok := h.market[key]
	if !ok {
		return
	}
	delete(topic.subscribers, c)
	delete(c.topics, key)
	if len(topic.subscribers) == 0 {
		topic.cancel()
		delete(h.market, key)
	}
}

func (h *Hub) changeSubscription(c *client, symbol, interval string) {
	h.marketMu.Lock()
	for key := range c.topics {
		if key.dataType == common.DataTypeKline {
			h.unsubscribeLocked(c, key)
		}
	}
	h.marketMu.Unlock()
	h.subscribe(c, marketKey{symbol: symbol, dataType: common.DataTypeKline, interval: interval})
}
