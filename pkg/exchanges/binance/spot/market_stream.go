package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"trading-core/pkg/exchanges/common"
)

// SubscribeMarket implements common.DCAGateway. It opens one combined-stream
// connection per call and reconnects with exponential backoff, the same
// shape as pkg/market/binance.StreamClient but emitting normalized
// common.MarketUpdate values instead of raw exchange payloads.
func (c *Client) SubscribeMarket(ctx context.Context, symbols []string, dataType common.DataType, interval string) (<-chan common.MarketUpdate, error) {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := strings.ToLower(s)
		switch dataType {
		case common.DataTypeKline:
			streams = append(streams, fmt.Sprintf("%s@kline_%s", sym, interval))
		default:
			streams = append(streams, fmt.Sprintf("%s@miniTicker", sym))
		}
	}
	host := "stream.binance.com:9443"
	if c.cfg.Testnet {
		host = "testnet.binance.vision"
	}
	u := (&url.URL{Scheme: "wss", Host: host, Path: "/stream", RawQuery: "streams=" + strings.Join(streams, "/")}).String()

	out := make(chan common.MarketUpdate, 256)
	go c.runMarketStream(ctx, u, dataType, out)
	return out, nil
}

func (c *Client) runMarketStream(ctx context.Context, wsURL string, dataType common.DataType, out chan<- common.MarketUpdate) {
	defer close(out)
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			log.Printf("spot market stream: dial error: %v", err)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		backoff = time.Second

		connDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-connDone:
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Printf("spot market stream: read error: %v", err)
				conn.Close()
				close(connDone)
				break
			}
			if upd, ok := parseCombinedStreamMessage(msg, dataType); ok {
				select {
				case out <- upd:
				case <-ctx.Done():
					conn.Close()
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type combinedStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func parseCombinedStreamMessage(msg []byte, dataType common.DataType) (common.MarketUpdate, bool) {
	var env combinedStreamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return common.MarketUpdate{}, false
	}

	switch dataType {
	case common.DataTypeKline:
		var payload struct {
			EventTime int64 `json:"E"`
			Kline     struct {
				Symbol   string `json:"s"`
				Interval string `json:"i"`
				Close    string `json:"c"`
			} `json:"k"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return common.MarketUpdate{}, false
		}
		return common.MarketUpdate{
			Symbol:    payload.Kline.Symbol,
			DataType:  common.DataTypeKline,
			Price:     parseDecimal(payload.Kline.Close),
			Interval:  payload.Kline.Interval,
			EventTime: time.UnixMilli(payload.EventTime),
		}, true
	default:
		var payload struct {
			EventTime int64  `json:"E"`
			Symbol    string `json:"s"`
			Close     string `json:"c"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return common.MarketUpdate{}, false
		}
		return common.MarketUpdate{
			Symbol:    payload.Symbol,
			DataType:  common.DataTypeTicker,
			Price:     parseDecimal(payload.Close),
			EventTime: time.UnixMilli(payload.EventTime),
		}, true
	}
}
