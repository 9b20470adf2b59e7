package spot

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"trading-core/pkg/exchanges/common"
)

// userStreamState names the listen-key lifecycle the Event Hub/Cycle Manager
// watch through the StreamEvent channel: Closed -> Acquiring -> Open ->
// Keepalive -> Open|Reconnecting -> Acquiring.
type userStreamState string

const (
	stateClosed       userStreamState = "closed"
	stateAcquiring    userStreamState = "acquiring"
	stateOpen         userStreamState = "open"
	stateReconnecting userStreamState = "reconnecting"
)

const listenKeyKeepAliveInterval = 30 * time.Minute

// OpenUserStream implements common.DCAGateway. It returns the channels at
// once and runs the full listen-key lifecycle in a background goroutine
// until ctx is done.
func (c *Client) OpenUserStream(ctx context.Context) (<-chan common.ExecutionReport, <-chan common.BalanceDelta, <-chan common.StreamEvent, error) {
	reports := make(chan common.ExecutionReport, 256)
	balances := make(chan common.BalanceDelta, 64)
	events := make(chan common.StreamEvent, 8)

	go c.runUserStream(ctx, reports, balances, events)

	return reports, balances, events, nil
}

func (c *Client) runUserStream(ctx context.Context, reports chan<- common.ExecutionReport, balances chan<- common.BalanceDelta, events chan<- common.StreamEvent) {
	defer close(reports)
	defer close(balances)
	defer close(events)

	state := stateClosed
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	var lastEventTime time.Time
	wasReconnecting := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wasReconnecting = wasReconnecting || state == stateReconnecting
		state = stateAcquiring
		listenKey, err := c.CreateListenKey(ctx)
		if err != nil {
			log.Printf("spot user stream: create listen key error: %v", err)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, buildUserStreamURL(c.cfg.Testnet, listenKey), nil)
		if err != nil {
			log.Printf("spot user stream: dial error: %v", err)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		state = stateOpen
		backoff = time.Second
		if wasReconnecting {
			wasReconnecting = false
			events <- common.StreamEvent{Kind: common.StreamReconnected, LastEventTime: lastEventTime}
		}

		keepAliveDone := make(chan struct{})
		go c.keepAliveLoop(ctx, listenKey, keepAliveDone)

		readErr := c.readUserStreamLoop(ctx, conn, reports, balances, &lastEventTime)
		close(keepAliveDone)
		conn.Close()
		_ = c.CloseListenKey(context.Background(), listenKey)

		select {
		case <-ctx.Done():
			return
		default:
		}

		state = stateReconnecting
		events <- common.StreamEvent{Kind: common.StreamClosed, LastEventTime: lastEventTime}
		if readErr != nil {
			log.Printf("spot user stream: read loop ended: %v", readErr)
		}
		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
}

// keepAliveLoop renews the listen key every 30 minutes, Binance's declared
// listen-key TTL, until stopped or the stream closes.
func (c *Client) keepAliveLoop(ctx context.Context, listenKey string, done <-chan struct{}) {
	ticker := time.NewTicker(listenKeyKeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := c.KeepAliveListenKey(ctx, listenKey); err != nil {
				log.Printf("spot user stream: keepalive error: %v", err)
			}
		}
	}
}

func (c *Client) readUserStreamLoop(ctx context.Context, conn *websocket.Conn, reports chan<- common.ExecutionReport, balances chan<- common.BalanceDelta, lastEventTime *time.Time) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(msg, &raw); err != nil {
			continue
		}
		var eventType string
		if v, ok := raw["e"]; ok {
			if err := json.Unmarshal(v, &eventType); err != nil {
				continue
			}
		} else {
			continue
		}

		switch eventType {
		case "executionReport":
			rep, evTime, ok := parseExecutionReport(msg)
			if !ok {
				continue
			}
			*lastEventTime = evTime
			select {
			case reports <- rep:
			case <-ctx.Done():
				return ctx.Err()
			}
		case "outboundAccountPosition":
			deltas, evTime := parseAccountPosition(msg)
			*lastEventTime = evTime
			for _, d := range deltas {
				select {
				case balances <- d:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		default:
			// listenKeyExpired and other event types fall through; the
			// read loop will end on the next dropped connection.
		}
	}
}

func parseExecutionReport(msg []byte) (common.ExecutionReport, time.Time, bool) {
	var rep struct {
		Symbol          string `json:"s"`
		Side            string `json:"S"`
		OrderType       string `json:"o"`
		Status          string `json:"X"`
		ExecutionType   string `json:"x"`
		OrderID         int64  `json:"i"`
		ClientOrderID   string `json:"c"`
		LastQty         string `json:"l"`
		LastPrice       string `json:"L"`
		CumulativeQty   string `json:"z"`
		CumulativeQuote string `json:"Z"`
		Commission      string `json:"n"`
		EventTime       int64  `json:"E"`
	}
	if err := json.Unmarshal(msg, &rep); err != nil {
		return common.ExecutionReport{}, time.Time{}, false
	}
	evTime := time.UnixMilli(rep.EventTime)
	return common.ExecutionReport{
		ClientOrderID:   rep.ClientOrderID,
		ExchangeOrderID: formatOrderID(rep.OrderID),
		Symbol:          rep.Symbol,
		Side:            common.Side(strings.ToUpper(rep.Side)),
		Type:            common.OrderType(strings.ToUpper(rep.OrderType)),
		Status:          mapStatus(rep.Status),
		ExecutedQty:     parseDecimal(rep.CumulativeQty),
		CumulativeQuote: parseDecimal(rep.CumulativeQuote),
		LastFillPrice:   parseDecimal(rep.LastPrice),
		LastFillQty:     parseDecimal(rep.LastQty),
		Commission:      parseDecimal(rep.Commission),
		EventTime:       evTime,
	}, evTime, true
}

func parseAccountPosition(msg []byte) ([]common.BalanceDelta, time.Time) {
	var pos struct {
		EventTime int64 `json:"E"`
		Balances  []struct {
			Asset  string `json:"a"`
			Free   string `json:"f"`
			Locked string `json:"l"`
		} `json:"B"`
	}
	if err := json.Unmarshal(msg, &pos); err != nil {
		return nil, time.Time{}
	}
	evTime := time.UnixMilli(pos.EventTime)
	out := make([]common.BalanceDelta, 0, len(pos.Balances))
	for _, b := range pos.Balances {
		out = append(out, common.BalanceDelta{
			Asset:     b.Asset,
			Free:      parseDecimal(b.Free),
			Locked:    parseDecimal(b.Locked),
			EventTime: evTime,
		})
	}
	return out, evTime
}

func formatOrderID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func buildUserStreamURL(testnet bool, listenKey string) string {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws/" + listenKey}
	return u.String()
}
