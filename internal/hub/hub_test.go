package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trading-core/internal/cycle"
	"trading-core/pkg/exchanges/common"
)

func newTestClient() *client {
	return &client{
		send:    make(chan serverMessage, clientOutbound),
		closeCh: make(chan struct{}),
		topics:  make(map[marketKey]struct{}),
	}
}

func drain(t *testing.T, c *client, timeout time.Duration) serverMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for a message")
		return serverMessage{}
	}
}

func TestAuthenticateRequiresUserID(t *testing.T) {
	h := New(context.Background(), "secret", nil, nil, nil)
	c := newTestClient()
	if h.authenticate(c, "", "") {
		t.Fatalf("expected authenticate to fail without a user id")
	}
}

func TestAuthenticateIndexesClientByUser(t *testing.T) {
	h := New(context.Background(), "secret", nil, nil, nil)
	c := newTestClient()
	if !h.authenticate(c, "user-1", "") {
		t.Fatalf("expected authenticate to succeed with empty token and a user id")
	}
	found := false
	h.forEachUserClient("user-1", func(got *client) {
		if got == c {
			found = true
		}
	})
	if !found {
		t.Fatalf("expected client to be indexed under user-1")
	}
}

func TestBroadcastToBotOwnerOnlyReachesOwningUser(t *testing.T) {
	resolveBot := func(botID string) (string, bool) {
		if botID == "bot-1" {
			return "user-1", true
		}
		return "", false
	}
	h := New(context.Background(), "secret", nil, nil, resolveBot)

	owner := newTestClient()
	other := newTestClient()
	h.authenticate(owner, "user-1", "")
	h.authenticate(other, "user-2", "")

	h.PublishBotStatusUpdate("bot-1", "active", true, "")

	msg := drain(t, owner, time.Second)
	if msg.Type != "bot_status_update" {
		t.Fatalf("expected bot_status_update, got %s", msg.Type)
	}
	select {
	case <-other.send:
		t.Fatalf("bot event leaked to a non-owning user")
	default:
	}
}

func TestBroadcastToBotOwnerDropsWhenOwnerUnresolved(t *testing.T) {
	resolveBot := func(botID string) (string, bool) { return "", false }
	h := New(context.Background(), "secret", nil, nil, resolveBot)
	c := newTestClient()
	h.authenticate(c, "user-1", "")
	h.PublishBotDataUpdate("deleted-bot", "deleted")
	select {
	case <-c.send:
		t.Fatalf("expected event to be dropped when owner cannot be resolved")
	default:
	}
}

type fakeMarketFeed struct {
	mu      sync.Mutex
	opens   int
	updates chan common.MarketUpdate
}

func (f *fakeMarketFeed) SubscribeMarket(ctx context.Context, symbols []string, dataType common.DataType, interval string) (<-chan common.MarketUpdate, error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	ch := make(chan common.MarketUpdate, 4)
	f.updates = ch
	return ch, nil
}

func TestSubscribeOpensOneTopicForMultipleSubscribers(t *testing.T) {
	feed := &fakeMarketFeed{}
	h := New(context.Background(), "secret", feed, nil, nil)
	a := newTestClient()
	b := newTestClient()
	key := marketKey{symbol: "BTCUSDT", dataType: common.DataTypeTicker}

	h.subscribe(a, key)
	h.subscribe(b, key)

	feed.mu.Lock()
	opens := feed.opens
	feed.mu.Unlock()
	if opens != 1 {
		t.Fatalf("expected exactly one upstream subscription for two subscribers, got %d", opens)
	}

	h.marketMu.Lock()
	topic := h.market[key]
	subscriberCount := len(topic.subscribers)
	h.marketMu.Unlock()
	if subscriberCount != 2 {
		t.Fatalf("expected 2 subscribers on the shared topic, got %d", subscriberCount)
	}
}

func TestUnsubscribeTearsDownTopicWhenLastSubscriberLeaves(t *testing.T) {
	feed := &fakeMarketFeed{}
	h := New(context.Background(), "secret", feed, nil, nil)
	a := newTestClient()
	key := marketKey{symbol: "ETHUSDT", dataType: common.DataTypeTicker}

	h.subscribe(a, key)
	h.unsubscribeAll(a)

	h.marketMu.Lock()
	_, exists := h.market[key]
	h.marketMu.Unlock()
	if exists {
		t.Fatalf("expected topic to be removed once its only subscriber unsubscribed")
	}
	if len(a.topics) != 0 {
		t.Fatalf("expected client's topic set to be cleared")
	}
}

func TestSubscribeWithoutDefaultFeedEnqueuesError(t *testing.T) {
	h := New(context.Background(), "secret", nil, nil, nil)
	c := newTestClient()
	h.subscribe(c, marketKey{symbol: "BTCUSDT", dataType: common.DataTypeTicker})
	msg := drain(t, c, time.Second)
	if msg.Type != "error" {
		t.Fatalf("expected an error frame when no default feed is configured, got %s", msg.Type)
	}
}

func TestCycleViewRendersDecimalsAsStrings(t *testing.T) {
	snap := cycle.CycleSnapshot{
		ID:                "cycle-1",
		BotID:             "bot-1",
		CycleNumber:       2,
		State:             cycle.StateHolding,
		AverageEntryPrice: decimal.NewFromInt(30000),
	}
	view := cycleView(snap)
	if view["averageEntryPrice"] != "30000" {
		t.Fatalf("expected decimal rendered as string, got %v", view["averageEntryPrice"])
	}
	if view["state"] != cycle.StateHolding {
		t.Fatalf("expected state to pass through, got %v", view["state"])
	}
}
