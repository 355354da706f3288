package hub

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptodash/gateway/internal/model"
)

func testTopic() Topic {
	return TickerTopic(model.VenueBinance, model.MarketSpot, model.NewSymbol("BTC", "USDT"))
}

func testTicker(last string) model.StreamMessage {
	return model.TickerMessage(model.Ticker{
		Timestamp:  time.Now().UTC(),
		Exchange:   model.VenueBinance,
		MarketType: model.MarketSpot,
		Symbol:     model.NewSymbol("BTC", "USDT"),
		Bid:        decimal.RequireFromString(last),
		Ask:        decimal.RequireFromString(last),
		Last:       decimal.RequireFromString(last),
	})
}

func recvEnvelope(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return Envelope{}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	h := New()
	topic := testTopic()
	sub := h.Subscribe(topic)
	defer sub.Close()

	h.Publish(topic, testTicker("50000"))

	env := recvEnvelope(t, sub)
	if env.Topic.Key() != "ticker:binance:spot:BTC-USDT" {
		t.Fatalf("topic key = %s", env.Topic.Key())
	}
	ticker, ok := env.Message.Ticker()
	if !ok {
		t.Fatalf("payload is %T", env.Message.Payload)
	}
	if !ticker.Last.Equal(decimal.RequireFromString("50000")) {
		t.Fatalf("last = %s", ticker.Last)
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	h := New()
	topic := testTopic()
	sub := h.Subscribe(topic)
	defer sub.Close()

	for _, last := range []string{"1", "2", "3", "4", "5"} {
		h.Publish(topic, testTicker(last))
	}
	for _, want := range []string{"1", "2", "3", "4", "5"} {
		env := recvEnvelope(t, sub)
		ticker, _ := env.Message.Ticker()
		if ticker.Last.String() != want {
			t.Fatalf("got %s, want %s", ticker.Last, want)
		}
		if env.Dropped != 0 {
			t.Fatalf("unexpected drop count %d", env.Dropped)
		}
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	h := New()
	topic := testTopic()
	sub1 := h.Subscribe(topic)
	defer sub1.Close()
	sub2 := h.Subscribe(topic)
	defer sub2.Close()

	if got := h.SubscriberCount(topic); got != 2 {
		t.Fatalf("subscriber count = %d, want 2", got)
	}

	h.Publish(topic, testTicker("100"))
	recvEnvelope(t, sub1)
	recvEnvelope(t, sub2)
}

func TestGlobalSubscriberObservesEveryTopic(t *testing.T) {
	h := New()
	global := h.SubscribeAll()
	defer global.Close()

	if got := h.GlobalSubscriberCount(); got != 1 {
		t.Fatalf("global count = %d, want 1", got)
	}

	binance := testTopic()
	bybit := TickerTopic(model.VenueBybit, model.MarketPerpetual, model.NewSymbol("ETH", "USDT"))
	h.Publish(binance, testTicker("1"))
	h.Publish(bybit, testTicker("2"))

	first := recvEnvelope(t, global)
	second := recvEnvelope(t, global)
	if first.Topic.Key() != binance.Key() {
		t.Fatalf("first topic = %s", first.Topic.Key())
	}
	if second.Topic.Key() != bybit.Key() {
		t.Fatalf("second topic = %s", second.Topic.Key())
	}
}

func TestSlowSubscriberDropsOldestAndReportsLag(t *testing.T) {
	h := NewWithCapacity(4)
	topic := testTopic()
	sub := h.Subscribe(topic)
	defer sub.Close()

	// Publish twice the capacity without draining. The publish side must not
	// block and the oldest envelopes must be discarded.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 8; i++ {
			h.Publish(topic, testTicker("1"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	var lagged bool
	for i := 0; i < 4; i++ {
		env := recvEnvelope(t, sub)
		if env.Dropped > 0 {
			lagged = true
		}
	}
	if !lagged {
		t.Fatal("expected a lag indicator after overflow")
	}
}

func TestCloseReleasesSlotAndCollectsEmptyTopics(t *testing.T) {
	h := New()
	topic := testTopic()
	sub := h.Subscribe(topic)

	if got := h.TopicCount(); got != 1 {
		t.Fatalf("topic count = %d, want 1", got)
	}

	sub.Close()
	sub.Close() // idempotent

	if got := h.SubscriberCount(topic); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
	if got := h.TopicCount(); got != 0 {
		t.Fatalf("topic count = %d, want 0", got)
	}

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestPublishWithoutSubscribersIsNoOp(t *testing.T) {
	h := New()
	h.Publish(testTopic(), testTicker("1"))
	if got := h.TopicCount(); got != 0 {
		t.Fatalf("topic count = %d, want 0", got)
	}
}
