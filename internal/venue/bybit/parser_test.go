package bybit

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cryptodash/gateway/internal/model"
)

func newTestParser(market model.MarketType) *parser {
	return &parser{market: market, mapper: model.DefaultSymbolMapper()}
}

func TestParseTickerObject(t *testing.T) {
	p := newTestParser(model.MarketSpot)
	frame := []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1673272861686,` +
		`"data":{"symbol":"BTCUSDT","lastPrice":"17216.00","bid1Price":"17215.50",` +
		`"bid1Size":"84.489","ask1Price":"17216.00","ask1Size":"83.020"}}`)

	events, acked, err := p.parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if acked != nil {
		t.Fatal("data frame parsed as ack")
	}
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	ticker, ok := events[0].msg.Ticker()
	if !ok {
		t.Fatalf("message type = %s", events[0].msg.Type)
	}
	if ticker.Bid.String() != "17215.5" || ticker.Ask.String() != "17216" {
		t.Fatalf("bid/ask = %s/%s", ticker.Bid, ticker.Ask)
	}
	if ticker.Last.String() != "17216" {
		t.Fatalf("last = %s", ticker.Last)
	}
	if ticker.BidSize.String() != "84.489" || ticker.AskSize.String() != "83.02" {
		t.Fatalf("sizes = %s/%s", ticker.BidSize, ticker.AskSize)
	}
	if !ticker.Timestamp.Equal(time.UnixMilli(1673272861686).UTC()) {
		t.Fatalf("timestamp = %s", ticker.Timestamp)
	}
	if events[0].topic.Key() != "ticker:bybit:spot:BTC-USDT" {
		t.Fatalf("topic = %s", events[0].topic.Key())
	}
}

func TestParseTickerArray(t *testing.T) {
	p := newTestParser(model.MarketSpot)
	frame := []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1673272861686,` +
		`"data":[{"symbol":"BTCUSDT","lastPrice":"17216.00","bid1Price":"17215.50",` +
		`"bid1Size":"84.489","ask1Price":"17216.00","ask1Size":"83.020"}]}`)

	events, _, err := p.parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	ticker, _ := events[0].msg.Ticker()
	if ticker.Bid.String() != "17215.5" {
		t.Fatalf("bid = %s", ticker.Bid)
	}
}

func TestParseTickerMissingBidFallsBackToLast(t *testing.T) {
	p := newTestParser(model.MarketSpot)
	frame := []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1,` +
		`"data":{"symbol":"BTCUSDT","lastPrice":"17216.00","bid1Price":"",` +
		`"bid1Size":"","ask1Price":"17216.50","ask1Size":"1"}}`)

	events, _, err := p.parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ticker, _ := events[0].msg.Ticker()
	if !ticker.Bid.Equal(ticker.Last) {
		t.Fatalf("bid = %s, want last %s", ticker.Bid, ticker.Last)
	}
	if !ticker.BidSize.IsZero() {
		t.Fatalf("bid size = %s, want 0", ticker.BidSize)
	}
}

func TestParseTickerDeltaWithoutLastSkipped(t *testing.T) {
	p := newTestParser(model.MarketPerpetual)
	frame := []byte(`{"topic":"tickers.BTCUSDT","type":"delta","ts":1,` +
		`"data":{"symbol":"BTCUSDT","bid1Price":"17215.50","bid1Size":"1"}}`)

	events, _, err := p.parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want delta without last price skipped", len(events))
	}
}

func TestParseAck(t *testing.T) {
	p := newTestParser(model.MarketSpot)
	frame := []byte(`{"success":true,"ret_msg":"subscribe","op":"subscribe","conn_id":"abc"}`)

	events, acked, err := p.parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("ack produced events")
	}
	if acked == nil || !acked.Success || acked.Op != "subscribe" {
		t.Fatalf("ack = %+v", acked)
	}
}

func TestParseOrderBookSnapshot(t *testing.T) {
	p := newTestParser(model.MarketSpot)
	frame := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1672304484978,` +
		`"data":{"s":"BTCUSDT","b":[["16493.50","0.006"],["16493.00","0.100"]],` +
		`"a":[["16497.00","0.022"]],"u":18521288,"seq":7961638724}}`)

	events, _, err := p.parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	snapshot, ok := events[0].msg.Snapshot()
	if !ok {
		t.Fatalf("message type = %s", events[0].msg.Type)
	}
	if len(snapshot.Bids) != 2 || len(snapshot.Asks) != 1 {
		t.Fatalf("levels = %d/%d", len(snapshot.Bids), len(snapshot.Asks))
	}
	if events[0].topic.Key() != "orderbook:bybit:spot:BTC-USDT" {
		t.Fatalf("topic = %s", events[0].topic.Key())
	}
}

func TestParseOrderBookDeltaSplitsDeletes(t *testing.T) {
	p := newTestParser(model.MarketSpot)
	frame := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1687940967466,` +
		`"data":{"s":"BTCUSDT","b":[["30240.00","0"],["30239.50","0.5"]],` +
		`"a":[["30248.70","0"]],"u":177400507,"seq":66544703342}}`)

	events, _, err := p.parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	delta, ok := events[0].msg.Delta()
	if !ok {
		t.Fatalf("message type = %s", events[0].msg.Type)
	}
	if len(delta.BidsUpserts) != 1 || delta.BidsUpserts[0].Price.String() != "30239.5" {
		t.Fatalf("bid upserts = %+v", delta.BidsUpserts)
	}
	if len(delta.AsksUpserts) != 0 {
		t.Fatalf("ask upserts = %+v", delta.AsksUpserts)
	}
	if len(delta.Deletes) != 2 {
		t.Fatalf("deletes = %+v", delta.Deletes)
	}
}

func TestParseUnknownTopicIgnored(t *testing.T) {
	p := newTestParser(model.MarketSpot)
	events, acked, err := p.parse([]byte(`{"topic":"kline.1.BTCUSDT","type":"snapshot","data":{}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 0 || acked != nil {
		t.Fatal("unknown topic produced output")
	}
}

func TestControlFrameShape(t *testing.T) {
	frame, err := json.Marshal(controlFrame{
		Op:   "subscribe",
		Args: []string{"tickers.BTCUSDT", "orderbook.1.BTCUSDT"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"op":"subscribe","args":["tickers.BTCUSDT","orderbook.1.BTCUSDT"]}`
	if string(frame) != want {
		t.Fatalf("frame = %s", frame)
	}
}
