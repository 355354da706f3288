package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/cryptodash/gateway/internal/hub"
	"github.com/cryptodash/gateway/internal/model"
)

func dialSession(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func recvMessage(t *testing.T, conn *websocket.Conn) model.StreamMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg model.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func sendRaw(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSessionWelcomeAndPing(t *testing.T) {
	state, _ := newTestState(t, "")
	srv := httptest.NewServer(New(state).Handler())
	defer srv.Close()

	conn := dialSession(t, srv)

	welcome := recvMessage(t, conn)
	if welcome.Type != model.MessageInfo {
		t.Fatalf("first message type = %s", welcome.Type)
	}
	notice, _ := welcome.Notice()
	if !strings.Contains(notice.Message, "Session: ") {
		t.Fatalf("welcome = %q", notice.Message)
	}

	sendRaw(t, conn, `{"op":"ping"}`)
	pong := recvMessage(t, conn)
	if notice, _ := pong.Notice(); notice.Message != "Pong" {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestSessionSubscribeRoundTrip(t *testing.T) {
	state, adapter := newTestState(t, "")
	srv := httptest.NewServer(New(state).Handler())
	defer srv.Close()

	conn := dialSession(t, srv)
	recvMessage(t, conn) // welcome

	sendRaw(t, conn, `{"op":"subscribe","channels":[{"channel_type":"ticker","exchange":"binance","symbol":{"base":"BTC","quote":"USDT"}}]}`)

	summary := recvMessage(t, conn)
	if summary.Type != model.MessageInfo {
		t.Fatalf("summary type = %s", summary.Type)
	}
	notice, _ := summary.Notice()
	if !strings.Contains(notice.Message, "1 channel(s) on 1 exchange(s)") {
		t.Fatalf("summary = %q", notice.Message)
	}

	channels := adapter.subscribedChannels()
	if len(channels) != 1 || channels[0].Symbol.Canonical() != "BTC-USDT" {
		t.Fatalf("adapter channels = %+v", channels)
	}

	// an upstream publish reaches the session through its global subscription
	symbol := model.NewSymbol("BTC", "USDT")
	ticker := model.Ticker{
		Timestamp:  time.Now().UTC(),
		Exchange:   model.VenueBinance,
		MarketType: model.MarketSpot,
		Symbol:     symbol,
		Bid:        decimal.RequireFromString("100"),
		Ask:        decimal.RequireFromString("101"),
		Last:       decimal.RequireFromString("100.5"),
	}
	state.Hub.Publish(hub.TickerTopic(model.VenueBinance, model.MarketSpot, symbol), model.TickerMessage(ticker))

	event := recvMessage(t, conn)
	if event.Type != model.MessageTicker {
		t.Fatalf("event type = %s", event.Type)
	}
	got, _ := event.Ticker()
	if !got.Last.Equal(ticker.Last) || got.Symbol != symbol {
		t.Fatalf("ticker = %+v", got)
	}
}

func TestSessionUnknownExchange(t *testing.T) {
	state, _ := newTestState(t, "")
	srv := httptest.NewServer(New(state).Handler())
	defer srv.Close()

	conn := dialSession(t, srv)
	recvMessage(t, conn) // welcome

	sendRaw(t, conn, `{"op":"subscribe","channels":[{"channel_type":"ticker","exchange":"kraken","symbol":{"base":"BTC","quote":"USDT"}}]}`)

	errEvent := recvMessage(t, conn)
	if errEvent.Type != model.MessageError {
		t.Fatalf("type = %s", errEvent.Type)
	}
	notice, _ := errEvent.Notice()
	if !strings.Contains(notice.Message, "kraken") {
		t.Fatalf("error = %q", notice.Message)
	}
}

func TestSessionInvalidJSONKeepsSessionOpen(t *testing.T) {
	state, _ := newTestState(t, "")
	srv := httptest.NewServer(New(state).Handler())
	defer srv.Close()

	conn := dialSession(t, srv)
	recvMessage(t, conn) // welcome

	sendRaw(t, conn, `not json`)
	errEvent := recvMessage(t, conn)
	if errEvent.Type != model.MessageError {
		t.Fatalf("type = %s", errEvent.Type)
	}

	// the session stays usable afterwards
	sendRaw(t, conn, `{"op":"ping"}`)
	pong := recvMessage(t, conn)
	if notice, _ := pong.Notice(); notice.Message != "Pong" {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestSessionUnknownOp(t *testing.T) {
	state, _ := newTestState(t, "")
	srv := httptest.NewServer(New(state).Handler())
	defer srv.Close()

	conn := dialSession(t, srv)
	recvMessage(t, conn) // welcome

	sendRaw(t, conn, `{"op":"dance"}`)
	errEvent := recvMessage(t, conn)
	if errEvent.Type != model.MessageError {
		t.Fatalf("type = %s", errEvent.Type)
	}
	notice, _ := errEvent.Notice()
	if !strings.Contains(notice.Message, "dance") {
		t.Fatalf("error = %q", notice.Message)
	}
}

func TestSessionDisconnectReleasesSubscription(t *testing.T) {
	state, _ := newTestState(t, "")
	srv := httptest.NewServer(New(state).Handler())
	defer srv.Close()

	conn := dialSession(t, srv)
	recvMessage(t, conn) // welcome

	deadline := time.Now().Add(5 * time.Second)
	for state.Hub.GlobalSubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered its global subscription")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	for state.Hub.GlobalSubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription leaked: %d", state.Hub.GlobalSubscriberCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
