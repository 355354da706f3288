// Package bybit implements the Bybit v5 public spot and linear adapter.
package bybit

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/cryptodash/gateway/errs"
	"github.com/cryptodash/gateway/internal/hub"
	"github.com/cryptodash/gateway/internal/model"
)

// wsMessage is the shape every v5 public frame shares. Control
// acknowledgements carry success/ret_msg, data frames carry topic/type/data.
type wsMessage struct {
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg,omitempty"`
	Op      string          `json:"op,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Type    string          `json:"type,omitempty"`
	TS      int64           `json:"ts,omitempty"`
	CS      int64           `json:"cs,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Bid1Size  string `json:"bid1Size"`
	Ask1Price string `json:"ask1Price"`
	Ask1Size  string `json:"ask1Size"`
}

type orderBookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

// ack is a control acknowledgement. It is logged, never published.
type ack struct {
	Success bool
	Op      string
	RetMsg  string
}

// event is one parsed upstream frame ready for publication.
type event struct {
	topic hub.Topic
	msg   model.StreamMessage
}

type parser struct {
	market model.MarketType
	mapper *model.SymbolMapper
}

// parse decodes one upstream frame into zero or more events, or an ack.
func (p *parser) parse(data []byte) ([]event, *ack, error) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, errs.New(string(model.VenueBybit), errs.CodeParse,
			errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	if msg.Success != nil {
		return nil, &ack{Success: *msg.Success, Op: msg.Op, RetMsg: msg.RetMsg}, nil
	}

	switch {
	case strings.HasPrefix(msg.Topic, "tickers."):
		events, err := p.parseTickers(msg)
		return events, nil, err
	case strings.HasPrefix(msg.Topic, "orderbook."):
		events, err := p.parseOrderBook(msg)
		return events, nil, err
	default:
		return nil, nil, nil
	}
}

// parseTickers accepts the data field as a single object or as an array of
// objects; both occur on the public ticker topics.
func (p *parser) parseTickers(msg wsMessage) ([]event, error) {
	var entries []tickerData
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		var single tickerData
		if err := json.Unmarshal(msg.Data, &single); err != nil {
			return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
				errs.WithMessage("decode ticker data"), errs.WithCause(err))
		}
		entries = []tickerData{single}
	}

	ts := messageTime(msg.TS)
	events := make([]event, 0, len(entries))
	for _, entry := range entries {
		venueSymbol := entry.Symbol
		if venueSymbol == "" {
			venueSymbol = strings.TrimPrefix(msg.Topic, "tickers.")
		}
		symbol, err := p.mapper.ToCanonical(model.VenueBybit, venueSymbol)
		if err != nil {
			return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
				errs.WithMessage("resolve ticker symbol"), errs.WithCause(err))
		}

		// Linear ticker deltas omit unchanged fields. Without a last
		// price there is nothing meaningful to publish.
		if strings.TrimSpace(entry.LastPrice) == "" {
			continue
		}
		last, err := decimal.NewFromString(entry.LastPrice)
		if err != nil {
			return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
				errs.WithMessage("parse last price"), errs.WithCause(err))
		}

		bid, bidSize, err := sideOrLast(entry.Bid1Price, entry.Bid1Size, last)
		if err != nil {
			return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
				errs.WithMessage("parse bid"), errs.WithCause(err))
		}
		ask, askSize, err := sideOrLast(entry.Ask1Price, entry.Ask1Size, last)
		if err != nil {
			return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
				errs.WithMessage("parse ask"), errs.WithCause(err))
		}

		ticker := model.Ticker{
			Timestamp:  ts,
			Exchange:   model.VenueBybit,
			MarketType: p.market,
			Symbol:     symbol,
			Bid:        bid,
			Ask:        ask,
			Last:       last,
			BidSize:    bidSize,
			AskSize:    askSize,
		}
		events = append(events, event{
			topic: hub.TickerTopic(model.VenueBybit, p.market, symbol),
			msg:   model.TickerMessage(ticker),
		})
	}
	return events, nil
}

func (p *parser) parseOrderBook(msg wsMessage) ([]event, error) {
	var raw orderBookData
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
			errs.WithMessage("decode order book data"), errs.WithCause(err))
	}

	venueSymbol := raw.Symbol
	if venueSymbol == "" {
		if idx := strings.LastIndexByte(msg.Topic, '.'); idx >= 0 {
			venueSymbol = msg.Topic[idx+1:]
		}
	}
	symbol, err := p.mapper.ToCanonical(model.VenueBybit, venueSymbol)
	if err != nil {
		return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
			errs.WithMessage("resolve order book symbol"), errs.WithCause(err))
	}

	ts := messageTime(msg.TS)
	topic := hub.OrderBookTopic(model.VenueBybit, p.market, symbol)

	if msg.Type == "delta" {
		delta := model.OrderBookDelta{
			Timestamp:  ts,
			Exchange:   model.VenueBybit,
			MarketType: p.market,
			Symbol:     symbol,
		}
		if delta.BidsUpserts, delta.Deletes, err = splitDeltaSide(raw.Bids, delta.Deletes); err != nil {
			return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
				errs.WithMessage("parse bid deltas"), errs.WithCause(err))
		}
		if delta.AsksUpserts, delta.Deletes, err = splitDeltaSide(raw.Asks, delta.Deletes); err != nil {
			return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
				errs.WithMessage("parse ask deltas"), errs.WithCause(err))
		}
		return []event{{topic: topic, msg: model.OrderBookDeltaMessage(delta)}}, nil
	}

	bids, err := toPriceLevels(raw.Bids)
	if err != nil {
		return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
			errs.WithMessage("parse bids"), errs.WithCause(err))
	}
	asks, err := toPriceLevels(raw.Asks)
	if err != nil {
		return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
			errs.WithMessage("parse asks"), errs.WithCause(err))
	}
	snapshot := model.OrderBookSnapshot{
		Timestamp:  ts,
		Exchange:   model.VenueBybit,
		MarketType: p.market,
		Symbol:     symbol,
		Bids:       bids,
		Asks:       asks,
	}
	return []event{{topic: topic, msg: model.OrderBookSnapshotMessage(snapshot)}}, nil
}

// sideOrLast parses one quote side, falling back to the last price with zero
// size when the venue sent an empty string.
func sideOrLast(price, size string, last decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if strings.TrimSpace(price) == "" {
		return last, decimal.Zero, nil
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	if strings.TrimSpace(size) == "" {
		return p, decimal.Zero, nil
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return p, s, nil
}

// splitDeltaSide separates level updates from deletions. A zero quantity
// marks the price level as removed.
func splitDeltaSide(raw [][]string, deletes []decimal.Decimal) ([]model.PriceLevel, []decimal.Decimal, error) {
	upserts := make([]model.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, deletes, err
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, deletes, err
		}
		if qty.IsZero() {
			deletes = append(deletes, price)
			continue
		}
		upserts = append(upserts, model.PriceLevel{Price: price, Quantity: qty})
	}
	return upserts, deletes, nil
}

func toPriceLevels(raw [][]string) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, model.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func messageTime(millis int64) time.Time {
	if millis > 0 {
		return time.UnixMilli(millis).UTC()
	}
	return time.Now().UTC()
}
