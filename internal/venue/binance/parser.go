// Package binance implements the Binance spot and USD-M perpetual adapter.
package binance

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/cryptodash/gateway/errs"
	"github.com/cryptodash/gateway/internal/hub"
	"github.com/cryptodash/gateway/internal/model"
)

// wsEnvelope is the combined-stream wrapper. Raw streams deliver the event
// object directly, so both shapes must be accepted.
type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wsMeta struct {
	Event string `json:"e"`
	ID    *int64 `json:"id"`
}

type tickerEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	BidQty    string `json:"B"`
	Ask       string `json:"a"`
	AskQty    string `json:"A"`
	CloseTime int64  `json:"C"`
}

type depthEvent struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
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

// parse decodes one upstream frame. Control acknowledgements yield (nil, nil).
func (p *parser) parse(data []byte) (*event, error) {
	payload := data
	stream := ""

	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 && env.Stream != "" {
		payload = env.Data
		stream = env.Stream
	}

	var meta wsMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
			errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	if meta.ID != nil {
		return nil, nil
	}

	switch {
	case meta.Event == "24hrTicker":
		return p.parseTicker(payload)
	case strings.Contains(stream, "@depth"):
		return p.parseDepth(stream, payload)
	default:
		return nil, nil
	}
}

func (p *parser) parseTicker(payload []byte) (*event, error) {
	var raw tickerEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
			errs.WithMessage("decode ticker"), errs.WithCause(err))
	}

	symbol, err := p.mapper.ToCanonical(model.VenueBinance, raw.Symbol)
	if err != nil {
		return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
			errs.WithMessage("resolve ticker symbol"), errs.WithCause(err))
	}

	fields := map[string]string{
		"last": raw.Last, "bid": raw.Bid, "bid_qty": raw.BidQty,
		"ask": raw.Ask, "ask_qty": raw.AskQty,
	}
	values := make(map[string]decimal.Decimal, len(fields))
	for name, s := range fields {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
				errs.WithMessage("parse ticker "+name), errs.WithCause(err))
		}
		values[name] = d
	}

	ticker := model.Ticker{
		Timestamp:  eventTime(raw.EventTime, raw.CloseTime),
		Exchange:   model.VenueBinance,
		MarketType: p.market,
		Symbol:     symbol,
		Bid:        values["bid"],
		Ask:        values["ask"],
		Last:       values["last"],
		BidSize:    values["bid_qty"],
		AskSize:    values["ask_qty"],
	}
	return &event{
		topic: hub.TickerTopic(model.VenueBinance, p.market, symbol),
		msg:   model.TickerMessage(ticker),
	}, nil
}

// parseDepth handles partial book streams such as btcusdt@depth20. The event
// body has no symbol, so it is recovered from the stream name.
func (p *parser) parseDepth(stream string, payload []byte) (*event, error) {
	name := stream
	if idx := strings.IndexByte(name, '@'); idx >= 0 {
		name = name[:idx]
	}
	symbol, err := p.mapper.ToCanonical(model.VenueBinance, name)
	if err != nil {
		return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
			errs.WithMessage("resolve depth symbol"), errs.WithCause(err))
	}

	var raw depthEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
			errs.WithMessage("decode depth"), errs.WithCause(err))
	}

	bids, err := toPriceLevels(raw.Bids)
	if err != nil {
		return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
			errs.WithMessage("parse bids"), errs.WithCause(err))
	}
	asks, err := toPriceLevels(raw.Asks)
	if err != nil {
		return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
			errs.WithMessage("parse asks"), errs.WithCause(err))
	}

	snapshot := model.OrderBookSnapshot{
		Timestamp:  time.Now().UTC(),
		Exchange:   model.VenueBinance,
		MarketType: p.market,
		Symbol:     symbol,
		Bids:       bids,
		Asks:       asks,
	}
	return &event{
		topic: hub.OrderBookTopic(model.VenueBinance, p.market, symbol),
		msg:   model.OrderBookSnapshotMessage(snapshot),
	}, nil
}

// eventTime prefers the event timestamp, then the statistics close time, then
// the wall clock.
func eventTime(eventMillis, closeMillis int64) time.Time {
	switch {
	case eventMillis > 0:
		return time.UnixMilli(eventMillis).UTC()
	case closeMillis > 0:
		return time.UnixMilli(closeMillis).UTC()
	default:
		return time.Now().UTC()
	}
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
