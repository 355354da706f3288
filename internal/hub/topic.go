package hub

import (
	"fmt"

	"github.com/cryptodash/gateway/internal/model"
)

// Topic is the routing key for hub publishes. Equal keys imply equal topics.
type Topic struct {
	Channel  model.ChannelType
	Exchange model.VenueID
	Market   model.MarketType
	Symbol   model.Symbol
}

// TickerTopic builds a ticker topic.
func TickerTopic(exchange model.VenueID, market model.MarketType, symbol model.Symbol) Topic {
	return Topic{Channel: model.ChannelTicker, Exchange: exchange, Market: market, Symbol: symbol}
}

// OrderBookTopic builds an order book topic.
func OrderBookTopic(exchange model.VenueID, market model.MarketType, symbol model.Symbol) Topic {
	return Topic{Channel: model.ChannelOrderBook, Exchange: exchange, Market: market, Symbol: symbol}
}

// FromChannel converts a client channel into its topic, resolving the spot
// default for requests that omit the market type.
func FromChannel(ch model.Channel) Topic {
	return Topic{
		Channel:  ch.ChannelType,
		Exchange: ch.Exchange,
		Market:   ch.MarketType.OrSpot(),
		Symbol:   ch.Symbol,
	}
}

// Key renders the canonical routing key kind:venue:market:BASE-QUOTE.
func (t Topic) Key() string {
	channelSegment := "ticker"
	if t.Channel == model.ChannelOrderBook {
		channelSegment = "orderbook"
	}
	return fmt.Sprintf("%s:%s:%s:%s", channelSegment, t.Exchange, t.Market, t.Symbol.Canonical())
}
