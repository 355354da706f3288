// Package model defines the canonical market-data types shared by all layers.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VenueID identifies an upstream exchange integration.
type VenueID string

const (
	// VenueBinance identifies the Binance integration.
	VenueBinance VenueID = "binance"
	// VenueBybit identifies the Bybit integration.
	VenueBybit VenueID = "bybit"
)

func (v VenueID) String() string { return string(v) }

// Symbol is a normalized trading pair.
type Symbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// NewSymbol builds a Symbol with uppercased components.
func NewSymbol(base, quote string) Symbol {
	return Symbol{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// Canonical returns the BASE-QUOTE form used in topic keys and API responses.
func (s Symbol) Canonical() string {
	return fmt.Sprintf("%s-%s", s.Base, s.Quote)
}

// Venue returns the concatenated BASEQUOTE form most venues use on the wire.
func (s Symbol) Venue() string {
	return s.Base + s.Quote
}

// MarketType is the coarse product category of an instrument.
type MarketType string

const (
	// MarketSpot is the spot market.
	MarketSpot MarketType = "spot"
	// MarketPerpetual is the perpetual futures market.
	MarketPerpetual MarketType = "perpetual"
)

// OrSpot resolves the request default: an absent market type means spot.
func (m MarketType) OrSpot() MarketType {
	if m == "" {
		return MarketSpot
	}
	return m
}

// Valid reports whether the market type names a supported market.
func (m MarketType) Valid() bool {
	return m == MarketSpot || m == MarketPerpetual
}

// ChannelType is the data category within a market.
type ChannelType string

const (
	// ChannelTicker streams best bid/ask and last trade statistics.
	ChannelTicker ChannelType = "ticker"
	// ChannelOrderBook streams order book snapshots and deltas.
	ChannelOrderBook ChannelType = "order_book"
)

// Channel is a client subscription target.
type Channel struct {
	ChannelType ChannelType `json:"channel_type"`
	Exchange    VenueID     `json:"exchange"`
	MarketType  MarketType  `json:"market_type,omitempty"`
	Symbol      Symbol      `json:"symbol"`
	Depth       uint16      `json:"depth,omitempty"`
}

// PriceLevel is one order book level. Quantity zero denotes deletion in a delta.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Ticker carries the latest best bid/ask and last trade for an instrument.
type Ticker struct {
	Timestamp  time.Time       `json:"timestamp"`
	Exchange   VenueID         `json:"exchange"`
	MarketType MarketType      `json:"market_type"`
	Symbol     Symbol          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	BidSize    decimal.Decimal `json:"bid_size"`
	AskSize    decimal.Decimal `json:"ask_size"`
}

// OrderBookSnapshot replaces all prior book state for its instrument.
type OrderBookSnapshot struct {
	Timestamp  time.Time    `json:"timestamp"`
	Exchange   VenueID      `json:"exchange"`
	MarketType MarketType   `json:"market_type"`
	Symbol     Symbol       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Checksum   string       `json:"checksum,omitempty"`
}

// OrderBookDelta applies incremental level updates to a prior snapshot.
type OrderBookDelta struct {
	Timestamp   time.Time         `json:"timestamp"`
	Exchange    VenueID           `json:"exchange"`
	MarketType  MarketType        `json:"market_type"`
	Symbol      Symbol            `json:"symbol"`
	BidsUpserts []PriceLevel      `json:"bids_upserts"`
	AsksUpserts []PriceLevel      `json:"asks_upserts"`
	Deletes     []decimal.Decimal `json:"deletes,omitempty"`
}

// Candlestick is one OHLCV data point.
type Candlestick struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// SymbolMeta is canonical per-instrument metadata loaded from venue catalogs.
type SymbolMeta struct {
	Exchange       VenueID           `json:"exchange"`
	MarketType     MarketType        `json:"market_type"`
	Symbol         string            `json:"symbol"`
	Base           string            `json:"base"`
	Quote          string            `json:"quote"`
	PricePrecision uint32            `json:"price_precision"`
	TickSize       string            `json:"tick_size"`
	MinQty         decimal.Decimal   `json:"min_qty"`
	StepSize       decimal.Decimal   `json:"step_size"`
	Filters        map[string]string `json:"filters,omitempty"`
}

// ExchangeStatus describes venue availability.
type ExchangeStatus string

const (
	// ExchangeOnline means at least one upstream connection is live.
	ExchangeOnline ExchangeStatus = "online"
	// ExchangeOffline means no upstream connection is live.
	ExchangeOffline ExchangeStatus = "offline"
)

// ExchangeInfo is venue metadata served by the HTTP surface.
type ExchangeInfo struct {
	ID         VenueID           `json:"id"`
	Name       string            `json:"name"`
	Status     ExchangeStatus    `json:"status"`
	RateLimits map[string]uint32 `json:"rate_limits"`
	WsURL      string            `json:"ws_url"`
	RestURL    string            `json:"rest_url"`
}
