// Package cache holds the most recent market data per instrument plus an
// opaque blob store used by the symbol catalog.
package cache

import (
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/cryptodash/gateway/internal/model"
)

// Key identifies one instrument on one venue market.
type Key struct {
	Exchange model.VenueID
	Market   model.MarketType
	Symbol   string
}

// NewKey builds an instrument key from canonical components.
func NewKey(exchange model.VenueID, market model.MarketType, symbol model.Symbol) Key {
	return Key{Exchange: exchange, Market: market, Symbol: symbol.Canonical()}
}

// Stats summarizes cache occupancy.
type Stats struct {
	Tickers    int `json:"tickers"`
	OrderBooks int `json:"order_books"`
	Blobs      int `json:"blobs"`
}

// Cache is a last-writer-wins store safe for concurrent readers and writers.
type Cache struct {
	mu         sync.RWMutex
	tickers    map[Key]model.Ticker
	orderBooks map[Key]model.OrderBookSnapshot
	blobs      map[string][]byte
}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{
		tickers:    make(map[Key]model.Ticker),
		orderBooks: make(map[Key]model.OrderBookSnapshot),
		blobs:      make(map[string][]byte),
	}
}

// SetTicker stores the latest ticker for its instrument.
func (c *Cache) SetTicker(t model.Ticker) {
	key := NewKey(t.Exchange, t.MarketType, t.Symbol)
	c.mu.Lock()
	c.tickers[key] = t
	c.mu.Unlock()
}

// Ticker returns the latest ticker for the instrument.
func (c *Cache) Ticker(key Key) (model.Ticker, bool) {
	c.mu.RLock()
	t, ok := c.tickers[key]
	c.mu.RUnlock()
	return t, ok
}

// Tickers snapshots all cached tickers.
func (c *Cache) Tickers() []model.Ticker {
	c.mu.RLock()
	out := make([]model.Ticker, 0, len(c.tickers))
	for _, t := range c.tickers {
		out = append(out, t)
	}
	c.mu.RUnlock()
	return out
}

// SetOrderBook stores the latest order book snapshot for its instrument.
func (c *Cache) SetOrderBook(s model.OrderBookSnapshot) {
	key := NewKey(s.Exchange, s.MarketType, s.Symbol)
	c.mu.Lock()
	c.orderBooks[key] = s
	c.mu.Unlock()
}

// OrderBook returns the latest snapshot for the instrument.
func (c *Cache) OrderBook(key Key) (model.OrderBookSnapshot, bool) {
	c.mu.RLock()
	s, ok := c.orderBooks[key]
	c.mu.RUnlock()
	return s, ok
}

// OrderBooks snapshots all cached order books.
func (c *Cache) OrderBooks() []model.OrderBookSnapshot {
	c.mu.RLock()
	out := make([]model.OrderBookSnapshot, 0, len(c.orderBooks))
	for _, s := range c.orderBooks {
		out = append(out, s)
	}
	c.mu.RUnlock()
	return out
}

// SetBlob stores opaque bytes under a string key.
func (c *Cache) SetBlob(key string, value []byte) {
	buf := make([]byte, len(value))
	copy(buf, value)
	c.mu.Lock()
	c.blobs[key] = buf
	c.mu.Unlock()
}

// Blob returns the bytes stored under key.
func (c *Cache) Blob(key string) ([]byte, bool) {
	c.mu.RLock()
	value, ok := c.blobs[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

// SetJSON marshals the value and stores it as a blob.
func (c *Cache) SetJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode blob %q: %w", key, err)
	}
	c.SetBlob(key, data)
	return nil
}

// GetJSON decodes the blob stored under key into out. The second return is
// false when no blob exists.
func (c *Cache) GetJSON(key string, out any) (bool, error) {
	data, ok := c.Blob(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode blob %q: %w", key, err)
	}
	return true, nil
}

// Stats reports current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Tickers: len(c.tickers), OrderBooks: len(c.orderBooks), Blobs: len(c.blobs)}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.tickers = make(map[Key]model.Ticker)
	c.orderBooks = make(map[Key]model.OrderBookSnapshot)
	c.blobs = make(map[string][]byte)
	c.mu.Unlock()
}
