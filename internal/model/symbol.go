package model

import (
	"fmt"
	"strings"
	"sync"
)

// quoteSuffixes is the ordered list consulted when splitting a concatenated
// venue symbol without a mapper entry.
var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "USD"}

// SymbolMapper translates between venue-native symbols and canonical symbols.
// Lookups fall back to suffix stripping when no explicit entry exists.
type SymbolMapper struct {
	mu        sync.RWMutex
	toCanon   map[VenueID]map[string]Symbol
	fromCanon map[VenueID]map[string]string
}

// NewSymbolMapper creates an empty mapper.
func NewSymbolMapper() *SymbolMapper {
	return &SymbolMapper{
		toCanon:   make(map[VenueID]map[string]Symbol),
		fromCanon: make(map[VenueID]map[string]string),
	}
}

// DefaultSymbolMapper creates a mapper prepopulated with the common pairs
// both supported venues quote in their concatenated form.
func DefaultSymbolMapper() *SymbolMapper {
	m := NewSymbolMapper()
	defaults := []Symbol{
		NewSymbol("BTC", "USDT"),
		NewSymbol("ETH", "USDT"),
		NewSymbol("ADA", "USDT"),
		NewSymbol("SOL", "USDT"),
	}
	for _, venue := range []VenueID{VenueBinance, VenueBybit} {
		for _, sym := range defaults {
			m.Register(venue, sym.Venue(), sym)
		}
	}
	return m
}

// Register records a bidirectional mapping for one venue symbol.
func (m *SymbolMapper) Register(venue VenueID, venueSymbol string, symbol Symbol) {
	venueSymbol = strings.ToUpper(strings.TrimSpace(venueSymbol))
	if venueSymbol == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.toCanon[venue] == nil {
		m.toCanon[venue] = make(map[string]Symbol)
		m.fromCanon[venue] = make(map[string]string)
	}
	m.toCanon[venue][venueSymbol] = symbol
	m.fromCanon[venue][symbol.Canonical()] = venueSymbol
}

// ToCanonical resolves a venue symbol to its canonical form, using the
// registered mapping first and the suffix heuristic otherwise.
func (m *SymbolMapper) ToCanonical(venue VenueID, venueSymbol string) (Symbol, error) {
	upper := strings.ToUpper(strings.TrimSpace(venueSymbol))
	m.mu.RLock()
	sym, ok := m.toCanon[venue][upper]
	m.mu.RUnlock()
	if ok {
		return sym, nil
	}
	return SplitVenueSymbol(venueSymbol)
}

// ToVenue resolves a canonical symbol to the venue-native form.
func (m *SymbolMapper) ToVenue(venue VenueID, symbol Symbol) string {
	m.mu.RLock()
	venueSymbol, ok := m.fromCanon[venue][symbol.Canonical()]
	m.mu.RUnlock()
	if ok {
		return venueSymbol
	}
	return symbol.Venue()
}

// SplitVenueSymbol splits a concatenated venue symbol into base and quote by
// stripping the first matching known quote suffix. Instrument decorations such
// as BTCUSDT_PERP or SOLUSDT_SOL/USDT are reduced to their primary segment.
func SplitVenueSymbol(venueSymbol string) (Symbol, error) {
	primary := venueSymbol
	if idx := strings.IndexAny(primary, "_."); idx >= 0 {
		primary = primary[:idx]
	}
	primary = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(primary), "/", ""))
	if primary == "" {
		return Symbol{}, fmt.Errorf("empty venue symbol %q", venueSymbol)
	}
	for _, quote := range quoteSuffixes {
		if strings.HasSuffix(primary, quote) && len(primary) > len(quote) {
			return Symbol{Base: primary[:len(primary)-len(quote)], Quote: quote}, nil
		}
	}
	return Symbol{}, fmt.Errorf("unknown venue symbol format %q", venueSymbol)
}

// PrecisionFromTickSize derives the price precision implied by a tick size
// string, ignoring trailing zeros ("0.010" has precision 2, "0.5" has 1,
// "1" has 0).
func PrecisionFromTickSize(tickSize string) uint32 {
	trimmed := strings.TrimSpace(tickSize)
	dot := strings.IndexByte(trimmed, '.')
	if dot < 0 {
		return 0
	}
	frac := strings.TrimRight(trimmed[dot+1:], "0")
	return uint32(len(frac))
}
