package model

import "testing"

func TestSplitVenueSymbol(t *testing.T) {
	cases := []struct {
		in    string
		base  string
		quote string
	}{
		{"BTCUSDT", "BTC", "USDT"},
		{"ethusdt", "ETH", "USDT"},
		{"SOLUSDC", "SOL", "USDC"},
		{"ETHBTC", "ETH", "BTC"},
		{"ADABUSD", "ADA", "BUSD"},
		{"BTCUSD", "BTC", "USD"},
		{"BTCUSDT_PERP", "BTC", "USDT"},
		{"SOLUSDT_SOL/USDT", "SOL", "USDT"},
	}
	for _, tc := range cases {
		sym, err := SplitVenueSymbol(tc.in)
		if err != nil {
			t.Fatalf("SplitVenueSymbol(%q): %v", tc.in, err)
		}
		if sym.Base != tc.base || sym.Quote != tc.quote {
			t.Fatalf("SplitVenueSymbol(%q) = %s, want %s-%s", tc.in, sym.Canonical(), tc.base, tc.quote)
		}
	}
}

func TestSplitVenueSymbolRejectsUnknownQuote(t *testing.T) {
	if _, err := SplitVenueSymbol("BTCXYZ"); err == nil {
		t.Fatal("expected error for unknown quote suffix")
	}
	if _, err := SplitVenueSymbol(""); err == nil {
		t.Fatal("expected error for empty symbol")
	}
}

func TestSymbolMapperRoundTrip(t *testing.T) {
	m := DefaultSymbolMapper()
	for _, venue := range []VenueID{VenueBinance, VenueBybit} {
		sym, err := m.ToCanonical(venue, "BTCUSDT")
		if err != nil {
			t.Fatalf("ToCanonical(%s, BTCUSDT): %v", venue, err)
		}
		if sym.Canonical() != "BTC-USDT" {
			t.Fatalf("ToCanonical(%s) = %s, want BTC-USDT", venue, sym.Canonical())
		}
		if got := m.ToVenue(venue, sym); got != "BTCUSDT" {
			t.Fatalf("ToVenue(%s) = %s, want BTCUSDT", venue, got)
		}
	}
}

func TestSymbolMapperExplicitEntryWins(t *testing.T) {
	m := NewSymbolMapper()
	m.Register(VenueBybit, "BTCPERP", NewSymbol("BTC", "USDT"))
	sym, err := m.ToCanonical(VenueBybit, "btcperp")
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}
	if sym.Canonical() != "BTC-USDT" {
		t.Fatalf("got %s, want BTC-USDT", sym.Canonical())
	}
	if got := m.ToVenue(VenueBybit, sym); got != "BTCPERP" {
		t.Fatalf("ToVenue = %s, want BTCPERP", got)
	}
}

func TestPrecisionFromTickSize(t *testing.T) {
	cases := map[string]uint32{
		"0.001":   3,
		"0.01":    2,
		"0.1":     1,
		"1":       0,
		"0.5":     1,
		"0.00001": 5,
		"0.010":   2,
		"10":      0,
	}
	for tick, want := range cases {
		if got := PrecisionFromTickSize(tick); got != want {
			t.Errorf("PrecisionFromTickSize(%q) = %d, want %d", tick, got, want)
		}
	}
}
