package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	cfg := Default()
	if cfg.BindAddr != "0.0.0.0:8080" {
		t.Fatalf("bind addr = %s", cfg.BindAddr)
	}
	if cfg.BookDepthDefault != 50 {
		t.Fatalf("book depth = %d", cfg.BookDepthDefault)
	}
	if !cfg.EnabledExchange("binance") || !cfg.EnabledExchange("bybit") {
		t.Fatalf("exchanges = %v", cfg.Exchanges)
	}
	binance, ok := cfg.Venue("binance")
	if !ok {
		t.Fatal("missing binance settings")
	}
	if binance.WebsocketURLs[MarketSpot] != "wss://stream.binance.com:9443/ws" {
		t.Fatalf("binance spot ws = %s", binance.WebsocketURLs[MarketSpot])
	}
	if binance.HTTPTimeout != 10*time.Second {
		t.Fatalf("binance http timeout = %s", binance.HTTPTimeout)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("EXCHANGES", "binance")
	t.Setenv("BOOK_DEPTH_DEFAULT", "20")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BYBIT_SPOT_WS_URL", "wss://example.test/spot")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("bind addr = %s", cfg.BindAddr)
	}
	if len(cfg.Exchanges) != 1 || cfg.Exchanges[0] != "binance" {
		t.Fatalf("exchanges = %v", cfg.Exchanges)
	}
	if cfg.BookDepthDefault != 20 {
		t.Fatalf("book depth = %d", cfg.BookDepthDefault)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
	bybit, _ := cfg.Venue("bybit")
	if bybit.WebsocketURLs[MarketSpot] != "wss://example.test/spot" {
		t.Fatalf("bybit spot ws = %s", bybit.WebsocketURLs[MarketSpot])
	}
}

func TestFromFileThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	body := []byte("bind_addr: 0.0.0.0:7777\nlog_level: warn\nexchanges: [bybit]\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LOG_LEVEL", "error")

	cfg, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:7777" {
		t.Fatalf("bind addr = %s", cfg.BindAddr)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("log level = %s, want env override", cfg.LogLevel)
	}
	if len(cfg.Exchanges) != 1 || cfg.Exchanges[0] != "bybit" {
		t.Fatalf("exchanges = %v", cfg.Exchanges)
	}
}

func TestOptionsApplyLast(t *testing.T) {
	cfg, err := FromEnv(WithBindAddr("localhost:1234"), WithExchanges("binance"), WithLogLevel("trace"))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.BindAddr != "localhost:1234" {
		t.Fatalf("bind addr = %s", cfg.BindAddr)
	}
	if len(cfg.Exchanges) != 1 || cfg.Exchanges[0] != "binance" {
		t.Fatalf("exchanges = %v", cfg.Exchanges)
	}
	if cfg.LogLevel != "trace" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
}
