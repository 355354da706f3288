// Package config centralises runtime configuration for the gateway.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Market labels used as keys in per-venue URL maps.
const (
	MarketSpot      = "spot"
	MarketPerpetual = "perpetual"
)

// VenueSettings aggregates per-venue transport configuration.
type VenueSettings struct {
	WebsocketURLs map[string]string `yaml:"websocket_urls"`
	RESTURLs      map[string]string `yaml:"rest_urls"`
	HTTPTimeout   time.Duration     `yaml:"http_timeout"`
}

// TelemetryConfig configures the OpenTelemetry metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Settings is the gateway configuration tree loaded from defaults, an
// optional YAML file, and environment overrides.
type Settings struct {
	Environment      Environment              `yaml:"environment"`
	BindAddr         string                   `yaml:"bind_addr"`
	Exchanges        []string                 `yaml:"exchanges"`
	BookDepthDefault int                      `yaml:"book_depth_default"`
	LogLevel         string                   `yaml:"log_level"`
	Telemetry        TelemetryConfig          `yaml:"telemetry"`
	Venues           map[string]VenueSettings `yaml:"venues"`
}

// Option mutates settings after defaults are applied.
type Option func(*Settings)

// Default returns the built-in gateway configuration.
func Default() Settings {
	return Settings{
		Environment:      EnvProd,
		BindAddr:         "0.0.0.0:8080",
		Exchanges:        []string{"binance", "bybit"},
		BookDepthDefault: 50,
		LogLevel:         "info",
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "crypto-dash-gateway",
		},
		Venues: map[string]VenueSettings{
			"binance": {
				WebsocketURLs: map[string]string{
					MarketSpot:      "wss://stream.binance.com:9443/ws",
					MarketPerpetual: "wss://fstream.binance.com/ws",
				},
				RESTURLs: map[string]string{
					MarketSpot:      "https://api.binance.com",
					MarketPerpetual: "https://fapi.binance.com",
				},
				HTTPTimeout: 10 * time.Second,
			},
			"bybit": {
				WebsocketURLs: map[string]string{
					MarketSpot:      "wss://stream.bybit.com/v5/public/spot",
					MarketPerpetual: "wss://stream.bybit.com/v5/public/linear",
				},
				RESTURLs: map[string]string{
					MarketSpot:      "https://api.bybit.com",
					MarketPerpetual: "https://api.bybit.com",
				},
				HTTPTimeout: 10 * time.Second,
			},
		},
	}
}

type envOverrides struct {
	Environment      string `env:"GATEWAY_ENV"`
	BindAddr         string `env:"BIND_ADDR"`
	Exchanges        string `env:"EXCHANGES"`
	BookDepthDefault int    `env:"BOOK_DEPTH_DEFAULT"`
	LogLevel         string `env:"LOG_LEVEL"`
	OTLPEndpoint     string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	BinanceSpotWS    string `env:"BINANCE_SPOT_WS_URL"`
	BinancePerpWS    string `env:"BINANCE_PERP_WS_URL"`
	BinanceSpotREST  string `env:"BINANCE_SPOT_REST_URL"`
	BinancePerpREST  string `env:"BINANCE_PERP_REST_URL"`
	BybitSpotWS      string `env:"BYBIT_SPOT_WS_URL"`
	BybitPerpWS      string `env:"BYBIT_PERP_WS_URL"`
	BybitRESTURL     string `env:"BYBIT_REST_URL"`
}

// FromEnv loads configuration from defaults plus environment overrides.
func FromEnv(opts ...Option) (Settings, error) {
	cfg := Default()

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return Settings{}, fmt.Errorf("parse environment: %w", err)
	}
	applyOverrides(&cfg, overrides)

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg, nil
}

// FromFile loads configuration from defaults, the YAML file at path, and
// environment overrides, in that order.
func FromFile(path string, opts ...Option) (Settings, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Settings{}, fmt.Errorf("parse config file: %w", err)
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return Settings{}, fmt.Errorf("parse environment: %w", err)
	}
	applyOverrides(&cfg, overrides)

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg, nil
}

func applyOverrides(cfg *Settings, overrides envOverrides) {
	if v := strings.TrimSpace(overrides.Environment); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(overrides.BindAddr); v != "" {
		cfg.BindAddr = v
	}
	if v := strings.TrimSpace(overrides.Exchanges); v != "" {
		cfg.Exchanges = splitList(v)
	}
	if overrides.BookDepthDefault > 0 {
		cfg.BookDepthDefault = overrides.BookDepthDefault
	}
	if v := strings.TrimSpace(overrides.LogLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(overrides.OTLPEndpoint); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}

	setVenueURL(cfg, "binance", true, MarketSpot, overrides.BinanceSpotWS)
	setVenueURL(cfg, "binance", true, MarketPerpetual, overrides.BinancePerpWS)
	setVenueURL(cfg, "binance", false, MarketSpot, overrides.BinanceSpotREST)
	setVenueURL(cfg, "binance", false, MarketPerpetual, overrides.BinancePerpREST)
	setVenueURL(cfg, "bybit", true, MarketSpot, overrides.BybitSpotWS)
	setVenueURL(cfg, "bybit", true, MarketPerpetual, overrides.BybitPerpWS)
	setVenueURL(cfg, "bybit", false, MarketSpot, overrides.BybitRESTURL)
	setVenueURL(cfg, "bybit", false, MarketPerpetual, overrides.BybitRESTURL)
}

func setVenueURL(cfg *Settings, venue string, websocket bool, market, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	settings := cfg.Venues[venue]
	if websocket {
		if settings.WebsocketURLs == nil {
			settings.WebsocketURLs = make(map[string]string)
		}
		settings.WebsocketURLs[market] = value
	} else {
		if settings.RESTURLs == nil {
			settings.RESTURLs = make(map[string]string)
		}
		settings.RESTURLs[market] = value
	}
	cfg.Venues[venue] = settings
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.ToLower(strings.TrimSpace(part))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// WithBindAddr overrides the HTTP bind address.
func WithBindAddr(addr string) Option {
	trimmed := strings.TrimSpace(addr)
	return func(s *Settings) {
		if trimmed != "" {
			s.BindAddr = trimmed
		}
	}
}

// WithExchanges overrides the enabled venue list.
func WithExchanges(exchanges ...string) Option {
	return func(s *Settings) {
		if len(exchanges) > 0 {
			s.Exchanges = splitList(strings.Join(exchanges, ","))
		}
	}
}

// WithLogLevel overrides the log level.
func WithLogLevel(level string) Option {
	trimmed := strings.ToLower(strings.TrimSpace(level))
	return func(s *Settings) {
		if trimmed != "" {
			s.LogLevel = trimmed
		}
	}
}

// Venue returns settings for the named venue.
func (s Settings) Venue(name string) (VenueSettings, bool) {
	settings, ok := s.Venues[name]
	return settings, ok
}

// EnabledExchange reports whether the venue appears in the enabled list.
func (s Settings) EnabledExchange(name string) bool {
	for _, exchange := range s.Exchanges {
		if exchange == name {
			return true
		}
	}
	return false
}
