// Command gateway launches the market-data gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/cryptodash/gateway/config"
	"github.com/cryptodash/gateway/internal/cache"
	"github.com/cryptodash/gateway/internal/catalog"
	"github.com/cryptodash/gateway/internal/hub"
	"github.com/cryptodash/gateway/internal/logging"
	"github.com/cryptodash/gateway/internal/model"
	"github.com/cryptodash/gateway/internal/server"
	"github.com/cryptodash/gateway/internal/telemetry"
	"github.com/cryptodash/gateway/internal/venue"
	"github.com/cryptodash/gateway/internal/venue/binance"
	"github.com/cryptodash/gateway/internal/venue/bybit"
)

const (
	serverShutdownTimeout    = 10 * time.Second
	adapterShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "optional YAML configuration file")
	flag.Parse()

	// a missing .env file is not an error
	_ = godotenv.Load()

	var (
		cfg config.Settings
		err error
	)
	if *configPath != "" {
		cfg, err = config.FromFile(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.Environment == config.EnvDev)
	log.Info().
		Str("env", string(cfg.Environment)).
		Str("bind", cfg.BindAddr).
		Strs("exchanges", cfg.Exchanges).
		Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownMetrics, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	store := cache.New()
	events := hub.New()
	mapper := model.DefaultSymbolMapper()

	registry, err := buildRegistry(ctx, cfg, events, store, mapper, log)
	if err != nil {
		return err
	}

	state := &server.State{
		Config:   cfg,
		Log:      log,
		Hub:      events,
		Cache:    store,
		Registry: registry,
		Catalog:  catalog.New(cfg, store, log),
		Started:  time.Now(),
	}
	srv := server.New(state)

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := srv.Run(); err != nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	})

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}

	adapterCtx, cancelAdapters := context.WithTimeout(context.Background(), adapterShutdownTimeout)
	defer cancelAdapters()
	for _, adapter := range registry.Adapters() {
		if err := adapter.Stop(adapterCtx); err != nil {
			log.Warn().Err(err).Str("venue", string(adapter.ID())).Msg("adapter stop")
		}
	}

	metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancelMetrics()
	if err := shutdownMetrics(metricsCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown")
	}

	wg.Wait()
	log.Info().Msg("gateway stopped")
	return nil
}

// buildRegistry instantiates one adapter per enabled exchange.
func buildRegistry(ctx context.Context, cfg config.Settings, events *hub.Hub, store *cache.Cache, mapper *model.SymbolMapper, log zerolog.Logger) (*venue.Registry, error) {
	registry := venue.NewRegistry()
	for _, name := range cfg.Exchanges {
		settings, ok := cfg.Venue(name)
		if !ok {
			log.Warn().Str("exchange", name).Msg("no settings for enabled exchange, skipping")
			continue
		}

		var adapter venue.Adapter
		switch strings.ToLower(name) {
		case string(model.VenueBinance):
			adapter = binance.New(settings, cfg.BookDepthDefault, mapper, log)
		case string(model.VenueBybit):
			adapter = bybit.New(settings, mapper, log)
		default:
			log.Warn().Str("exchange", name).Msg("unsupported exchange, skipping")
			continue
		}

		if err := adapter.Start(ctx, events, store); err != nil {
			return nil, fmt.Errorf("start %s adapter: %w", name, err)
		}
		registry.Register(adapter)
		log.Info().Str("exchange", name).Msg("adapter registered")
	}
	return registry, nil
}
