// Package catalog loads venue instrument metadata and historical candles
// over REST, persisting results through the gateway cache.
package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/cryptodash/gateway/config"
	"github.com/cryptodash/gateway/errs"
	"github.com/cryptodash/gateway/internal/cache"
	"github.com/cryptodash/gateway/internal/model"
)

const symbolBlobPrefix = "exchange_symbols_"

// Service fetches and serves per-venue symbol metadata with a blob-store
// fallback, and retrieves historical candles with a freshness window.
type Service struct {
	log     zerolog.Logger
	client  *http.Client
	store   *cache.Cache
	limiter *rate.Limiter

	restURLs map[model.VenueID]map[model.MarketType]string

	mu      sync.RWMutex
	symbols map[model.VenueID][]model.SymbolMeta
}

// New builds the service from gateway settings.
func New(cfg config.Settings, store *cache.Cache, log zerolog.Logger) *Service {
	restURLs := make(map[model.VenueID]map[model.MarketType]string)
	var client *http.Client
	for _, name := range []model.VenueID{model.VenueBinance, model.VenueBybit} {
		settings, ok := cfg.Venue(string(name))
		if !ok {
			continue
		}
		restURLs[name] = map[model.MarketType]string{
			model.MarketSpot:      settings.RESTURLs[config.MarketSpot],
			model.MarketPerpetual: settings.RESTURLs[config.MarketPerpetual],
		}
		if client == nil {
			client = &http.Client{Timeout: settings.HTTPTimeout}
		}
	}
	if client == nil {
		client = &http.Client{}
	}

	return &Service{
		log:      log.With().Str("component", "catalog").Logger(),
		client:   client,
		store:    store,
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		restURLs: restURLs,
		symbols:  make(map[model.VenueID][]model.SymbolMeta),
	}
}

// Symbols returns metadata for the venue, fetching on first use. Previously
// persisted metadata and the static fallback cover fetch failures.
func (s *Service) Symbols(ctx context.Context, venue model.VenueID) ([]model.SymbolMeta, error) {
	s.mu.RLock()
	cached := s.symbols[venue]
	s.mu.RUnlock()
	if len(cached) > 0 {
		return cached, nil
	}
	return s.Refresh(ctx, venue)
}

// Refresh re-fetches metadata for the venue and persists it to the blob
// store. On failure the persisted copy is served, then the static fallback.
func (s *Service) Refresh(ctx context.Context, venue model.VenueID) ([]model.SymbolMeta, error) {
	metas, err := s.fetch(ctx, venue)
	if err != nil {
		s.log.Warn().Err(err).Str("venue", string(venue)).Msg("symbol fetch failed, using fallback")
		var persisted []model.SymbolMeta
		if ok, derr := s.store.GetJSON(symbolBlobPrefix+string(venue), &persisted); derr == nil && ok && len(persisted) > 0 {
			s.remember(venue, persisted)
			return persisted, nil
		}
		metas = staticFallback(venue)
		s.remember(venue, metas)
		return metas, nil
	}

	if err := s.store.SetJSON(symbolBlobPrefix+string(venue), metas); err != nil {
		s.log.Warn().Err(err).Str("venue", string(venue)).Msg("persist symbols failed")
	}
	s.remember(venue, metas)
	return metas, nil
}

func (s *Service) remember(venue model.VenueID, metas []model.SymbolMeta) {
	s.mu.Lock()
	s.symbols[venue] = metas
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context, venue model.VenueID) ([]model.SymbolMeta, error) {
	var out []model.SymbolMeta
	for _, market := range []model.MarketType{model.MarketSpot, model.MarketPerpetual} {
		base := s.restURLs[venue][market]
		if base == "" {
			continue
		}
		var (
			metas []model.SymbolMeta
			err   error
		)
		switch venue {
		case model.VenueBinance:
			metas, err = s.fetchBinance(ctx, base, market)
		case model.VenueBybit:
			metas, err = s.fetchBybit(ctx, base, market)
		default:
			err = errs.New(string(venue), errs.CodeInvalid, errs.WithMessage("unknown venue"))
		}
		if err != nil {
			return nil, err
		}
		out = append(out, metas...)
	}
	if len(out) == 0 {
		return nil, errs.New(string(venue), errs.CodeNotFound, errs.WithMessage("no instruments returned"))
	}
	return out, nil
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			MinQty     string `json:"minQty"`
			StepSize   string `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (s *Service) fetchBinance(ctx context.Context, base string, market model.MarketType) ([]model.SymbolMeta, error) {
	path := "/api/v3/exchangeInfo"
	if market == model.MarketPerpetual {
		path = "/fapi/v1/exchangeInfo"
	}
	body, err := s.get(ctx, model.VenueBinance, base+path)
	if err != nil {
		return nil, err
	}

	var info binanceExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
			errs.WithMessage("decode exchangeInfo"), errs.WithCause(err))
	}

	metas := make([]model.SymbolMeta, 0, len(info.Symbols))
	for _, sym := range info.Symbols {
		if sym.Status != "TRADING" {
			continue
		}
		meta := model.SymbolMeta{
			Exchange:   model.VenueBinance,
			MarketType: market,
			Symbol:     sym.Symbol,
			Base:       sym.BaseAsset,
			Quote:      sym.QuoteAsset,
		}
		for _, filter := range sym.Filters {
			switch filter.FilterType {
			case "PRICE_FILTER":
				meta.TickSize = filter.TickSize
				meta.PricePrecision = model.PrecisionFromTickSize(filter.TickSize)
			case "LOT_SIZE":
				meta.MinQty, _ = decimal.NewFromString(filter.MinQty)
				meta.StepSize, _ = decimal.NewFromString(filter.StepSize)
			}
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

type bybitInstrumentsInfo struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Status      string `json:"status"`
			BaseCoin    string `json:"baseCoin"`
			QuoteCoin   string `json:"quoteCoin"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				QtyStep     string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	} `json:"result"`
}

func (s *Service) fetchBybit(ctx context.Context, base string, market model.MarketType) ([]model.SymbolMeta, error) {
	category := "spot"
	if market == model.MarketPerpetual {
		category = "linear"
	}
	body, err := s.get(ctx, model.VenueBybit, base+"/v5/market/instruments-info?category="+category)
	if err != nil {
		return nil, err
	}

	var info bybitInstrumentsInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
			errs.WithMessage("decode instruments-info"), errs.WithCause(err))
	}
	if info.RetCode != 0 {
		return nil, errs.New(string(model.VenueBybit), errs.CodeExchange,
			errs.WithRawCode(fmt.Sprintf("%d", info.RetCode)), errs.WithRawMessage(info.RetMsg))
	}

	metas := make([]model.SymbolMeta, 0, len(info.Result.List))
	for _, sym := range info.Result.List {
		if sym.Status != "Trading" {
			continue
		}
		meta := model.SymbolMeta{
			Exchange:       model.VenueBybit,
			MarketType:     market,
			Symbol:         sym.Symbol,
			Base:           sym.BaseCoin,
			Quote:          sym.QuoteCoin,
			TickSize:       sym.PriceFilter.TickSize,
			PricePrecision: model.PrecisionFromTickSize(sym.PriceFilter.TickSize),
		}
		meta.MinQty, _ = decimal.NewFromString(sym.LotSizeFilter.MinOrderQty)
		meta.StepSize, _ = decimal.NewFromString(sym.LotSizeFilter.QtyStep)
		metas = append(metas, meta)
	}
	return metas, nil
}

// get performs one rate-limited GET and returns the response body.
func (s *Service) get(ctx context.Context, venue model.VenueID, url string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, errs.New(string(venue), errs.CodeRateLimited,
			errs.WithMessage("rate limit wait"), errs.WithCause(err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.New(string(venue), errs.CodeInvalid,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.New(string(venue), errs.CodeNetwork,
			errs.WithMessage("rest request"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(string(venue), errs.CodeNetwork,
			errs.WithMessage("read response"), errs.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		code := errs.CodeExchange
		if resp.StatusCode == http.StatusTooManyRequests {
			code = errs.CodeRateLimited
		}
		return nil, errs.New(string(venue), code,
			errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(string(body)))
	}
	return body, nil
}

// fallbackPairs is the curated set served when a venue catalog cannot be
// fetched and nothing was persisted.
var fallbackPairs = []struct{ base, quote string }{
	{"BTC", "USDT"}, {"ETH", "USDT"}, {"BNB", "USDT"}, {"SOL", "USDT"},
	{"XRP", "USDT"}, {"ADA", "USDT"}, {"DOGE", "USDT"}, {"AVAX", "USDT"},
	{"DOT", "USDT"}, {"MATIC", "USDT"}, {"LINK", "USDT"}, {"LTC", "USDT"},
	{"UNI", "USDT"}, {"ATOM", "USDT"}, {"XLM", "USDT"}, {"NEAR", "USDT"},
	{"APT", "USDT"}, {"ARB", "USDT"}, {"OP", "USDT"}, {"FIL", "USDT"},
	{"ETH", "BTC"}, {"BNB", "BTC"}, {"SOL", "BTC"}, {"XRP", "BTC"},
	{"LTC", "BTC"},
}

func staticFallback(venue model.VenueID) []model.SymbolMeta {
	metas := make([]model.SymbolMeta, 0, len(fallbackPairs))
	for _, pair := range fallbackPairs {
		metas = append(metas, model.SymbolMeta{
			Exchange:   venue,
			MarketType: model.MarketSpot,
			Symbol:     pair.base + pair.quote,
			Base:       pair.base,
			Quote:      pair.quote,
		})
	}
	return metas
}
