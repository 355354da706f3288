package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/cryptodash/gateway/errs"
	"github.com/cryptodash/gateway/internal/model"
)

const (
	// DefaultCandleLimit applies when the caller omits a limit.
	DefaultCandleLimit = 200
	// MaxCandleLimit caps any requested limit.
	MaxCandleLimit = 1000

	candleTTL = 30 * time.Second
)

// CachedCandles is the blob-store form of a candle fetch.
type CachedCandles struct {
	FetchedAt time.Time           `json:"fetched_at"`
	Candles   []model.Candlestick `json:"candles"`
}

// CandleQuery describes one candle retrieval.
type CandleQuery struct {
	Exchange model.VenueID
	Market   model.MarketType
	Symbol   string
	Interval Interval
	Limit    int
}

// NormalizeSymbol reduces a request symbol to venue form: whitespace and
// dashes removed, uppercased.
func NormalizeSymbol(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		}
		return r
	}, raw)
	return strings.ToUpper(cleaned)
}

// Candles returns up to Limit candles for the query, serving fetches less
// than thirty seconds old from the blob store.
func (s *Service) Candles(ctx context.Context, q CandleQuery) ([]model.Candlestick, error) {
	q.Market = q.Market.OrSpot()
	q.Symbol = NormalizeSymbol(q.Symbol)
	if q.Symbol == "" {
		return nil, errs.New(string(q.Exchange), errs.CodeInvalid, errs.WithMessage("empty symbol"))
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultCandleLimit
	case q.Limit > MaxCandleLimit:
		q.Limit = MaxCandleLimit
	}

	key := fmt.Sprintf("candles:%s:%s:%s:%s:%d", q.Exchange, q.Market, q.Symbol, q.Interval, q.Limit)
	var cached CachedCandles
	if ok, err := s.store.GetJSON(key, &cached); err == nil && ok && time.Since(cached.FetchedAt) < candleTTL {
		return cached.Candles, nil
	}

	var (
		candles []model.Candlestick
		err     error
	)
	switch q.Exchange {
	case model.VenueBinance:
		candles, err = s.fetchBinanceCandles(ctx, q)
	case model.VenueBybit:
		candles, err = s.fetchBybitCandles(ctx, q)
	default:
		err = errs.New(string(q.Exchange), errs.CodeInvalid, errs.WithMessage("unknown venue"))
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.SetJSON(key, CachedCandles{FetchedAt: time.Now().UTC(), Candles: candles}); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("persist candles failed")
	}
	return candles, nil
}

// fetchBinanceCandles reads the kline endpoint. Each row is a heterogeneous
// array: open time in milliseconds followed by o/h/l/c/v strings.
func (s *Service) fetchBinanceCandles(ctx context.Context, q CandleQuery) ([]model.Candlestick, error) {
	base := s.restURLs[model.VenueBinance][q.Market]
	if base == "" {
		return nil, errs.New(string(model.VenueBinance), errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("no rest endpoint for market %q", q.Market)))
	}
	path := "/api/v3/klines"
	if q.Market == model.MarketPerpetual {
		path = "/fapi/v1/klines"
	}
	url := fmt.Sprintf("%s%s?symbol=%s&interval=%s&limit=%d", base, path, q.Symbol, q.Interval.Binance(), q.Limit)

	body, err := s.get(ctx, model.VenueBinance, url)
	if err != nil {
		return nil, err
	}

	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
			errs.WithMessage("decode klines"), errs.WithCause(err))
	}

	candles := make([]model.Candlestick, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		millis, ok := row[0].(float64)
		if !ok {
			return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
				errs.WithMessage("kline open time is not a number"))
		}
		values, err := decimalFields(row[1:6])
		if err != nil {
			return nil, errs.New(string(model.VenueBinance), errs.CodeParse,
				errs.WithMessage("parse kline fields"), errs.WithCause(err))
		}
		candles = append(candles, model.Candlestick{
			Timestamp: time.UnixMilli(int64(millis)).UTC(),
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
			Volume:    values[4],
		})
	}
	return candles, nil
}

type bybitKlineResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List [][]string `json:"list"`
	} `json:"result"`
}

// fetchBybitCandles reads the v5 kline endpoint. Rows arrive newest first and
// are reversed to ascending time order.
func (s *Service) fetchBybitCandles(ctx context.Context, q CandleQuery) ([]model.Candlestick, error) {
	base := s.restURLs[model.VenueBybit][q.Market]
	if base == "" {
		return nil, errs.New(string(model.VenueBybit), errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("no rest endpoint for market %q", q.Market)))
	}
	category := "spot"
	if q.Market == model.MarketPerpetual {
		category = "linear"
	}
	url := fmt.Sprintf("%s/v5/market/kline?category=%s&symbol=%s&interval=%s&limit=%d",
		base, category, q.Symbol, q.Interval.Bybit(), q.Limit)

	body, err := s.get(ctx, model.VenueBybit, url)
	if err != nil {
		return nil, err
	}

	var resp bybitKlineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
			errs.WithMessage("decode kline response"), errs.WithCause(err))
	}
	if resp.RetCode != 0 {
		return nil, errs.New(string(model.VenueBybit), errs.CodeExchange,
			errs.WithRawCode(strconv.Itoa(resp.RetCode)), errs.WithRawMessage(resp.RetMsg))
	}

	list := resp.Result.List
	candles := make([]model.Candlestick, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		row := list[i]
		if len(row) < 6 {
			continue
		}
		millis, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
				errs.WithMessage("parse kline start time"), errs.WithCause(err))
		}
		values := make([]decimal.Decimal, 5)
		for j := 0; j < 5; j++ {
			values[j], err = decimal.NewFromString(row[j+1])
			if err != nil {
				return nil, errs.New(string(model.VenueBybit), errs.CodeParse,
					errs.WithMessage("parse kline fields"), errs.WithCause(err))
			}
		}
		candles = append(candles, model.Candlestick{
			Timestamp: time.UnixMilli(millis).UTC(),
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
			Volume:    values[4],
		})
	}
	return candles, nil
}

func decimalFields(raw []any) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("field %d is not a string", i+1)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
