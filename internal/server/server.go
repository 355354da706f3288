package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cryptodash/gateway/errs"
	"github.com/cryptodash/gateway/internal/catalog"
	"github.com/cryptodash/gateway/internal/model"
)

const (
	healthPath    = "/health"
	readyPath     = "/ready"
	exchangesPath = "/api/exchanges"
	symbolsPath   = "/api/symbols"
	candlesPath   = "/api/candles"
	wsPath        = "/ws"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Server is the gateway HTTP front end: the JSON read API plus the websocket
// streaming endpoint.
type Server struct {
	state *State
	http  *http.Server
}

// New wires the handler tree onto the configured bind address.
func New(state *State) *Server {
	s := &Server{state: state}
	s.http = &http.Server{
		Addr:              state.Config.BindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(healthPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getHealth,
	}))
	mux.Handle(readyPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getReady,
	}))
	mux.Handle(exchangesPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getExchanges,
	}))
	mux.Handle(symbolsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getSymbols,
	}))
	mux.Handle(candlesPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getCandles,
	}))
	mux.Handle(wsPath, http.HandlerFunc(s.handleWS))

	return withCORS(mux)
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.state.Log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   s.state.Config.Telemetry.ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getReady(w http.ResponseWriter, _ *http.Request) {
	deps := map[string]string{
		"hub":   "ok",
		"cache": "ok",
	}
	for _, adapter := range s.state.Registry.Adapters() {
		status := string(model.ExchangeOffline)
		if adapter.IsConnected() {
			status = string(model.ExchangeOnline)
		}
		deps[string(adapter.ID())] = status
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"uptime":       time.Since(s.state.Started).Round(time.Second).String(),
		"dependencies": deps,
	})
}

func (s *Server) getExchanges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state.ExchangeInfos())
}

// getSymbols serves catalog metadata grouped by venue. An exchange query
// parameter narrows the response to one venue.
func (s *Server) getSymbols(w http.ResponseWriter, r *http.Request) {
	requested := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("exchange")))

	venues := make([]model.VenueID, 0, 2)
	for _, adapter := range s.state.Registry.Adapters() {
		id := adapter.ID()
		if requested != "" && requested != string(id) {
			continue
		}
		venues = append(venues, id)
	}
	if requested != "" && len(venues) == 0 {
		writeError(w, http.StatusNotFound, "unknown exchange "+strconv.Quote(requested))
		return
	}

	grouped := make(map[string][]model.SymbolMeta, len(venues))
	for _, id := range venues {
		metas, err := s.state.Catalog.Symbols(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		grouped[string(id)] = metas
	}
	writeJSON(w, http.StatusOK, grouped)
}

func (s *Server) getCandles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	exchange := model.VenueID(strings.ToLower(strings.TrimSpace(query.Get("exchange"))))
	if exchange == "" {
		writeError(w, http.StatusBadRequest, "missing exchange parameter")
		return
	}
	if _, ok := s.state.Registry.Lookup(exchange); !ok {
		writeError(w, http.StatusNotFound, "unknown exchange "+strconv.Quote(string(exchange)))
		return
	}

	symbol := query.Get("symbol")
	if strings.TrimSpace(symbol) == "" {
		writeError(w, http.StatusBadRequest, "missing symbol parameter")
		return
	}

	intervalParam := query.Get("interval")
	if strings.TrimSpace(intervalParam) == "" {
		intervalParam = "1m"
	}
	interval, err := catalog.ParseInterval(intervalParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit "+strconv.Quote(raw))
			return
		}
	}

	market := model.MarketType(strings.ToLower(strings.TrimSpace(query.Get("market_type")))).OrSpot()
	if !market.Valid() {
		writeError(w, http.StatusBadRequest, "invalid market_type")
		return
	}

	candles, err := s.state.Catalog.Candles(r.Context(), catalog.CandleQuery{
		Exchange: exchange,
		Market:   market,
		Symbol:   symbol,
		Interval: interval,
		Limit:    limit,
	})
	if err != nil {
		status := http.StatusBadGateway
		var venueErr *errs.E
		if errors.As(err, &venueErr) && venueErr.Code == errs.CodeInvalid {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"exchange":    exchange,
		"market_type": market,
		"symbol":      catalog.NormalizeSymbol(symbol),
		"interval":    interval.String(),
		"candles":     candles,
	})
}

func (s *Server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
