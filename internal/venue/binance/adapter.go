package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/cryptodash/gateway/config"
	"github.com/cryptodash/gateway/errs"
	"github.com/cryptodash/gateway/internal/cache"
	"github.com/cryptodash/gateway/internal/hub"
	"github.com/cryptodash/gateway/internal/model"
	"github.com/cryptodash/gateway/internal/venue"
)

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Adapter maintains one logical websocket per market and translates Binance
// stream events into canonical hub publishes.
type Adapter struct {
	log    zerolog.Logger
	wsURLs map[model.MarketType]string
	depth  int
	mapper *model.SymbolMapper

	hub   *hub.Hub
	cache *cache.Cache

	msgID atomic.Int64

	// dialMu serializes connection establishment so a market never ends up
	// with two live connections.
	dialMu sync.Mutex

	mu     sync.Mutex
	conns  map[model.MarketType]*venue.Conn
	topics map[model.MarketType]map[string]hub.Topic
}

// New builds the adapter from venue settings.
func New(cfg config.VenueSettings, depthDefault int, mapper *model.SymbolMapper, log zerolog.Logger) *Adapter {
	if depthDefault <= 0 {
		depthDefault = 50
	}
	if mapper == nil {
		mapper = model.DefaultSymbolMapper()
	}
	return &Adapter{
		log: log.With().Str("venue", string(model.VenueBinance)).Logger(),
		wsURLs: map[model.MarketType]string{
			model.MarketSpot:      cfg.WebsocketURLs[config.MarketSpot],
			model.MarketPerpetual: cfg.WebsocketURLs[config.MarketPerpetual],
		},
		depth:  depthDefault,
		mapper: mapper,
		conns:  make(map[model.MarketType]*venue.Conn),
		topics: make(map[model.MarketType]map[string]hub.Topic),
	}
}

// ID names the venue.
func (a *Adapter) ID() model.VenueID { return model.VenueBinance }

// Start stores the hub and cache handles. Connections are opened lazily on
// the first subscribe.
func (a *Adapter) Start(_ context.Context, h *hub.Hub, store *cache.Cache) error {
	a.hub = h
	a.cache = store
	return nil
}

// Subscribe sends SUBSCRIBE frames for the channels, dialing the market
// connection first when needed.
func (a *Adapter) Subscribe(ctx context.Context, channels []model.Channel) error {
	for market, group := range venue.GroupByMarket(channels) {
		params := a.streamNames(group)
		if len(params) == 0 {
			continue
		}
		if err := a.sendControl(ctx, market, "SUBSCRIBE", params); err != nil {
			return err
		}
		a.trackTopics(market, group)
		a.log.Debug().Str("market", string(market)).Strs("streams", params).Msg("subscribed")
	}
	return nil
}

// Unsubscribe sends UNSUBSCRIBE frames and tears the market connection down
// once its last stream is gone.
func (a *Adapter) Unsubscribe(ctx context.Context, channels []model.Channel) error {
	for market, group := range venue.GroupByMarket(channels) {
		a.mu.Lock()
		conn := a.conns[market]
		for _, ch := range group {
			delete(a.topics[market], hub.FromChannel(ch).Key())
		}
		empty := len(a.topics[market]) == 0
		a.mu.Unlock()

		if conn == nil || !conn.Connected() {
			continue
		}
		params := a.streamNames(group)
		frame, err := json.Marshal(controlFrame{Method: "UNSUBSCRIBE", Params: params, ID: a.msgID.Add(1)})
		if err != nil {
			return fmt.Errorf("encode unsubscribe frame: %w", err)
		}
		if err := conn.Send(ctx, frame); err != nil {
			a.log.Warn().Err(err).Str("market", string(market)).Msg("unsubscribe send failed")
		}
		if empty {
			a.teardown(market)
		}
	}
	return nil
}

// IsConnected reports whether any market connection is live.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, conn := range a.conns {
		if conn != nil && conn.Connected() {
			return true
		}
	}
	return false
}

// Stop closes every market connection.
func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	conns := a.conns
	a.conns = make(map[model.MarketType]*venue.Conn)
	a.topics = make(map[model.MarketType]map[string]hub.Topic)
	a.mu.Unlock()

	for _, conn := range conns {
		if conn != nil {
			conn.Close()
		}
	}
	return nil
}

// sendControl ensures a live connection and writes the frame, redialing and
// resending once when the first write fails.
func (a *Adapter) sendControl(ctx context.Context, market model.MarketType, method string, params []string) error {
	conn, err := a.ensureConn(ctx, market)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(controlFrame{Method: method, Params: params, ID: a.msgID.Add(1)})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", strings.ToLower(method), err)
	}
	if err := conn.Send(ctx, frame); err == nil {
		return nil
	}

	a.log.Warn().Str("market", string(market)).Msg("control send failed, redialing once")
	a.dialMu.Lock()
	err = conn.Redial(ctx)
	a.dialMu.Unlock()
	if err != nil {
		return err
	}
	frame, err = json.Marshal(controlFrame{Method: method, Params: params, ID: a.msgID.Add(1)})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", strings.ToLower(method), err)
	}
	return conn.Send(ctx, frame)
}

// ensureConn returns the live connection for the market, dialing when
// needed. Holding dialMu across the check-dial-store sequence keeps
// concurrent subscribes from opening a second socket for the same market.
func (a *Adapter) ensureConn(ctx context.Context, market model.MarketType) (*venue.Conn, error) {
	a.dialMu.Lock()
	defer a.dialMu.Unlock()

	a.mu.Lock()
	conn := a.conns[market]
	a.mu.Unlock()
	if conn != nil && conn.Connected() {
		return conn, nil
	}
	if conn != nil {
		return conn, conn.Redial(ctx)
	}

	url := a.wsURLs[market]
	if url == "" {
		return nil, errs.New(string(model.VenueBinance), errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("no websocket endpoint for market %q", market)))
	}
	p := &parser{market: market, mapper: a.mapper}
	conn, err := venue.DialConn(ctx, model.VenueBinance, url,
		func(data []byte) { a.handleFrame(market, p, data) },
		func() { a.log.Warn().Str("market", string(market)).Msg("upstream connection lost") },
		a.log)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.conns[market] = conn
	a.mu.Unlock()
	return conn, nil
}

func (a *Adapter) handleFrame(market model.MarketType, p *parser, data []byte) {
	ev, err := p.parse(data)
	if err != nil {
		a.log.Debug().Err(err).Msg("dropped unparseable frame")
		return
	}
	if ev == nil {
		return
	}

	if ticker, ok := ev.msg.Ticker(); ok {
		a.cache.SetTicker(ticker)
	}
	if snapshot, ok := ev.msg.Snapshot(); ok {
		a.cache.SetOrderBook(snapshot)
	}
	a.hub.Publish(ev.topic, ev.msg)
	a.reapIfIdle(market)
}

// reapIfIdle closes the market connection when nothing downstream is
// listening to any of its streams. Runs on the read path after each publish.
func (a *Adapter) reapIfIdle(market model.MarketType) {
	if a.hub.GlobalSubscriberCount() > 0 {
		return
	}
	a.mu.Lock()
	for _, topic := range a.topics[market] {
		if a.hub.SubscriberCount(topic) > 0 {
			a.mu.Unlock()
			return
		}
	}
	conn := a.conns[market]
	delete(a.conns, market)
	delete(a.topics, market)
	a.mu.Unlock()

	if conn != nil {
		a.log.Info().Str("market", string(market)).Msg("no subscribers remain, closing upstream")
		conn.Close()
	}
}

func (a *Adapter) teardown(market model.MarketType) {
	a.mu.Lock()
	conn := a.conns[market]
	delete(a.conns, market)
	delete(a.topics, market)
	a.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (a *Adapter) trackTopics(market model.MarketType, channels []model.Channel) {
	a.mu.Lock()
	if a.topics[market] == nil {
		a.topics[market] = make(map[string]hub.Topic)
	}
	for _, ch := range channels {
		topic := hub.FromChannel(ch)
		a.topics[market][topic.Key()] = topic
	}
	a.mu.Unlock()
}

// streamNames renders lowercase stream identifiers such as btcusdt@ticker and
// btcusdt@depth20.
func (a *Adapter) streamNames(channels []model.Channel) []string {
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		sym := strings.ToLower(a.mapper.ToVenue(model.VenueBinance, ch.Symbol))
		switch ch.ChannelType {
		case model.ChannelTicker:
			names = append(names, sym+"@ticker")
		case model.ChannelOrderBook:
			depth := int(ch.Depth)
			if depth <= 0 {
				depth = a.depth
			}
			names = append(names, fmt.Sprintf("%s@depth%d", sym, depth))
		}
	}
	return names
}
