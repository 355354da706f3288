package bybit

import (
	"context"
	"fmt"
	"strings"
	"sync"

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
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// Adapter maintains one logical websocket per market on the Bybit v5 public
// endpoints and translates topic messages into canonical hub publishes.
type Adapter struct {
	log    zerolog.Logger
	wsURLs map[model.MarketType]string
	mapper *model.SymbolMapper

	hub   *hub.Hub
	cache *cache.Cache

	// dialMu serializes connection establishment so a market never ends up
	// with two live connections.
	dialMu sync.Mutex

	mu     sync.Mutex
	conns  map[model.MarketType]*venue.Conn
	topics map[model.MarketType]map[string]hub.Topic
}

// New builds the adapter from venue settings.
func New(cfg config.VenueSettings, mapper *model.SymbolMapper, log zerolog.Logger) *Adapter {
	if mapper == nil {
		mapper = model.DefaultSymbolMapper()
	}
	return &Adapter{
		log: log.With().Str("venue", string(model.VenueBybit)).Logger(),
		wsURLs: map[model.MarketType]string{
			model.MarketSpot:      cfg.WebsocketURLs[config.MarketSpot],
			model.MarketPerpetual: cfg.WebsocketURLs[config.MarketPerpetual],
		},
		mapper: mapper,
		conns:  make(map[model.MarketType]*venue.Conn),
		topics: make(map[model.MarketType]map[string]hub.Topic),
	}
}

// ID names the venue.
func (a *Adapter) ID() model.VenueID { return model.VenueBybit }

// Start stores the hub and cache handles. Connections open lazily.
func (a *Adapter) Start(_ context.Context, h *hub.Hub, store *cache.Cache) error {
	a.hub = h
	a.cache = store
	return nil
}

// Subscribe sends subscribe frames for the channels, dialing the market
// connection first when needed.
func (a *Adapter) Subscribe(ctx context.Context, channels []model.Channel) error {
	for market, group := range venue.GroupByMarket(channels) {
		args := a.topicArgs(group)
		if len(args) == 0 {
			continue
		}
		if err := a.sendControl(ctx, market, "subscribe", args); err != nil {
			return err
		}
		a.trackTopics(market, group)
		a.log.Debug().Str("market", string(market)).Strs("args", args).Msg("subscribed")
	}
	return nil
}

// Unsubscribe sends unsubscribe frames and tears the market connection down
// once its last topic is gone.
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
		frame, err := json.Marshal(controlFrame{Op: "unsubscribe", Args: a.topicArgs(group)})
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
func (a *Adapter) sendControl(ctx context.Context, market model.MarketType, op string, args []string) error {
	conn, err := a.ensureConn(ctx, market)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(controlFrame{Op: op, Args: args})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", op, err)
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
		return nil, errs.New(string(model.VenueBybit), errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("no websocket endpoint for market %q", market)))
	}
	p := &parser{market: market, mapper: a.mapper}
	conn, err := venue.DialConn(ctx, model.VenueBybit, url,
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
	events, acked, err := p.parse(data)
	if err != nil {
		a.log.Debug().Err(err).Msg("dropped unparseable frame")
		return
	}
	if acked != nil {
		evt := a.log.Debug()
		if !acked.Success {
			evt = a.log.Warn()
		}
		evt.Str("op", acked.Op).Str("ret_msg", acked.RetMsg).Bool("success", acked.Success).
			Msg("control acknowledgement")
		return
	}
	if len(events) == 0 {
		return
	}

	for _, ev := range events {
		if ticker, ok := ev.msg.Ticker(); ok {
			a.cache.SetTicker(ticker)
		}
		if snapshot, ok := ev.msg.Snapshot(); ok {
			a.cache.SetOrderBook(snapshot)
		}
		a.hub.Publish(ev.topic, ev.msg)
	}
	a.reapIfIdle(market)
}

// reapIfIdle closes the market connection when nothing downstream is
// listening to any of its topics. Runs on the read path after each publish.
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

// topicArgs renders v5 public topic names such as tickers.BTCUSDT and
// orderbook.1.BTCUSDT.
func (a *Adapter) topicArgs(channels []model.Channel) []string {
	args := make([]string, 0, len(channels))
	for _, ch := range channels {
		sym := strings.ToUpper(a.mapper.ToVenue(model.VenueBybit, ch.Symbol))
		switch ch.ChannelType {
		case model.ChannelTicker:
			args = append(args, "tickers."+sym)
		case model.ChannelOrderBook:
			depth := int(ch.Depth)
			if depth <= 0 {
				depth = 1
			}
			args = append(args, fmt.Sprintf("orderbook.%d.%s", depth, sym))
		}
	}
	return args
}
