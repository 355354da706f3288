package venue

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/cryptodash/gateway/errs"
	"github.com/cryptodash/gateway/internal/model"
)

const (
	dialMaxElapsed = 15 * time.Second
	writeTimeout   = 5 * time.Second
)

// FrameHandler receives each text frame read from the upstream socket.
type FrameHandler func(data []byte)

// Conn wraps one upstream websocket. Writes are serialized; a dedicated
// goroutine reads frames and hands them to the frame handler. When the read
// loop exits the connection is cleared and the down callback fires. There is
// no background reconnect loop; callers redial on the next subscribe.
type Conn struct {
	venue   model.VenueID
	url     string
	log     zerolog.Logger
	handler FrameHandler
	onDown  func()

	mu         sync.RWMutex
	conn       *websocket.Conn
	cancelRead context.CancelFunc

	writeMu sync.Mutex
}

// DialConn connects to url with exponential backoff and starts the read loop.
func DialConn(ctx context.Context, venue model.VenueID, url string, handler FrameHandler, onDown func(), log zerolog.Logger) (*Conn, error) {
	c := &Conn{
		venue:   venue,
		url:     url,
		log:     log.With().Str("venue", string(venue)).Str("url", url).Logger(),
		handler: handler,
		onDown:  onDown,
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) dial(ctx context.Context) error {
	operation := func() (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(dialCtx, c.url, nil)
		return conn, err
	}

	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(dialMaxElapsed),
	)
	if err != nil {
		return errs.New(string(c.venue), errs.CodeNetwork,
			errs.WithMessage("dial websocket"), errs.WithCause(err))
	}
	conn.SetReadLimit(1 << 22)

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancelRead = cancel
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)
	c.log.Info().Msg("upstream connected")
	return nil
}

func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			deliberate := ctx.Err() != nil
			if !deliberate {
				c.log.Warn().Err(err).Msg("upstream read failed")
			}
			c.clear(conn)
			if !deliberate && c.onDown != nil {
				c.onDown()
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		if c.handler != nil {
			c.handler(data)
		}
	}
}

// clear drops the stored conn if it is still the one the loop was reading.
func (c *Conn) clear(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.cancelRead != nil {
			c.cancelRead()
			c.cancelRead = nil
		}
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// Send writes one text frame. Concurrent senders are serialized so frames
// never interleave.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errs.New(string(c.venue), errs.CodeNetwork, errs.WithMessage("not connected"))
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New(string(c.venue), errs.CodeNetwork,
			errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

// Redial closes any live socket and dials again.
func (c *Conn) Redial(ctx context.Context) error {
	c.Close()
	return c.dial(ctx)
}

// Connected reports whether the socket is currently live.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Close tears the socket down. The read loop observes the cancellation and
// exits without firing the down callback as an error.
func (c *Conn) Close() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancelRead
	c.conn = nil
	c.cancelRead = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}
