package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/cryptodash/gateway/internal/hub"
	"github.com/cryptodash/gateway/internal/model"
)

const sessionWriteTimeout = 5 * time.Second

// handleWS upgrades the request and runs one client session to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.state.Log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	sess := &session{
		id:    uuid.New(),
		state: s.state,
		conn:  conn,
	}
	sess.log = s.state.Log.With().Str("session", sess.id.String()).Logger()
	sess.run(r.Context())
}

// session owns one client websocket. A reader goroutine parses and
// dispatches client requests; a forwarder goroutine drains a global hub
// subscription onto the socket. Writes are serialized.
type session struct {
	id    uuid.UUID
	state *State
	conn  *websocket.Conn
	log   zerolog.Logger

	writeMu sync.Mutex
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close(websocket.StatusNormalClosure, "")

	sub := s.state.Hub.SubscribeAll()
	defer sub.Close()

	s.log.Info().Msg("session opened")
	s.send(ctx, model.InfoMessage("Connected to crypto-dash API. Session: %s", s.id))

	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		s.readLoop(ctx)
	})
	wg.Go(func() {
		defer cancel()
		s.forward(ctx, sub)
	})
	wg.Wait()
	s.log.Info().Msg("session closed")
}

func (s *session) readLoop(ctx context.Context) {
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("client read ended")
			}
			return
		}
		if msgType == websocket.MessageBinary {
			s.log.Warn().Msg("ignoring binary frame from client")
			continue
		}

		var msg model.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(ctx, model.ErrorMessage("invalid request: %v", err))
			continue
		}
		s.dispatch(ctx, msg)
	}
}

func (s *session) dispatch(ctx context.Context, msg model.ClientMessage) {
	switch msg.Op {
	case model.OpPing:
		s.send(ctx, model.InfoMessage("Pong"))
	case model.OpSubscribe:
		s.applySubscriptions(ctx, msg.Channels, true)
	case model.OpUnsubscribe:
		s.applySubscriptions(ctx, msg.Channels, false)
	default:
		s.send(ctx, model.ErrorMessage("unknown op %q", string(msg.Op)))
	}
}

// applySubscriptions groups channels by venue and forwards each group to its
// adapter. Unknown venues produce an error event without aborting the rest.
func (s *session) applySubscriptions(ctx context.Context, channels []model.Channel, subscribe bool) {
	if len(channels) == 0 {
		s.send(ctx, model.ErrorMessage("no channels provided"))
		return
	}

	byVenue := make(map[model.VenueID][]model.Channel)
	for _, ch := range channels {
		byVenue[ch.Exchange] = append(byVenue[ch.Exchange], ch)
	}

	applied := 0
	venues := 0
	for id, group := range byVenue {
		adapter, ok := s.state.Registry.Lookup(id)
		if !ok {
			s.send(ctx, model.ErrorMessage("unknown exchange %q", string(id)))
			continue
		}

		var err error
		if subscribe {
			err = adapter.Subscribe(ctx, group)
		} else {
			err = adapter.Unsubscribe(ctx, group)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("venue", string(id)).Msg("subscription change failed")
			s.send(ctx, model.ErrorMessage("%s: %v", string(id), err))
			continue
		}
		applied += len(group)
		venues++
	}
	if venues == 0 {
		return
	}

	verb := "Subscribed to"
	if !subscribe {
		verb = "Unsubscribed from"
	}
	s.send(ctx, model.InfoMessage("%s %d channel(s) on %d exchange(s)", verb, applied, venues))
}

// forward drains the global subscription onto the socket. A lag notice is
// emitted whenever the hub reports discarded envelopes; delivery then resumes
// from the next available event.
func (s *session) forward(ctx context.Context, sub *hub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if env.Dropped > 0 {
				s.log.Warn().Uint64("dropped", env.Dropped).Msg("client lagged")
				if !s.send(ctx, model.ErrorMessage("lagged")) {
					return
				}
			}
			if !s.send(ctx, env.Message) {
				return
			}
		}
	}
}

// send writes one event, reporting false on failure so callers can stop.
func (s *session) send(ctx context.Context, msg model.StreamMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(msg.Type)).Msg("encode event failed")
		return true
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, sessionWriteTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		if ctx.Err() == nil {
			s.log.Debug().Err(err).Msg("client write failed")
		}
		return false
	}
	return true
}
