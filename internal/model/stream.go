package model

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// MessageType tags server-to-client stream messages.
type MessageType string

const (
	// MessageTicker carries a Ticker payload.
	MessageTicker MessageType = "ticker"
	// MessageOrderBookSnapshot carries an OrderBookSnapshot payload.
	MessageOrderBookSnapshot MessageType = "order_book_snapshot"
	// MessageOrderBookDelta carries an OrderBookDelta payload.
	MessageOrderBookDelta MessageType = "order_book_delta"
	// MessageInfo carries an informational notice.
	MessageInfo MessageType = "info"
	// MessageError carries an error notice.
	MessageError MessageType = "error"
)

// Notice is the payload of info and error messages.
type Notice struct {
	Message string `json:"message"`
}

// StreamMessage is the tagged union sent to streaming clients.
// The wire form is {"type": "...", "payload": {...}}.
type StreamMessage struct {
	Type    MessageType
	Payload any
}

// TickerMessage wraps a ticker for publication.
func TickerMessage(t Ticker) StreamMessage {
	return StreamMessage{Type: MessageTicker, Payload: t}
}

// OrderBookSnapshotMessage wraps a snapshot for publication.
func OrderBookSnapshotMessage(s OrderBookSnapshot) StreamMessage {
	return StreamMessage{Type: MessageOrderBookSnapshot, Payload: s}
}

// OrderBookDeltaMessage wraps a delta for publication.
func OrderBookDeltaMessage(d OrderBookDelta) StreamMessage {
	return StreamMessage{Type: MessageOrderBookDelta, Payload: d}
}

// InfoMessage builds an informational notice.
func InfoMessage(format string, args ...any) StreamMessage {
	return StreamMessage{Type: MessageInfo, Payload: Notice{Message: fmt.Sprintf(format, args...)}}
}

// ErrorMessage builds an error notice.
func ErrorMessage(format string, args ...any) StreamMessage {
	return StreamMessage{Type: MessageError, Payload: Notice{Message: fmt.Sprintf(format, args...)}}
}

// Ticker returns the ticker payload when present.
func (m StreamMessage) Ticker() (Ticker, bool) {
	t, ok := m.Payload.(Ticker)
	return t, ok
}

// Snapshot returns the order book snapshot payload when present.
func (m StreamMessage) Snapshot() (OrderBookSnapshot, bool) {
	s, ok := m.Payload.(OrderBookSnapshot)
	return s, ok
}

// Delta returns the order book delta payload when present.
func (m StreamMessage) Delta() (OrderBookDelta, bool) {
	d, ok := m.Payload.(OrderBookDelta)
	return d, ok
}

// Notice returns the info or error payload when present.
func (m StreamMessage) Notice() (Notice, bool) {
	n, ok := m.Payload.(Notice)
	return n, ok
}

type streamEnvelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON implements the tagged wire form.
func (m StreamMessage) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Type, err)
	}
	return json.Marshal(streamEnvelope{Type: m.Type, Payload: payload})
}

// UnmarshalJSON decodes the tagged wire form into a concrete payload.
func (m *StreamMessage) UnmarshalJSON(data []byte) error {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	m.Type = env.Type
	switch env.Type {
	case MessageTicker:
		var t Ticker
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			return fmt.Errorf("decode ticker payload: %w", err)
		}
		m.Payload = t
	case MessageOrderBookSnapshot:
		var s OrderBookSnapshot
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return fmt.Errorf("decode order book snapshot payload: %w", err)
		}
		m.Payload = s
	case MessageOrderBookDelta:
		var d OrderBookDelta
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			return fmt.Errorf("decode order book delta payload: %w", err)
		}
		m.Payload = d
	case MessageInfo, MessageError:
		var n Notice
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return fmt.Errorf("decode notice payload: %w", err)
		}
		m.Payload = n
	default:
		return fmt.Errorf("unknown stream message type %q", env.Type)
	}
	return nil
}

// ClientOp names an operation requested by a streaming client.
type ClientOp string

const (
	// OpSubscribe adds channel subscriptions.
	OpSubscribe ClientOp = "subscribe"
	// OpUnsubscribe removes channel subscriptions.
	OpUnsubscribe ClientOp = "unsubscribe"
	// OpPing requests a liveness reply.
	OpPing ClientOp = "ping"
)

// ClientMessage is a request frame from a streaming client.
type ClientMessage struct {
	Op       ClientOp  `json:"op"`
	Channels []Channel `json:"channels,omitempty"`
}
