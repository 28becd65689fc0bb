package domain

import "encoding/json"

// Client to server frame types.
const (
	FrameCommand     = "command"
	FramePing        = "ping"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// Server to client frame types.
const (
	FrameHello = "hello"
	FramePong  = "pong"
	FrameEvent = "event"
	FrameError = "error"
)

// Event statuses sent to clients. On the outbound queue, backend "error"
// renders as an error frame and backend final=true as status "final"; RPC
// replies surfaced over the socket use "error" on the event frame itself.
const (
	EventStatusOK     = "ok"
	EventStatusUpdate = "update"
	EventStatusFinal  = "final"
	EventStatusError  = "error"
)

// ClientFrame is every inbound WS message. Command frames carry
// domain/command routing; the rest are control frames.
type ClientFrame struct {
	Type      string          `json:"type" validate:"required,oneof=command ping subscribe unsubscribe"`
	Domain    string          `json:"domain,omitempty"`
	Command   string          `json:"command,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
}

type HelloFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	HeartbeatSec int    `json:"heartbeat_sec"`
}

func NewHelloFrame(connectionID string, heartbeatSec int) HelloFrame {
	return HelloFrame{Type: FrameHello, ConnectionID: connectionID, HeartbeatSec: heartbeatSec}
}

type PongFrame struct {
	Type string `json:"type"`
}

func NewPongFrame() PongFrame { return PongFrame{Type: FramePong} }

// EventFrame delivers a unicast event resolved by the outbound dispatcher or
// an RPC reply surfaced over the socket.
type EventFrame struct {
	Type         string          `json:"type"`
	Event        string          `json:"event"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Tick         *int64          `json:"tick,omitempty"`
	StateVersion *int64          `json:"state_version,omitempty"`
}

func NewEventFrame(event, status string, payload json.RawMessage) EventFrame {
	return EventFrame{Type: FrameEvent, Event: event, Status: status, Payload: payload}
}

// BroadcastFrame is the fan-out shape: the routing key of the consumed event
// becomes the topic, the raw body becomes the payload.
type BroadcastFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func NewBroadcastFrame(topic string, payload json.RawMessage) BroadcastFrame {
	return BroadcastFrame{Type: FrameEvent, Topic: topic, Payload: payload}
}

type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type ErrorFrame struct {
	Type      string    `json:"type"`
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Error: ErrorBody{Code: code, Message: message}}
}

// Recipient selects who an outbound message is for. ConnectionID wins when
// both are set; AccountID fans out to every session of that account.
type Recipient struct {
	AccountID    int64  `json:"account_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// OutboundMessage is the body consumed from the shared ws_outbound queue.
type OutboundMessage struct {
	Recipient    *Recipient      `json:"recipient,omitempty"`
	Event        string          `json:"event"`
	Status       string          `json:"status" validate:"omitempty,oneof=ok update error"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Final        bool            `json:"final,omitempty"`
	Error        *ErrorBody      `json:"error,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Tick         *int64          `json:"tick,omitempty"`
	StateVersion *int64          `json:"state_version,omitempty"`
}

// WS close codes used by the gateway.
const (
	CloseReplaced       = 1000
	CloseGoingAway      = 1001
	ClosePolicyViolated = 1008
	CloseInternalError  = 1011
)
