package gateway

import "encoding/json"

// Client-to-server frame. Channel carries an exact topic or a glob pattern
// for subscribe/unsubscribe; ping needs no other fields.
type inboundFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
)

// Server-to-client frames.
type connectedFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type ackFrame struct {
	Type    string `json:"type"` // "subscribed" or "unsubscribed"
	Channel string `json:"channel"`
}

type eventFrame struct {
	Type      string          `json:"type"` // "event"
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type pongFrame struct {
	Type string `json:"type"` // "pong"
}

type errorFrame struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}
